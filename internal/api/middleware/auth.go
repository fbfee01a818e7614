package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
)

// UserLookup loads accounts by login.
type UserLookup interface {
	GetByLogin(ctx context.Context, login string) (*domain.User, error)
}

// ExchangeAuth admits requests carrying basic credentials of an active user
// with the 1C exchange permission.
func ExchangeAuth(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		login, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="exchange1c"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		user, err := users.GetByLogin(ctx, login)
		if err != nil || !user.CheckPassword(password) {
			logger.CtxWarn(ctx, "Admin authentication failed: login=%s, client_ip=%s", login, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if !user.CanExchange1C {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
			return
		}

		c.Request = c.Request.WithContext(logger.WithField(ctx, logger.FieldUserID, user.ID))
		c.Next()
	}
}
