package middleware

import (
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/exchange1c/internal/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// sensitiveParams are masked in logged query strings.
var sensitiveParams = []string{"sessid", "password"}

// LoggerMiddleware returns a Gin middleware that injects a request-scoped logger.
// Parameters:
//   - component: value of the component field for requests of this router group.
// Returns:
//   - gin.HandlerFunc: middleware handler.
func LoggerMiddleware(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// Reuse the caller's request ID so proxies and 1C logs line up
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()
		}

		ctx := logger.WithFields(c.Request.Context(), logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: component,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", logger.FromContext(ctx))
		c.Header(RequestIDHeader, requestID)

		logger.CtxDebug(ctx, "Request started: method=%s, path=%s, client_ip=%s",
			c.Request.Method, path, c.ClientIP())

		c.Next()

		fullPath := path
		if query := maskQuery(c.Request.URL.RawQuery); query != "" {
			fullPath = path + "?" + query
		}

		logger.With(nil).Since(start).HTTPStatus(c.Writer.Status()).Bytes(int64(c.Writer.Size())).Info(ctx, "Request completed: method=%s, path=%s, client_ip=%s", c.Request.Method, fullPath, c.ClientIP())
	}
}

func maskQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	for _, name := range sensitiveParams {
		if values.Has(name) {
			values.Set(name, "***")
		}
	}
	return values.Encode()
}

// GetLogger extracts logger from Gin context or request context.
func GetLogger(c *gin.Context) *logger.Logger {
	if l, exists := c.Get("logger"); exists {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
