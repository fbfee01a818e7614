package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/exchange1c/internal/logger"
	"gorm.io/gorm"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

// Health returns the health status of the service and its backing stores
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{
		"database": h.pingDB(ctx),
		"redis":    h.pingRedis(ctx),
	}

	status, code := "ok", http.StatusOK
	for name, result := range checks {
		if result != "ok" {
			logger.CtxWarn(ctx, "Health check failed: %s: %v", name, result)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
	})
}

func (h *HealthHandler) pingDB(ctx context.Context) string {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err.Error()
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

func (h *HealthHandler) pingRedis(ctx context.Context) string {
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return err.Error()
	}
	return "ok"
}
