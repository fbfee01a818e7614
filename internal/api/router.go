package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/exchange1c/internal/api/handler"
	"github.com/timmy/exchange1c/internal/api/middleware"
	"github.com/timmy/exchange1c/internal/exchange"
	"github.com/timmy/exchange1c/internal/service"
	"github.com/timmy/exchange1c/internal/telemetry"
	"gorm.io/gorm"
)

// RouterDeps holds what the HTTP layer is built from.
type RouterDeps struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Protocol *exchange.Protocol
	Sessions *service.ExchangeSessionStore
	Users    middleware.UserLookup
	Uploads  service.FileStreamConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.DB, deps.Redis)
	exchangeHandler := handler.NewExchangeHandler(deps.Protocol)
	adminHandler := handler.NewAdminHandler(deps.Sessions, deps.Uploads)

	// Health check and metrics
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// 1C exchange endpoint
	ex := r.Group("", middleware.LoggerMiddleware("exchange"))
	for _, path := range []string{"/1c_exchange", "/1c_exchange.php"} {
		ex.GET(path, exchangeHandler.Handle)
		ex.POST(path, exchangeHandler.Handle)
	}

	// API v1 routes
	v1 := r.Group("/api/v1", middleware.LoggerMiddleware("api"), middleware.ExchangeAuth(deps.Users))
	{
		// Import sessions
		v1.GET("/import-sessions", adminHandler.ListImportSessions)
		v1.GET("/import-sessions/:id", adminHandler.GetImportSession)
		v1.POST("/import-sessions/:id/fail", adminHandler.FailImportSession)

		// Upload slots
		v1.DELETE("/uploads/:sessid", adminHandler.DeleteUploads)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return r
}
