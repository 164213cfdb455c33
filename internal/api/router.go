package api

import (
	"taskpulse/internal/metrics"
	"taskpulse/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func RegisterRoutes(wsHandler *WSHandler, healthHandler *HealthHandler, publishHandler *PublishHandler,
	rdb *redis.Client, requestsPerSecond int, env string, origins []string) *gin.Engine {

	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.CorsMiddleware(origins),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", healthHandler.Check)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	devMode := env != "prod"

	// Realtime upgrade; rate limited so a broken reconnect loop cannot
	// hammer the gateway
	ws := r.Group("/ws")
	ws.Use(middleware.RateLimitMiddleware(rdb, requestsPerSecond), middleware.JWTMiddleware(devMode))
	{
		ws.GET("", wsHandler.Serve)
	}

	// Server-to-server surface for the task app's REST backend
	internal := r.Group("/internal")
	internal.Use(middleware.JWTMiddleware(devMode))
	{
		internal.POST("/publish", publishHandler.Publish)
		internal.GET("/presence/:userId", publishHandler.Online)
	}

	return r
}
