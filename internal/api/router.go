package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/api/middleware"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
)

// NewRouter creates and configures the main HTTP router
func NewRouter(cfg *config.Config, h *Handlers, logger *logrus.Logger) *gin.Engine {
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware(logger))
	if cfg.Security.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.Security.AllowedOrigins))
	}

	// Public routes
	router.GET("/health", h.Health)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// WebSocket endpoint. Auth runs here too since browsers cannot set
	// headers on upgrade requests; the token rides in the query string.
	router.GET("/ws", middleware.AuthMiddleware(cfg.Auth.JWTSecret), h.WebSocket)

	// API v1 routes
	api := router.Group("/api/v1")
	{
		// Authentication routes (public)
		auth := api.Group("/auth")
		{
			auth.GET("/url", h.AuthURL)
			auth.POST("/exchange", h.ExchangeCode)
		}

		// Protected API routes (auth required)
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
		{
			protected.GET("/status", h.Status)
			protected.GET("/accounts", h.ListAccounts)
			protected.GET("/positions", h.ListPositions)
			protected.POST("/credentials/refresh", h.RefreshCredential)
		}
	}

	return router
}
