package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/internal/observability"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, adminAPIKey string, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(observability.Handler()))

	// Ingest v1
	v1 := router.Group("/ingest/v1")
	{
		// Same identity triple the MQTT topic carries. Device credentials
		// ride in the envelope body, so the route itself stays open; the
		// pipeline rejects what it cannot authenticate.
		v1.POST("/tenant/:tenant_id/device/:device_id/:msg_type", handlers.IngestTelemetry)
	}

	// Admin endpoints
	admin := router.Group("/admin")
	admin.Use(AdminAuthentication(adminAPIKey))
	{
		admin.GET("/stats", handlers.GetSystemStats)
		admin.DELETE("/cache/tenant/:tenant_id/device/:device_id", handlers.InvalidateDeviceCache)
	}
}
