package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/internal/core"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	pipeline        *core.Pipeline
	auth            *core.AuthCache
	keymap          *core.KeyMapCache
	maxPayloadBytes int64
	logger          *logrus.Logger
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(pipeline *core.Pipeline, auth *core.AuthCache, keymap *core.KeyMapCache, maxPayloadBytes int64, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{
		pipeline:        pipeline,
		auth:            auth,
		keymap:          keymap,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "telemetry-ingest-api",
	})
}

// --- Ingestion Endpoints ---

// IngestTelemetry receives one device message. The body is the raw
// envelope; all validation happens in the pipeline so HTTP and MQTT
// messages take the identical path.
func (h *APIHandlers) IngestTelemetry(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	deviceUID := c.Param("device_id")
	messageType := c.Param("msg_type")

	if messageType != core.MessageTypeTelemetry && messageType != core.MessageTypeHeartbeat {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported message type"})
		return
	}

	// Read at most one byte past the payload limit. Oversized posts hit
	// the pipeline's size check without ever being buffered whole, and
	// the rejection takes the same quarantine path as every other one.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	record, rejection, err := h.pipeline.Ingest(c.Request.Context(), core.IngestRequest{
		TenantID:    tenantID,
		DeviceUID:   deviceUID,
		MessageType: messageType,
		Body:        body,
		ReceivedAt:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, core.ErrRegistryUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device registry unavailable, retry later"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
		return
	}

	if rejection != nil {
		c.JSON(rejectionStatus(rejection.Reason), gin.H{
			"error":  "message rejected",
			"reason": rejection.Reason,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"record_id": record.ID,
		"status":    "accepted",
	})
}

// rejectionStatus maps a rejection reason onto an HTTP status code.
func rejectionStatus(reason core.ReasonCode) int {
	switch reason {
	case core.ReasonPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.ReasonRateLimited:
		return http.StatusTooManyRequests
	case core.ReasonUnknownDevice:
		return http.StatusNotFound
	case core.ReasonDeviceRevoked, core.ReasonSubscriptionSusp, core.ReasonSiteMismatch:
		return http.StatusForbidden
	case core.ReasonTokenMissing, core.ReasonTokenInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// --- Admin Endpoints ---

// GetSystemStats returns ingestion statistics
func (h *APIHandlers) GetSystemStats(c *gin.Context) {
	stats := gin.H{
		"pipeline":     h.pipeline.Stats(),
		"auth_entries": h.auth.Len(),
		"timestamp":    time.Now(),
	}

	c.JSON(http.StatusOK, stats)
}

// InvalidateDeviceCache drops the cached auth entry and key map for one
// device. Called after provisioning changes so revocations take effect
// without waiting out the TTL.
func (h *APIHandlers) InvalidateDeviceCache(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	deviceUID := c.Param("device_id")

	h.auth.Invalidate(c.Request.Context(), tenantID, deviceUID)
	h.keymap.Invalidate(tenantID, deviceUID)

	h.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"device_uid": deviceUID,
	}).Info("Device cache invalidated")

	c.JSON(http.StatusOK, gin.H{"message": "device cache invalidated"})
}
