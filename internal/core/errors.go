package core

import (
	"errors"
	"fmt"
)

// ReasonCode identifies exactly why a message was rejected. The set is
// closed; transports and the quarantine sink must never invent codes.
type ReasonCode string

const (
	ReasonPayloadTooLarge    ReasonCode = "PAYLOAD_TOO_LARGE"
	ReasonRateLimited        ReasonCode = "RATE_LIMITED"
	ReasonUnknownDevice      ReasonCode = "UNKNOWN_DEVICE"
	ReasonDeviceRevoked      ReasonCode = "DEVICE_REVOKED"
	ReasonSubscriptionSusp   ReasonCode = "SUBSCRIPTION_SUSPENDED"
	ReasonSiteMismatch       ReasonCode = "SITE_MISMATCH"
	ReasonTokenMissing       ReasonCode = "TOKEN_MISSING"
	ReasonTokenInvalid       ReasonCode = "TOKEN_INVALID"
	ReasonUnsupportedVersion ReasonCode = "UNSUPPORTED_ENVELOPE_VERSION"
	ReasonTimestampMissing   ReasonCode = "TIMESTAMP_MISSING"
	ReasonTimestampInvalid   ReasonCode = "TIMESTAMP_INVALID"
	ReasonTimestampFuture    ReasonCode = "TIMESTAMP_FUTURE"
	ReasonInvalidPayload     ReasonCode = "INVALID_PAYLOAD"

	// Write-failure namespace: set by the batch writer when a flush
	// exhausts its retries, never by the validator.
	ReasonWriteFailed ReasonCode = "WRITE_FAILED"
)

// Infrastructure errors.
var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrQueueFull           = errors.New("quarantine queue full")
	ErrWriterStopped       = errors.New("batch writer stopped")
	ErrRegistryUnavailable = errors.New("device registry unavailable")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
