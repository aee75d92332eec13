package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Device represents a provisioned device identity. It is authoritative in
// the registry store and read-only from the ingestion path.
type Device struct {
	ID                 uint       `json:"id" gorm:"primaryKey"`
	TenantID           string     `json:"tenant_id" gorm:"index:idx_tenant_device,unique;not null"`
	DeviceUID          string     `json:"device_uid" gorm:"index:idx_tenant_device,unique;not null"`
	SiteID             string     `json:"site_id" gorm:"not null"`
	Status             string     `json:"status" gorm:"index;not null"`
	TokenHash          string     `json:"-"`
	SubscriptionStatus string     `json:"subscription_status" gorm:"not null"`
	LastSeen           *time.Time `json:"last_seen"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Tenant represents a customer account. All telemetry is partitioned by
// tenant slug.
type Tenant struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Slug        string    `json:"slug" gorm:"uniqueIndex;not null"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active" gorm:"default:true"`
	DeviceLimit int       `json:"device_limit" gorm:"default:1000"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeviceModule is one firmware module attached to a device, carrying its
// raw-to-semantic metric key translations. A device may have several active
// modules; their maps are merged in ascending module ID order.
type DeviceModule struct {
	ID        uint         `json:"id" gorm:"primaryKey"`
	TenantID  string       `json:"tenant_id" gorm:"index:idx_module_device;not null"`
	DeviceUID string       `json:"device_uid" gorm:"index:idx_module_device;not null"`
	Name      string       `json:"name"`
	Active    bool         `json:"active" gorm:"default:true;index"`
	KeyMap    MetricKeyMap `json:"key_map" gorm:"type:jsonb"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TelemetryRecord is a validated, normalized telemetry row. Immutable once
// handed to the batch writer.
type TelemetryRecord struct {
	ID          string       `json:"id" gorm:"primaryKey"` // Server-generated UUID
	TenantID    string       `json:"tenant_id" gorm:"index:idx_telemetry_tenant_time;not null"`
	DeviceUID   string       `json:"device_uid" gorm:"index;not null"`
	SiteID      string       `json:"site_id" gorm:"not null"`
	MessageType string       `json:"message_type" gorm:"index;not null"`
	EventTime   time.Time    `json:"event_time" gorm:"index:idx_telemetry_tenant_time;not null"`
	Metrics     MetricValues `json:"metrics" gorm:"type:jsonb"`
	Seq         *int64       `json:"seq,omitempty"`
	Lat         *float64     `json:"lat,omitempty"`
	Lng         *float64     `json:"lng,omitempty"`
	ReceivedAt  time.Time    `json:"received_at" gorm:"index;not null"`
	CreatedAt   time.Time    `json:"created_at"`
}

// QuarantineRecord mirrors a rejected message (or a failed batch row) for
// audit. Never read by the accept path.
type QuarantineRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"` // Server-generated UUID
	TenantID   string    `json:"tenant_id" gorm:"index"`
	DeviceUID  string    `json:"device_uid" gorm:"index"`
	Reason     string    `json:"reason" gorm:"index;not null"`
	Payload    []byte    `json:"payload" gorm:"type:bytea"`
	ReceivedAt time.Time `json:"received_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName overrides for GORM
func (Device) TableName() string           { return "devices" }
func (Tenant) TableName() string           { return "tenants" }
func (DeviceModule) TableName() string     { return "device_modules" }
func (TelemetryRecord) TableName() string  { return "telemetry_records" }
func (QuarantineRecord) TableName() string { return "quarantine_records" }

// Constants for device and subscription lifecycle.
const (
	// Device statuses
	DeviceStatusActive  = "active"
	DeviceStatusRevoked = "revoked"
	DeviceStatusRetired = "retired"

	// Subscription statuses
	SubscriptionActive    = "active"
	SubscriptionSuspended = "suspended"
	SubscriptionCancelled = "cancelled"

	// Message types carried on the topic / URL path
	MessageTypeTelemetry = "telemetry"
	MessageTypeHeartbeat = "heartbeat"

	// Supported envelope version
	EnvelopeVersion1 = "1"
)

// MetricValues stores semantic-key -> numeric value as jsonb.
type MetricValues map[string]float64

// Value implements driver.Valuer.
func (m MetricValues) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MetricValues) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into MetricValues", value)
	}
	return json.Unmarshal(data, m)
}

// MetricKeyMap stores raw-key -> semantic-key translations as jsonb.
type MetricKeyMap map[string]string

// Value implements driver.Valuer.
func (m MetricKeyMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MetricKeyMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into MetricKeyMap", value)
	}
	return json.Unmarshal(data, m)
}

// AuthEntry is a point-in-time copy of a device's authorization state.
// Entries are immutable once published to the cache.
type AuthEntry struct {
	TenantID           string
	DeviceUID          string
	SiteID             string
	Status             string
	TokenHash          string
	SubscriptionStatus string
	CachedAt           time.Time
	Negative           bool // device was not found in the registry
}
