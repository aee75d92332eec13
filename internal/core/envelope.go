package core

import (
	"encoding/json"
	"time"
)

// Envelope is the transport-independent message body sent by devices.
// Unknown fields are ignored so newer firmware can send extras without
// being rejected.
type Envelope struct {
	Version        string             `json:"version"`
	TS             *int64             `json:"ts"`
	SiteID         string             `json:"site_id"`
	Seq            *int64             `json:"seq"`
	Metrics        map[string]float64 `json:"metrics"`
	ProvisionToken string             `json:"provision_token"`
	Lat            *float64           `json:"lat"`
	Lng            *float64           `json:"lng"`
}

// ParseEnvelope decodes a raw payload body into an Envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// IngestRequest is the canonical request both transport adapters produce:
// identity from the topic or URL path, body as received.
type IngestRequest struct {
	TenantID    string
	DeviceUID   string
	MessageType string
	Body        []byte
	ReceivedAt  time.Time
}

// Rejection records why a message was refused, for quarantine and metrics.
type Rejection struct {
	TenantID   string
	DeviceUID  string
	Reason     ReasonCode
	Payload    []byte
	ReceivedAt time.Time
}
