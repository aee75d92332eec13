package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/ingest/internal/utils"
)

// ValidatorConfig holds the envelope validation settings.
type ValidatorConfig struct {
	MaxPayloadBytes int64
	RequireToken    bool
	FutureTolerance time.Duration
}

// Validator is the decision core of the pipeline: given a canonical
// request it produces exactly one of a normalized record or a rejection.
// Checks run in a fixed order so the cheapest ones bound attacker cost,
// and the first failing check wins.
type Validator struct {
	cfg     ValidatorConfig
	limiter *RateLimiterStore
	auth    *AuthCache
	keymap  *KeyMapCache
	now     func() time.Time
}

// NewValidator wires the validator to its caches and limiter.
func NewValidator(cfg ValidatorConfig, limiter *RateLimiterStore, auth *AuthCache, keymap *KeyMapCache) *Validator {
	return &Validator{
		cfg:     cfg,
		limiter: limiter,
		auth:    auth,
		keymap:  keymap,
		now:     time.Now,
	}
}

// Validate runs the full check sequence. It returns a record and nil
// rejection on accept, a nil record and a rejection on refusal, or an
// error when the registry is unreachable and no decision can be made.
func (v *Validator) Validate(ctx context.Context, req IngestRequest) (*TelemetryRecord, *Rejection, error) {
	// 1. Payload size, before any parsing.
	if int64(len(req.Body)) > v.cfg.MaxPayloadBytes {
		return nil, v.reject(req, ReasonPayloadTooLarge), nil
	}

	// 2. Rate limit, before any store or parse work.
	if !v.limiter.Allow(req.TenantID, req.DeviceUID) {
		return nil, v.reject(req, ReasonRateLimited), nil
	}

	env, err := ParseEnvelope(req.Body)
	if err != nil {
		return nil, v.reject(req, ReasonInvalidPayload), nil
	}

	// 3. Device authorization.
	entry, err := v.auth.Get(ctx, req.TenantID, req.DeviceUID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, v.reject(req, ReasonUnknownDevice), nil
	}
	if entry.Status != DeviceStatusActive {
		return nil, v.reject(req, ReasonDeviceRevoked), nil
	}
	if entry.SubscriptionStatus == SubscriptionSuspended {
		return nil, v.reject(req, ReasonSubscriptionSusp), nil
	}

	// 4. Claimed site must match the registered site.
	if env.SiteID != entry.SiteID {
		return nil, v.reject(req, ReasonSiteMismatch), nil
	}

	// 5. Provisioning token.
	if v.cfg.RequireToken {
		if env.ProvisionToken == "" {
			return nil, v.reject(req, ReasonTokenMissing), nil
		}
		if !utils.VerifyToken(env.ProvisionToken, entry.TokenHash) {
			return nil, v.reject(req, ReasonTokenInvalid), nil
		}
	}

	// 6. Envelope version: absent defaults to "1".
	if env.Version != "" && env.Version != EnvelopeVersion1 {
		return nil, v.reject(req, ReasonUnsupportedVersion), nil
	}

	// 7. Event timestamp. Backfill from offline devices is allowed, so
	// arbitrarily old timestamps pass; only future skew is refused.
	if env.TS == nil {
		return nil, v.reject(req, ReasonTimestampMissing), nil
	}
	if *env.TS <= 0 {
		return nil, v.reject(req, ReasonTimestampInvalid), nil
	}
	eventTime := time.Unix(*env.TS, 0).UTC()
	if eventTime.After(v.now().Add(v.cfg.FutureTolerance)) {
		return nil, v.reject(req, ReasonTimestampFuture), nil
	}

	// 8. Metric key translation. Empty metrics is a valid heartbeat;
	// unmapped keys pass through unchanged.
	mapping, err := v.keymap.Get(ctx, req.TenantID, req.DeviceUID)
	if err != nil {
		return nil, nil, err
	}

	metrics := make(MetricValues, len(env.Metrics))
	for raw, value := range env.Metrics {
		if semantic, ok := mapping[raw]; ok {
			metrics[semantic] = value
		} else {
			metrics[raw] = value
		}
	}

	record := &TelemetryRecord{
		ID:          uuid.New().String(),
		TenantID:    entry.TenantID, // validated identity, never client input
		DeviceUID:   entry.DeviceUID,
		SiteID:      entry.SiteID,
		MessageType: req.MessageType,
		EventTime:   eventTime,
		Metrics:     metrics,
		Seq:         env.Seq,
		Lat:         env.Lat,
		Lng:         env.Lng,
		ReceivedAt:  req.ReceivedAt,
	}
	return record, nil, nil
}

func (v *Validator) reject(req IngestRequest, reason ReasonCode) *Rejection {
	return &Rejection{
		TenantID:   req.TenantID,
		DeviceUID:  req.DeviceUID,
		Reason:     reason,
		Payload:    req.Body,
		ReceivedAt: req.ReceivedAt,
	}
}
