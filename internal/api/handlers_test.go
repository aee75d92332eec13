package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/utils"
)

type stubRegistry struct {
	mu      sync.Mutex
	devices map[string]*core.Device
	modules map[string][]*core.DeviceModule
}

func (r *stubRegistry) GetDevice(ctx context.Context, tenantID, deviceUID string) (*core.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.devices[tenantID+"/"+deviceUID]
	if device == nil {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *stubRegistry) ListActiveModules(ctx context.Context, tenantID, deviceUID string) ([]*core.DeviceModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modules[tenantID+"/"+deviceUID], nil
}

type stubSink struct {
	mu      sync.Mutex
	records []*core.TelemetryRecord
}

func (s *stubSink) InsertTelemetryBatch(ctx context.Context, records []*core.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

type stubQuarantine struct {
	mu      sync.Mutex
	records []*core.QuarantineRecord
}

func (s *stubQuarantine) InsertQuarantine(ctx context.Context, record *core.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

type apiFixture struct {
	router   *gin.Engine
	registry *stubRegistry
	pipeline *core.Pipeline
	auth     *core.AuthCache
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := &stubRegistry{
		devices: map[string]*core.Device{
			"acme/dev-1": {
				TenantID:           "acme",
				DeviceUID:          "dev-1",
				SiteID:             "site-a",
				Status:             core.DeviceStatusActive,
				TokenHash:          utils.HashToken("secret"),
				SubscriptionStatus: core.SubscriptionActive,
			},
		},
		modules: map[string][]*core.DeviceModule{},
	}

	auth, err := core.NewAuthCache(registry, nil, core.AuthCacheConfig{
		PositiveTTL: time.Minute, NegativeTTL: time.Second, MaxEntries: 100,
	}, logger)
	require.NoError(t, err)

	keymap, err := core.NewKeyMapCache(registry, core.KeyMapConfig{
		TTL: time.Minute, NegativeTTL: time.Second, MaxEntries: 100,
	}, logger)
	require.NoError(t, err)

	validator := core.NewValidator(core.ValidatorConfig{
		MaxPayloadBytes: 1024,
		RequireToken:    true,
		FutureTolerance: 5 * time.Minute,
	}, core.NewRateLimiterStore(1000, 1000, 1000), auth, keymap)

	batch := core.NewBatchWriter(&stubSink{}, core.BatchWriterConfig{
		FlushRows: 100, FlushInterval: 20 * time.Millisecond,
	}, logger)
	quarantine := core.NewQuarantineSink(&stubQuarantine{}, 64, logger)

	pipeline := core.NewPipeline(validator, batch, quarantine, nil, logger)
	t.Cleanup(pipeline.Stop)

	router := gin.New()
	handlers := NewAPIHandlers(pipeline, auth, keymap, 1024, logger)
	SetupRoutes(router, handlers, "admin-key", logger)

	return &apiFixture{router: router, registry: registry, pipeline: pipeline, auth: auth}
}

func postEnvelope(t *testing.T, f *apiFixture, url string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"version":         "1",
		"ts":              time.Now().Unix(),
		"site_id":         "site-a",
		"provision_token": "secret",
		"metrics":         map[string]float64{"port_3_temp": 23.5},
	}
}

func TestIngestEndpointAccepts(t *testing.T) {
	f := newAPIFixture(t)

	w := postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/telemetry", validEnvelope())

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["record_id"])
}

func TestIngestEndpointStatusMapping(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		url    string
		mutate func(map[string]interface{})
		status int
		reason string
	}{
		{
			name:   "unknown device",
			url:    "/ingest/v1/tenant/acme/device/ghost/telemetry",
			status: http.StatusNotFound,
			reason: string(core.ReasonUnknownDevice),
		},
		{
			name:   "missing token",
			url:    "/ingest/v1/tenant/acme/device/dev-1/telemetry",
			mutate: func(m map[string]interface{}) { delete(m, "provision_token") },
			status: http.StatusUnauthorized,
			reason: string(core.ReasonTokenMissing),
		},
		{
			name:   "site mismatch",
			url:    "/ingest/v1/tenant/acme/device/dev-1/telemetry",
			mutate: func(m map[string]interface{}) { m["site_id"] = "site-z" },
			status: http.StatusForbidden,
			reason: string(core.ReasonSiteMismatch),
		},
		{
			name:   "future timestamp",
			url:    "/ingest/v1/tenant/acme/device/dev-1/telemetry",
			mutate: func(m map[string]interface{}) { m["ts"] = time.Now().Add(time.Hour).Unix() },
			status: http.StatusBadRequest,
			reason: string(core.ReasonTimestampFuture),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validEnvelope()
			if tc.mutate != nil {
				tc.mutate(body)
			}
			w := postEnvelope(t, f, tc.url, body)

			assert.Equal(t, tc.status, w.Code)
			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.reason, resp["reason"])
		})
	}
}

func TestIngestEndpointRejectsOversizedBody(t *testing.T) {
	f := newAPIFixture(t)

	body := validEnvelope()
	body["padding"] = bytes.Repeat([]byte("x"), 2048)
	w := postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/telemetry", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestIngestEndpointNeverBuffersOversizedBody(t *testing.T) {
	f := newAPIFixture(t)

	// 8MB against a 1KB limit: the rejection must come from reading at
	// most one byte past the limit, not from buffering the whole body.
	reader := &countingReader{r: bytes.NewReader(bytes.Repeat([]byte("x"), 8<<20))}
	req := httptest.NewRequest(http.MethodPost, "/ingest/v1/tenant/acme/device/dev-1/telemetry", reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.LessOrEqual(t, reader.n, int64(1025), "read must stop at the payload limit")
}

func TestIngestEndpointRejectsUnknownMessageType(t *testing.T) {
	f := newAPIFixture(t)

	w := postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/command", validEnvelope())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpointsRequireAPIKey(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-API-Key", "admin-key")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminCacheInvalidation(t *testing.T) {
	f := newAPIFixture(t)

	// Warm the cache, then revoke the device in the registry.
	w := postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/telemetry", validEnvelope())
	require.Equal(t, http.StatusAccepted, w.Code)

	f.registry.mu.Lock()
	f.registry.devices["acme/dev-1"].Status = core.DeviceStatusRevoked
	f.registry.mu.Unlock()

	// Still cached as active.
	w = postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/telemetry", validEnvelope())
	require.Equal(t, http.StatusAccepted, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/admin/cache/tenant/acme/device/dev-1", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The revocation is now visible.
	w = postEnvelope(t, f, "/ingest/v1/tenant/acme/device/dev-1/telemetry", validEnvelope())
	assert.Equal(t, http.StatusForbidden, w.Code)
}
