package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/ingest/internal/utils"
)

type fakeHeartbeatStore struct {
	mu      sync.Mutex
	touched map[string]int
}

func (s *fakeHeartbeatStore) TouchDeviceLastSeen(ctx context.Context, tenantID, deviceUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched == nil {
		s.touched = make(map[string]int)
	}
	s.touched[tenantID+"/"+deviceUID]++
	return nil
}

func (s *fakeHeartbeatStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched[key]
}

type pipelineFixture struct {
	pipeline   *Pipeline
	devices    *fakeDeviceRegistry
	sink       *fakeBulkSink
	quarantine *fakeQuarantineStore
	heartbeats *fakeHeartbeatStore
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	devices := &fakeDeviceRegistry{devices: map[string]*Device{
		"acme/dev-1": {
			TenantID:           "acme",
			DeviceUID:          "dev-1",
			SiteID:             "site-a",
			Status:             DeviceStatusActive,
			TokenHash:          utils.HashToken("secret"),
			SubscriptionStatus: SubscriptionActive,
		},
	}}
	modules := &fakeModuleRegistry{modules: map[string][]*DeviceModule{
		"acme/dev-1": {
			{ID: 1, KeyMap: MetricKeyMap{"port_3_temp": "temperature"}},
		},
	}}

	logger := newTestLogger()

	auth, err := NewAuthCache(devices, nil, AuthCacheConfig{
		PositiveTTL: time.Minute, NegativeTTL: time.Second, MaxEntries: 1000,
	}, logger)
	require.NoError(t, err)

	keymap, err := NewKeyMapCache(modules, KeyMapConfig{
		TTL: time.Minute, NegativeTTL: time.Second, MaxEntries: 1000,
	}, logger)
	require.NoError(t, err)

	validator := NewValidator(ValidatorConfig{
		MaxPayloadBytes: 4096,
		RequireToken:    true,
		FutureTolerance: 5 * time.Minute,
	}, NewRateLimiterStore(1000, 1000, 10000), auth, keymap)

	sink := &fakeBulkSink{}
	batch := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     10,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, logger)

	quarantine := &fakeQuarantineStore{}
	quarantineSink := NewQuarantineSink(quarantine, 256, logger)
	batch.SetQuarantine(quarantineSink)

	heartbeats := &fakeHeartbeatStore{}

	return &pipelineFixture{
		pipeline:   NewPipeline(validator, batch, quarantineSink, heartbeats, logger),
		devices:    devices,
		sink:       sink,
		quarantine: quarantine,
		heartbeats: heartbeats,
	}
}

func TestPipelineAcceptEndToEnd(t *testing.T) {
	f := newPipelineFixture(t)

	record, rejection, err := f.pipeline.Ingest(context.Background(), ingestRequest(envelopeBody(t, nil)))
	require.NoError(t, err)
	require.Nil(t, rejection)
	require.NotNil(t, record)
	assert.InDelta(t, 23.5, record.Metrics["temperature"], 0.001)

	require.Eventually(t, func() bool {
		return len(f.sink.flushedRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.heartbeats.count("acme/dev-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.pipeline.Stop()
	assert.Empty(t, f.quarantine.all(), "an accepted message must leave no quarantine trace")
}

func TestPipelineRejectionIsQuarantinedExactlyOnce(t *testing.T) {
	f := newPipelineFixture(t)

	body := envelopeBody(t, func(m map[string]interface{}) {
		m["ts"] = time.Now().Add(time.Hour).Unix()
	})
	record, rejection, err := f.pipeline.Ingest(context.Background(), ingestRequest(body))
	require.NoError(t, err)
	require.Nil(t, record)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonTimestampFuture, rejection.Reason)

	f.pipeline.Stop()

	records := f.quarantine.all()
	require.Len(t, records, 1)
	assert.Equal(t, string(ReasonTimestampFuture), records[0].Reason)
	assert.Equal(t, body, records[0].Payload)
	assert.Empty(t, f.sink.flushedRecords())
}

func TestPipelineRegistryOutageIsNotQuarantined(t *testing.T) {
	f := newPipelineFixture(t)
	f.devices.mu.Lock()
	f.devices.err = errors.New("connection refused")
	f.devices.mu.Unlock()

	record, rejection, err := f.pipeline.Ingest(context.Background(), ingestRequest(envelopeBody(t, nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.Nil(t, record)
	assert.Nil(t, rejection)

	f.pipeline.Stop()
	assert.Empty(t, f.quarantine.all(), "an outage is not the device's fault; nothing to audit")
	assert.Empty(t, f.sink.flushedRecords())
}

func TestPipelineConcurrentIngest(t *testing.T) {
	deviceCount := 1000
	if testing.Short() {
		deviceCount = 100
	}

	f := newPipelineFixture(t)

	// Provision many devices so nothing rate limits.
	f.devices.mu.Lock()
	for i := 0; i < deviceCount; i++ {
		uid := fmt.Sprintf("dev-%04d", i)
		f.devices.devices["acme/"+uid] = &Device{
			TenantID:           "acme",
			DeviceUID:          uid,
			SiteID:             "site-a",
			Status:             DeviceStatusActive,
			TokenHash:          utils.HashToken("secret"),
			SubscriptionStatus: SubscriptionActive,
		}
	}
	f.devices.mu.Unlock()

	body := envelopeBody(t, nil)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < deviceCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := ingestRequest(body)
			req.DeviceUID = fmt.Sprintf("dev-%04d", i)
			record, rejection, err := f.pipeline.Ingest(context.Background(), req)
			if err != nil || rejection != nil || record == nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	f.pipeline.Stop()

	assert.Zero(t, failures.Load(), "every envelope from a distinct device must be accepted")

	flushed := f.sink.flushedRecords()
	require.Len(t, flushed, deviceCount)

	seen := make(map[string]bool, len(flushed))
	for _, record := range flushed {
		assert.False(t, seen[record.ID])
		seen[record.ID] = true
	}

	for _, batch := range f.sink.allBatches() {
		assert.LessOrEqual(t, len(batch), 10, "no flush may exceed the row threshold")
	}

	stats := f.pipeline.Stats()
	assert.EqualValues(t, uint64(deviceCount), stats["accepted"])
	assert.EqualValues(t, uint64(0), stats["rejected"])
}
