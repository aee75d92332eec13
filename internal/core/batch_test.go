package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBulkSink struct {
	mu        sync.Mutex
	batches   [][]*TelemetryRecord
	failCalls int // first N calls fail
	calls     int
}

func (s *fakeBulkSink) InsertTelemetryBatch(ctx context.Context, records []*TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failCalls {
		return errors.New("connection reset")
	}
	batch := make([]*TelemetryRecord, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeBulkSink) flushedRecords() []*TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*TelemetryRecord
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func (s *fakeBulkSink) allBatches() [][]*TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*TelemetryRecord(nil), s.batches...)
}

func (s *fakeBulkSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testRecord() *TelemetryRecord {
	return &TelemetryRecord{
		ID:          uuid.New().String(),
		TenantID:    "acme",
		DeviceUID:   "dev-1",
		SiteID:      "site-a",
		MessageType: MessageTypeTelemetry,
		EventTime:   time.Now(),
		Metrics:     MetricValues{"temperature": 21.0},
		ReceivedAt:  time.Now(),
	}
}

func TestBatchWriterFlushesOnRowThreshold(t *testing.T) {
	sink := &fakeBulkSink{}
	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     5,
		FlushInterval: time.Hour,
	}, newTestLogger())
	defer writer.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, writer.Enqueue(testRecord()))
	}

	require.Eventually(t, func() bool {
		return len(sink.flushedRecords()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.batchCount(), "a threshold flush must produce exactly one bulk write")
}

func TestBatchWriterFlushesOnInterval(t *testing.T) {
	sink := &fakeBulkSink{}
	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     100,
		FlushInterval: 50 * time.Millisecond,
	}, newTestLogger())
	defer writer.Stop()

	require.NoError(t, writer.Enqueue(testRecord()))
	require.NoError(t, writer.Enqueue(testRecord()))

	require.Eventually(t, func() bool {
		return len(sink.flushedRecords()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchWriterFlushesEachRecordExactlyOnce(t *testing.T) {
	sink := &fakeBulkSink{}
	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     5,
		FlushInterval: 20 * time.Millisecond,
	}, newTestLogger())

	for i := 0; i < 17; i++ {
		require.NoError(t, writer.Enqueue(testRecord()))
	}
	writer.Stop()

	flushed := sink.flushedRecords()
	require.Len(t, flushed, 17)

	seen := make(map[string]bool, len(flushed))
	for _, record := range flushed {
		assert.False(t, seen[record.ID], "record %s flushed twice", record.ID)
		seen[record.ID] = true
	}

	for _, batch := range sink.batches {
		assert.LessOrEqual(t, len(batch), 5, "bulk writes must not exceed the row threshold")
	}
}

func TestBatchWriterStopFlushesRemainder(t *testing.T) {
	sink := &fakeBulkSink{}
	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     100,
		FlushInterval: time.Hour,
	}, newTestLogger())

	require.NoError(t, writer.Enqueue(testRecord()))
	require.NoError(t, writer.Enqueue(testRecord()))
	writer.Stop()

	assert.Len(t, sink.flushedRecords(), 2)
	assert.ErrorIs(t, writer.Enqueue(testRecord()), ErrWriterStopped)
}

func TestBatchWriterRetriesTransientFailures(t *testing.T) {
	sink := &fakeBulkSink{failCalls: 1}
	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     2,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	}, newTestLogger())
	defer writer.Stop()

	require.NoError(t, writer.Enqueue(testRecord()))
	require.NoError(t, writer.Enqueue(testRecord()))

	require.Eventually(t, func() bool {
		return len(sink.flushedRecords()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchWriterExhaustedRetriesGoToQuarantine(t *testing.T) {
	sink := &fakeBulkSink{failCalls: 1 << 30}
	store := &fakeQuarantineStore{}
	quarantine := NewQuarantineSink(store, 64, newTestLogger())

	writer := NewBatchWriter(sink, BatchWriterConfig{
		FlushRows:     3,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, newTestLogger())
	writer.SetQuarantine(quarantine)

	records := []*TelemetryRecord{testRecord(), testRecord(), testRecord()}
	for _, record := range records {
		require.NoError(t, writer.Enqueue(record))
	}

	require.Eventually(t, func() bool {
		return len(store.all()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, q := range store.all() {
		assert.Equal(t, string(ReasonWriteFailed), q.Reason)
		assert.Equal(t, "acme", q.TenantID)
		assert.NotEmpty(t, q.Payload)
	}

	writer.Stop()
	quarantine.Stop()

	stats := writer.Stats()
	assert.EqualValues(t, uint64(3), stats["dropped_records"])
}
