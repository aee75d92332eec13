package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/internal/observability"
)

// QuarantineStore is the append interface the sink writes through.
type QuarantineStore interface {
	InsertQuarantine(ctx context.Context, record *QuarantineRecord) error
}

// QuarantineSink mirrors rejected messages and failed batch rows for
// audit. It is fire-and-forget: a full queue or a failing store never
// blocks or fails the main accept/reject path.
type QuarantineSink struct {
	store    QuarantineStore
	queue    chan *QuarantineRecord
	logger   *logrus.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQuarantineSink creates the sink and starts its consumer.
func NewQuarantineSink(store QuarantineStore, queueSize int, logger *logrus.Logger) *QuarantineSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &QuarantineSink{
		store:  store,
		queue:  make(chan *QuarantineRecord, queueSize),
		logger: logger,
	}
	s.wg.Add(1)
	go s.consume()
	return s
}

// Record enqueues a validation rejection. Never blocks.
func (s *QuarantineSink) Record(rejection *Rejection) {
	s.enqueue(&QuarantineRecord{
		ID:         uuid.New().String(),
		TenantID:   rejection.TenantID,
		DeviceUID:  rejection.DeviceUID,
		Reason:     string(rejection.Reason),
		Payload:    rejection.Payload,
		ReceivedAt: rejection.ReceivedAt,
	})
}

// RecordFailedWrite enqueues a normalized record that could not be
// persisted after the batch writer exhausted its retries.
func (s *QuarantineSink) RecordFailedWrite(record *TelemetryRecord) {
	payload, _ := json.Marshal(record)
	s.enqueue(&QuarantineRecord{
		ID:         uuid.New().String(),
		TenantID:   record.TenantID,
		DeviceUID:  record.DeviceUID,
		Reason:     string(ReasonWriteFailed),
		Payload:    payload,
		ReceivedAt: record.ReceivedAt,
	})
}

// Stop drains outstanding records and stops the consumer.
func (s *QuarantineSink) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *QuarantineSink) enqueue(record *QuarantineRecord) {
	defer func() {
		// Sending on the closed queue after Stop is a caller ordering
		// bug; shed the record rather than crash the pipeline.
		if r := recover(); r != nil {
			observability.IncQuarantineDropped()
		}
	}()

	select {
	case s.queue <- record:
	default:
		observability.IncQuarantineDropped()
		s.logger.WithFields(logrus.Fields{
			"tenant_id":  record.TenantID,
			"device_uid": record.DeviceUID,
			"reason":     record.Reason,
		}).Warn("Quarantine queue full, record dropped")
	}
}

func (s *QuarantineSink) consume() {
	defer s.wg.Done()

	for record := range s.queue {
		s.insert(record)
	}
}

func (s *QuarantineSink) insert(record *QuarantineRecord) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.InsertQuarantine(ctx, record)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
	}

	// Quarantine failures are logged, never escalated.
	s.logger.WithError(lastErr).WithFields(logrus.Fields{
		"tenant_id":  record.TenantID,
		"device_uid": record.DeviceUID,
		"reason":     record.Reason,
	}).Error("Failed to write quarantine record")
}
