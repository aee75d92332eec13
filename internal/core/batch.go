package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/observability"
)

// BulkSink is the persistence interface the batch writer flushes through.
type BulkSink interface {
	InsertTelemetryBatch(ctx context.Context, records []*TelemetryRecord) error
}

// DownstreamPublisher announces flushed batches to downstream consumers
// (the alert evaluator). Announcements are best effort.
type DownstreamPublisher interface {
	PublishBatch(ctx context.Context, records []*TelemetryRecord) error
}

// BatchWriterConfig holds the flush thresholds and retry policy.
type BatchWriterConfig struct {
	FlushRows     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// BatchWriter buffers normalized records and flushes them as bulk writes.
// A flush fires when the buffer reaches FlushRows or FlushInterval has
// elapsed since the oldest buffered record, whichever comes first.
// Enqueue never waits on a flush; the sink I/O happens outside the
// buffer lock.
type BatchWriter struct {
	sink       BulkSink
	publisher  DownstreamPublisher           // optional
	quarantine *QuarantineSink               // optional
	deadletter *infrastructure.DeadLetterLog // optional
	cfg        BatchWriterConfig
	logger     *logrus.Logger

	mu      sync.Mutex
	buf     []*TelemetryRecord
	stopped bool

	timer    *time.Timer
	kick     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup

	statsMu sync.Mutex
	flushed uint64
	dropped uint64
}

// NewBatchWriter creates the writer and starts its flush loop.
func NewBatchWriter(sink BulkSink, cfg BatchWriterConfig, logger *logrus.Logger) *BatchWriter {
	if cfg.FlushRows <= 0 {
		cfg.FlushRows = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	w := &BatchWriter{
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	w.timer = time.NewTimer(cfg.FlushInterval)
	if !w.timer.Stop() {
		<-w.timer.C
	}

	w.wg.Add(1)
	go w.loop()
	return w
}

// SetPublisher attaches a best-effort downstream announcer.
func (w *BatchWriter) SetPublisher(p DownstreamPublisher) { w.publisher = p }

// SetQuarantine attaches the sink that receives exhausted batches.
func (w *BatchWriter) SetQuarantine(q *QuarantineSink) { w.quarantine = q }

// SetDeadLetter attaches the local dead-letter log for exhausted batches.
func (w *BatchWriter) SetDeadLetter(l *infrastructure.DeadLetterLog) { w.deadletter = l }

// Enqueue buffers one record. O(1), non-blocking with respect to flushes.
func (w *BatchWriter) Enqueue(record *TelemetryRecord) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWriterStopped
	}
	w.buf = append(w.buf, record)
	depth := len(w.buf)
	if depth == 1 {
		w.timer.Reset(w.cfg.FlushInterval)
	}
	w.mu.Unlock()

	observability.SetBatchQueueDepth(depth)
	if depth >= w.cfg.FlushRows {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stop flushes outstanding records and stops the loop. Enqueue calls
// after Stop fail with ErrWriterStopped.
func (w *BatchWriter) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.wg.Wait()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.shutdown)
	w.wg.Wait()
}

// Stats reports writer counters for the ops endpoint.
func (w *BatchWriter) Stats() map[string]interface{} {
	w.mu.Lock()
	depth := len(w.buf)
	w.mu.Unlock()

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return map[string]interface{}{
		"buffered":        depth,
		"flushed_records": w.flushed,
		"dropped_records": w.dropped,
		"flush_rows":      w.cfg.FlushRows,
		"flush_interval":  w.cfg.FlushInterval.String(),
	}
}

func (w *BatchWriter) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.shutdown:
			w.flush()
			return
		case <-w.kick:
			w.flush()
		case <-w.timer.C:
			w.flush()
		}
	}
}

// flush drains the buffer under the lock, then writes outside it.
func (w *BatchWriter) flush() {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.mu.Unlock()

	observability.SetBatchQueueDepth(0)
	if len(batch) == 0 {
		return
	}

	// Bulk writes never exceed the configured row threshold.
	for start := 0; start < len(batch); start += w.cfg.FlushRows {
		end := start + w.cfg.FlushRows
		if end > len(batch) {
			end = len(batch)
		}
		w.writeChunk(batch[start:end])
	}
}

func (w *BatchWriter) writeChunk(records []*TelemetryRecord) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.cfg.RetryBackoff):
			case <-w.shutdown:
				// Shutting down: one last immediate try below.
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := w.sink.InsertTelemetryBatch(ctx, records)
		cancel()
		if err == nil {
			observability.IncFlush(observability.FlushSuccess)
			w.statsMu.Lock()
			w.flushed += uint64(len(records))
			w.statsMu.Unlock()
			w.announce(records)
			return
		}
		lastErr = err
		observability.IncFlush(observability.FlushError)
	}

	// Retries exhausted: the batch leaves the main path, loudly.
	w.logger.WithError(lastErr).WithField("records", len(records)).
		Error("Batch flush failed after retries, dropping to quarantine")
	observability.AddDroppedRecords(len(records))
	w.statsMu.Lock()
	w.dropped += uint64(len(records))
	w.statsMu.Unlock()

	for _, record := range records {
		if w.deadletter != nil {
			if err := w.deadletter.Append(record); err != nil {
				w.logger.WithError(err).Error("Failed to append record to dead-letter log")
			}
		}
		if w.quarantine != nil {
			w.quarantine.RecordFailedWrite(record)
		}
	}
}

func (w *BatchWriter) announce(records []*TelemetryRecord) {
	if w.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.publisher.PublishBatch(ctx, records); err != nil {
		w.logger.WithError(err).WithField("records", len(records)).
			Warn("Failed to announce batch downstream")
	}
}
