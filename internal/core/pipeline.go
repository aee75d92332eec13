package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/internal/observability"
)

// HeartbeatStore updates a device's last-seen timestamp.
type HeartbeatStore interface {
	TouchDeviceLastSeen(ctx context.Context, tenantID, deviceUID string) error
}

// Pipeline processes one inbound message end to end: validate, then
// enqueue for bulk persistence or mirror to quarantine. Each transport
// worker calls Ingest concurrently; the only blocking I/O points are the
// cache-miss registry fetch and the batch flush, and the flush happens
// off this path entirely.
type Pipeline struct {
	validator  *Validator
	batch      *BatchWriter
	quarantine *QuarantineSink
	heartbeats HeartbeatStore // optional
	logger     *logrus.Logger

	statsMu  sync.Mutex
	accepted uint64
	rejected uint64
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(validator *Validator, batch *BatchWriter, quarantine *QuarantineSink, heartbeats HeartbeatStore, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		validator:  validator,
		batch:      batch,
		quarantine: quarantine,
		heartbeats: heartbeats,
		logger:     logger,
	}
}

// Ingest decides one message. Exactly one of record/rejection is non-nil
// unless the registry was unreachable, in which case only err is set and
// no quarantine record is written (the device retries; this is not a
// client error).
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*TelemetryRecord, *Rejection, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	record, rejection, err := p.validator.Validate(ctx, req)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":  req.TenantID,
			"device_uid": req.DeviceUID,
		}).Error("Validation aborted, registry unavailable")
		return nil, nil, err
	}

	if rejection != nil {
		observability.IncRejected(string(rejection.Reason))
		p.statsMu.Lock()
		p.rejected++
		p.statsMu.Unlock()

		p.quarantine.Record(rejection)
		p.logger.WithFields(logrus.Fields{
			"tenant_id":  rejection.TenantID,
			"device_uid": rejection.DeviceUID,
			"reason":     rejection.Reason,
		}).Debug("Message rejected")
		return nil, rejection, nil
	}

	if err := p.batch.Enqueue(record); err != nil {
		return nil, nil, err
	}

	observability.IncAccepted()
	p.statsMu.Lock()
	p.accepted++
	p.statsMu.Unlock()

	if p.heartbeats != nil {
		go func(tenantID, deviceUID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.heartbeats.TouchDeviceLastSeen(ctx, tenantID, deviceUID); err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"tenant_id":  tenantID,
					"device_uid": deviceUID,
				}).Debug("Failed to update device last seen")
			}
		}(record.TenantID, record.DeviceUID)
	}

	return record, nil, nil
}

// Stats reports pipeline counters for the ops endpoint.
func (p *Pipeline) Stats() map[string]interface{} {
	p.statsMu.Lock()
	accepted, rejected := p.accepted, p.rejected
	p.statsMu.Unlock()

	stats := map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	}
	for k, v := range p.batch.Stats() {
		stats["batch_"+k] = v
	}
	return stats
}

// Stop shuts the pipeline down in dependency order: outstanding records
// are flushed before the quarantine sink drains.
func (p *Pipeline) Stop() {
	p.batch.Stop()
	p.quarantine.Stop()
}
