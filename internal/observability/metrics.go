package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "ingest_"

	ResultAccepted = "accepted"
	ResultRejected = "rejected"

	FlushSuccess = "success"
	FlushError   = "error"
)

var (
	registerOnce sync.Once

	messagesTotal   *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	flushTotal      *prometheus.CounterVec
	droppedRecords  prometheus.Counter
	quarantineDrops prometheus.Counter
	batchQueueDepth prometheus.Gauge
)

// Init registers the pipeline metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Total inbound messages by result",
			},
			[]string{"result"},
		)
		rejectionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rejections_total",
				Help: "Total rejected messages by reason code",
			},
			[]string{"reason"},
		)
		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_flush_total",
				Help: "Total batch flush attempts by result",
			},
			[]string{"result"},
		)
		droppedRecords = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_dropped_records_total",
				Help: "Records dropped to quarantine after flush retries were exhausted",
			},
		)
		quarantineDrops = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "quarantine_dropped_total",
				Help: "Quarantine records dropped because the sink queue was full",
			},
		)
		batchQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "batch_queue_depth",
				Help: "Records currently buffered in the batch writer",
			},
		)

		prometheus.MustRegister(
			messagesTotal,
			rejectionsTotal,
			flushTotal,
			droppedRecords,
			quarantineDrops,
			batchQueueDepth,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncAccepted counts an accepted message.
func IncAccepted() {
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(ResultAccepted).Inc()
	}
}

// IncRejected counts a rejected message with its reason code.
func IncRejected(reason string) {
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(ResultRejected).Inc()
	}
	if rejectionsTotal != nil {
		rejectionsTotal.WithLabelValues(reason).Inc()
	}
}

// IncFlush counts a batch flush attempt.
func IncFlush(result string) {
	if flushTotal != nil {
		flushTotal.WithLabelValues(result).Inc()
	}
}

// AddDroppedRecords counts records lost from the main path to quarantine.
func AddDroppedRecords(n int) {
	if droppedRecords != nil {
		droppedRecords.Add(float64(n))
	}
}

// IncQuarantineDropped counts a quarantine record shed under pressure.
func IncQuarantineDropped() {
	if quarantineDrops != nil {
		quarantineDrops.Inc()
	}
}

// SetBatchQueueDepth reports the batch writer's buffer depth.
func SetBatchQueueDepth(n int) {
	if batchQueueDepth != nil {
		batchQueueDepth.Set(float64(n))
	}
}
