// Package metrics exposes the Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Registered once at startup via promauto.
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	IssuesCreated   prometheus.Counter
	BatchFlushes    prometheus.Counter
	BatchSize       prometheus.Histogram
	FlushDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	AlertsFired     prometheus.Counter
	AlertDispatches *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on reg. Tests pass a fresh registry so parallel
// packages never collide on collector names.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_received_total",
			Help: "Envelope items received, by item type.",
		}, []string{"type"}),
		EventsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_accepted_total",
			Help: "Events accepted past the gate, by item type.",
		}, []string{"type"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_rejected_total",
			Help: "Events rejected before processing, by reason.",
		}, []string{"reason"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_events_dropped_total",
			Help: "Events dropped because the ingest queue was full.",
		}),
		IssuesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_issues_created_total",
			Help: "New issues created by grouping.",
		}),
		BatchFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_batch_flushes_total",
			Help: "Batch flushes to Postgres.",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Events per flushed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_flush_duration_seconds",
			Help:    "Wall time of one batch flush.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Events waiting in the ingest queue.",
		}),
		AlertsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Alert rules that fired.",
		}),
		AlertDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_dispatched_total",
			Help: "Notification deliveries, by recipient type and outcome.",
		}, []string{"type", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ingest endpoint latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "status"}),
	}
}
