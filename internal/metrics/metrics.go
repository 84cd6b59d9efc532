// Package metrics registers the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. One instance per process, registered on the
// default registry and served at /metrics.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	EventDuration   *prometheus.HistogramVec
	RowsPersisted   prometheus.Counter
	ArchiveMembers  *prometheus.CounterVec
	EmbeddingCalls  *prometheus.CounterVec
	WSFrames        *prometheus.CounterVec
	DLQRequeued     prometheus.Counter
	HotCheckpoints  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_total",
				Help: "Push notifications handled, by event type and outcome",
			},
			[]string{"event", "outcome"}, // outcome: ok, permanent, retryable
		),
		EventDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_event_duration_seconds",
				Help:    "End-to-end handling time per push notification",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"event"},
		),
		RowsPersisted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_rows_persisted_total",
				Help: "Ingestion rows streamed to the warehouse",
			},
		),
		ArchiveMembers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_archive_members_total",
				Help: "Archive members seen, by outcome",
			},
			[]string{"outcome"}, // processed, failed, skipped
		),
		EmbeddingCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_embedding_calls_total",
				Help: "Embedding predict calls, by outcome",
			},
			[]string{"outcome"}, // ok, error, skipped
		),
		WSFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_ws_frames_total",
				Help: "WebSocket frames, by direction and payload kind",
			},
			[]string{"direction", "kind"},
		),
		DLQRequeued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_dlq_requeued_total",
				Help: "Dead-letter objects re-triggered via metadata touch",
			},
		),
		HotCheckpoints: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_hot_checkpoints_total",
				Help: "Perf-context checkpoint gaps exceeding the hot threshold",
			},
		),
	}
}
