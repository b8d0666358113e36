// Package metrics exposes Prometheus instrumentation for the event
// processing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Total number of raw events accepted by the pipeline",
		},
		[]string{"event_type"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_events_rejected_total",
			Help: "Total number of raw events rejected at the normalizer boundary",
		},
	)

	IncidentsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_incidents_emitted_total",
			Help: "Total number of correlated incidents emitted",
		},
		[]string{"rule"},
	)

	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_anomalies_flagged_total",
			Help: "Total number of anomaly findings emitted",
		},
		[]string{"metric"},
	)

	RuleEvaluationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_rule_evaluation_errors_total",
			Help: "Total number of correlation rule evaluation failures",
		},
	)

	DedupSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_dedup_suppressed_total",
			Help: "Total number of incidents suppressed by the deduplication cache",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_event_processing_duration_seconds",
			Help:    "Time taken to process a single event through both engines",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_sink_errors_total",
			Help: "Total number of failures persisting incidents or findings",
		},
		[]string{"sink"},
	)
)
