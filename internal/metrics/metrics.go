package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_received_total",
		Help: "Raw inbound payloads received, labelled by source.",
	}, []string{"source"})

	EventsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_admitted_total",
		Help: "Events admitted past deduplication, labelled by kind.",
	}, []string{"kind"})

	DuplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_duplicates_suppressed_total",
		Help: "Events dropped by fingerprint admission control, labelled by kind.",
	}, []string{"kind"})

	BotsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_bots_suppressed_total",
		Help: "Admitted events classified as automated traffic, labelled by reason.",
	}, []string{"reason"})

	InvalidPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_invalid_payloads_total",
		Help: "Inbound payloads rejected during normalization, labelled by source.",
	}, []string{"source"})

	PendingQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_dedup_pending_queued_total",
		Help: "Events queued for re-evaluation because the dedup store was unavailable.",
	})

	PendingDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_dedup_pending_dropped_total",
		Help: "Events dropped because the fail-closed pending queue overflowed.",
	})

	ScoringSkippedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_scoring_skipped_rows_total",
		Help: "Malformed event-log rows skipped during score recomputation.",
	})

	CorrectionsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_corrections_emitted_total",
		Help: "Retroactive bot reclassification events appended to the log.",
	})

	DirectivesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_directives_emitted_total",
		Help: "Directives published for external collaborators, labelled by type.",
	}, []string{"type"})

	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_publish_retries_total",
		Help: "Publisher delivery retries, labelled by sink.",
	}, []string{"sink"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_pipeline_queue_utilization_ratio",
		Help: "Current pipeline queue utilization (0-1).",
	})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_event_processing_duration_seconds",
		Help:    "Admission-to-completion event processing latency in seconds.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)
