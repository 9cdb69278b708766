package ingest

import (
	"time"

	"github.com/bissquit/jobwatch/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "fetches_total",
			Help:      "Source fetches by result",
		},
		[]string{"source", "result"},
	)

	sourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "fetch_duration_seconds",
			Help:      "Time to fetch one source",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	rejectedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "rejected_records_total",
			Help:      "Job status records dropped during normalization",
		},
		[]string{"source"},
	)

	cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "cycle_duration_seconds",
			Help:      "Time to fetch all sources and apply reconciliation",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	lastRefreshTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ingest",
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last committed reconciliation cycle",
		},
	)
)

func recordFetch(sourceID, result string, d time.Duration) {
	sourceFetches.WithLabelValues(sourceID, result).Inc()
	if result != "cached" {
		sourceFetchDuration.WithLabelValues(sourceID).Observe(d.Seconds())
	}
}

func recordRejected(sourceID string, n int) {
	if n > 0 {
		rejectedRecords.WithLabelValues(sourceID).Add(float64(n))
	}
}

func recordCycle(trigger, result string, d time.Duration) {
	cycles.WithLabelValues(trigger, result).Inc()
	if d > 0 {
		cycleDuration.Observe(d.Seconds())
	}
}
