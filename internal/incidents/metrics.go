package incidents

import (
	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Lifecycle operations by action and result",
		},
		[]string{"action", "result"},
	)

	reconcileChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "reconcile_changes_total",
			Help:      "Incident changes applied by reconciliation",
		},
		[]string{"action"},
	)

	openIncidents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "open",
			Help:      "Open incidents by severity after the last reconciliation",
		},
		[]string{"severity"},
	)

	breachingIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "breaching",
			Help:      "Open incidents breaching the response SLA after the last reconciliation",
		},
	)
)

func recordTransition(action string, err error) {
	lifecycleTransitions.WithLabelValues(action, transitionResult(err)).Inc()
}

func recordOutcome(o *ReconcileOutcome) {
	reconcileChanges.WithLabelValues("created").Add(float64(o.Created))
	reconcileChanges.WithLabelValues("updated").Add(float64(o.Updated))
	reconcileChanges.WithLabelValues("resolved").Add(float64(o.Resolved))
	reconcileChanges.WithLabelValues("skipped").Add(float64(o.Skipped))
}

func recordOpenIncidents(ranked []RankedIncident) {
	counts := map[domain.Severity]int{
		domain.SeverityWarning:  0,
		domain.SeverityError:    0,
		domain.SeverityCritical: 0,
		domain.SeverityAPIError: 0,
	}
	for _, r := range ranked {
		counts[r.Severity]++
	}
	for sev, n := range counts {
		openIncidents.WithLabelValues(string(sev)).Set(float64(n))
	}
	breachingIncidents.Set(float64(CountBreaching(ranked)))
}
