package incidents

import (
	"sort"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// DefaultBreachAfter is how long an urgent incident may stay unanswered.
const DefaultBreachAfter = 60 * time.Second

// RankedIncident is an incident annotated with its SLA evaluation.
type RankedIncident struct {
	*domain.Incident
	DurationSeconds int64 `json:"duration_seconds"`
	Breach          bool  `json:"breach"`
}

// Evaluate computes duration and breach for one incident at now.
func Evaluate(inc *domain.Incident, now time.Time, breachAfter time.Duration) RankedIncident {
	d := now.Sub(inc.FirstDetectedAt)
	if d < 0 {
		d = 0
	}
	return RankedIncident{
		Incident:        inc,
		DurationSeconds: int64(d / time.Second),
		Breach:          IsBreaching(inc, d, breachAfter),
	}
}

// IsBreaching reports whether an incident open for d should be flagged as breaching.
// API_ERROR incidents never breach.
func IsBreaching(inc *domain.Incident, d, breachAfter time.Duration) bool {
	if inc.State != domain.IncidentStatePending {
		return false
	}
	switch inc.Severity {
	case domain.SeverityError, domain.SeverityCritical:
		return d > breachAfter
	case domain.SeverityLog, domain.SeverityWarning, domain.SeverityAPIError:
		return false
	}
	return false
}

// Rank evaluates and orders incidents for display: severity, then PENDING before
// RESPONDED, then longest open first.
func Rank(list []*domain.Incident, now time.Time, breachAfter time.Duration) []RankedIncident {
	ranked := make([]RankedIncident, 0, len(list))
	for _, inc := range list {
		ranked = append(ranked, Evaluate(inc, now, breachAfter))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if sa, sb := stateRank(a.State), stateRank(b.State); sa != sb {
			return sa < sb
		}
		if a.DurationSeconds != b.DurationSeconds {
			return a.DurationSeconds > b.DurationSeconds
		}
		return a.ID < b.ID
	})

	return ranked
}

func stateRank(s domain.IncidentState) int {
	switch s {
	case domain.IncidentStatePending:
		return 0
	case domain.IncidentStateResponded:
		return 1
	case domain.IncidentStateResolved:
		return 2
	}
	return 3
}

// CountBreaching returns the number of breaching incidents in a ranked list.
func CountBreaching(ranked []RankedIncident) int {
	n := 0
	for _, r := range ranked {
		if r.Breach {
			n++
		}
	}
	return n
}
