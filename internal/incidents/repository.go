// Package incidents provides the incident store contract, reconciliation and lifecycle logic.
package incidents

import (
	"context"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// MutateFunc applies a change to a freshly read incident in place.
// The returned audit entry is stored with the change; nil stores none.
type MutateFunc func(inc *domain.Incident) (*domain.AuditEntry, error)

// Repository defines the interface for incident data access.
type Repository interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListOpenIncidents(ctx context.Context) ([]*domain.Incident, error)
	CountOpenIncidents(ctx context.Context) (int, error)
	// ListOpenForReconcile returns open incidents of sourceID together with open
	// incidents of any of jobIDs. Served by the open-incident indexes.
	ListOpenForReconcile(ctx context.Context, sourceID string, jobIDs []string) ([]*domain.Incident, error)
	// ListIncidentsInRange returns incidents detected, responded or resolved in [from, to).
	ListIncidentsInRange(ctx context.Context, from, to time.Time) ([]*domain.Incident, error)
	ListRecentlyResolved(ctx context.Context, since time.Time, limit int) ([]*domain.Incident, error)
	ListAuditEntries(ctx context.Context, incidentID string) ([]*domain.AuditEntry, error)

	// MutateIncident locks the incident row, calls fn with its current state and
	// persists the mutable fields fn changed. Errors from fn abort the write.
	MutateIncident(ctx context.Context, id string, fn MutateFunc) (*domain.Incident, error)

	// ApplyReconciliation applies a whole reconciliation plan atomically.
	ApplyReconciliation(ctx context.Context, plan *ReconcilePlan) (*ReconcileOutcome, error)
	GetLastRefresh(ctx context.Context) (*time.Time, error)
}

// ReconcilePlan is the set of changes computed by one reconciliation cycle.
type ReconcilePlan struct {
	Creates     []*domain.Incident
	Refreshes   []SeverityRefresh
	Resolves    []AutoResolve
	RefreshedAt time.Time
}

// Empty reports whether the plan changes nothing but the refresh time.
func (p *ReconcilePlan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Refreshes) == 0 && len(p.Resolves) == 0
}

// SeverityRefresh updates the source-owned fields of an open incident.
type SeverityRefresh struct {
	IncidentID string
	Severity   domain.Severity
	JobName    string
	LogLink    string
	SeenAt     time.Time
	// PrevSeverity is the severity the plan was computed against.
	PrevSeverity domain.Severity
}

// AutoResolve resolves an open incident whose job is healthy again.
type AutoResolve struct {
	IncidentID string
	ResolvedAt time.Time
	Notes      string
}

// ReconcileOutcome counts what a reconciliation actually changed.
// Rows that stopped being open between planning and applying are skipped.
type ReconcileOutcome struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Resolved int `json:"resolved"`
	Ignored  int `json:"ignored"`
	Skipped  int `json:"skipped"`
}
