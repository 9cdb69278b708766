// Package memstore provides an in-memory implementation of the incident and engineer repositories.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/google/uuid"
)

// Store keeps incidents, audit entries and engineers in memory behind one lock.
// Open incidents are indexed by job and by source like the PostgreSQL partial indexes.
type Store struct {
	mu sync.RWMutex

	incidents    map[string]*domain.Incident
	openByJob    map[string]string
	openBySource map[string]map[string]struct{}
	audit        map[string][]*domain.AuditEntry
	engineers    map[string]*domain.Engineer
	lastRefresh  *time.Time

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		incidents:    make(map[string]*domain.Incident),
		openByJob:    make(map[string]string),
		openBySource: make(map[string]map[string]struct{}),
		audit:        make(map[string][]*domain.AuditEntry),
		engineers:    make(map[string]*domain.Engineer),
		now:          time.Now,
	}
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// ListOpenIncidents returns all open incidents, oldest first.
func (s *Store) ListOpenIncidents(_ context.Context) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*domain.Incident, 0, len(s.openByJob))
	for _, id := range s.openByJob {
		list = append(list, s.incidents[id].Clone())
	}
	sortByDetection(list)
	return list, nil
}

// CountOpenIncidents returns the number of open incidents.
func (s *Store) CountOpenIncidents(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.openByJob), nil
}

// ListOpenForReconcile returns open incidents of sourceID or of any of jobIDs.
func (s *Store) ListOpenForReconcile(_ context.Context, sourceID string, jobIDs []string) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var list []*domain.Incident
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		list = append(list, s.incidents[id].Clone())
	}

	for id := range s.openBySource[sourceID] {
		add(id)
	}
	for _, jobID := range jobIDs {
		if id, ok := s.openByJob[jobID]; ok {
			add(id)
		}
	}

	sortByDetection(list)
	return list, nil
}

// ListIncidentsInRange returns incidents detected, responded or resolved in [from, to).
func (s *Store) ListIncidentsInRange(_ context.Context, from, to time.Time) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := func(t *time.Time) bool {
		return t != nil && !t.Before(from) && t.Before(to)
	}

	var list []*domain.Incident
	for _, inc := range s.incidents {
		if in(&inc.FirstDetectedAt) || in(inc.RespondedAt) || in(inc.ResolvedAt) {
			list = append(list, inc.Clone())
		}
	}
	sortByDetection(list)
	return list, nil
}

// ListRecentlyResolved returns incidents resolved at or after since, newest first.
func (s *Store) ListRecentlyResolved(_ context.Context, since time.Time, limit int) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*domain.Incident, 0)
	for _, inc := range s.incidents {
		if inc.ResolvedAt != nil && !inc.ResolvedAt.Before(since) {
			list = append(list, inc.Clone())
		}
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].ResolvedAt.Equal(*list[j].ResolvedAt) {
			return list[i].ResolvedAt.After(*list[j].ResolvedAt)
		}
		return list[i].ID < list[j].ID
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListAuditEntries returns the audit trail of an incident, oldest first.
func (s *Store) ListAuditEntries(_ context.Context, incidentID string) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[incidentID]
	out := make([]*domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// MutateIncident applies fn to a copy of the incident under the store lock and
// writes back the mutable fields.
func (s *Store) MutateIncident(_ context.Context, id string, fn incidents.MutateFunc) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.incidents[id]
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}

	next := current.Clone()
	entry, err := fn(next)
	if err != nil {
		return nil, err
	}

	if next.ResponderID != nil {
		if _, ok := s.engineers[*next.ResponderID]; !ok {
			return nil, engineers.ErrEngineerNotFound
		}
	}

	now := s.now().UTC()
	current.State = next.State
	current.Priority = next.Priority
	current.ResponderID = next.ResponderID
	current.ResponderName = next.ResponderName
	current.RespondedAt = next.RespondedAt
	current.ResolvedAt = next.ResolvedAt
	current.IncNumber = next.IncNumber
	current.IncLink = next.IncLink
	current.ResolutionNotes = next.ResolutionNotes
	current.Version++
	current.UpdatedAt = now

	if !current.State.IsOpen() {
		s.unindex(current)
	}
	if entry != nil {
		s.appendAudit(current.ID, entry, now)
	}

	return current.Clone(), nil
}

// ApplyReconciliation applies a reconciliation plan atomically.
func (s *Store) ApplyReconciliation(_ context.Context, plan *incidents.ReconcilePlan) (*incidents.ReconcileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := &incidents.ReconcileOutcome{}
	now := s.now().UTC()

	for _, c := range plan.Creates {
		if _, exists := s.openByJob[c.SourceJobID]; exists {
			outcome.Skipped++
			continue
		}

		inc := c.Clone()
		inc.ID = uuid.NewString()
		inc.State = domain.IncidentStatePending
		inc.Version = 1
		inc.CreatedAt = now
		inc.UpdatedAt = now

		s.incidents[inc.ID] = inc
		s.index(inc)
		s.appendAudit(inc.ID, &domain.AuditEntry{
			Action:  domain.AuditActionDetected,
			Actor:   domain.SystemActor,
			Details: string(inc.Severity),
		}, now)
		outcome.Created++
	}

	for _, r := range plan.Refreshes {
		inc, ok := s.incidents[r.IncidentID]
		if !ok || !inc.State.IsOpen() {
			outcome.Skipped++
			continue
		}

		inc.LastSeenAt = r.SeenAt
		if inc.Severity == r.Severity && inc.JobName == r.JobName && inc.LogLink == r.LogLink {
			continue
		}

		prev := inc.Severity
		inc.Severity = r.Severity
		inc.JobName = r.JobName
		inc.LogLink = r.LogLink
		inc.Version++
		inc.UpdatedAt = now
		if prev != r.Severity {
			s.appendAudit(inc.ID, &domain.AuditEntry{
				Action:  domain.AuditActionSeverityChanged,
				Actor:   domain.SystemActor,
				Details: string(prev) + " -> " + string(r.Severity),
			}, now)
		}
		outcome.Updated++
	}

	for _, r := range plan.Resolves {
		inc, ok := s.incidents[r.IncidentID]
		if !ok || !inc.State.IsOpen() {
			outcome.Skipped++
			continue
		}

		resolvedAt := r.ResolvedAt
		inc.State = domain.IncidentStateResolved
		inc.ResolvedAt = &resolvedAt
		inc.ResolutionNotes = r.Notes
		inc.Version++
		inc.UpdatedAt = now
		s.unindex(inc)
		s.appendAudit(inc.ID, &domain.AuditEntry{
			Action:  domain.AuditActionAutoResolved,
			Actor:   domain.SystemActor,
			Details: r.Notes,
		}, now)
		outcome.Resolved++
	}

	refreshed := plan.RefreshedAt
	s.lastRefresh = &refreshed

	return outcome, nil
}

// GetLastRefresh returns the time of the last applied reconciliation, or nil.
func (s *Store) GetLastRefresh(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastRefresh == nil {
		return nil, nil
	}
	t := *s.lastRefresh
	return &t, nil
}

func (s *Store) index(inc *domain.Incident) {
	s.openByJob[inc.SourceJobID] = inc.ID
	bySource, ok := s.openBySource[inc.SourceID]
	if !ok {
		bySource = make(map[string]struct{})
		s.openBySource[inc.SourceID] = bySource
	}
	bySource[inc.ID] = struct{}{}
}

func (s *Store) unindex(inc *domain.Incident) {
	if s.openByJob[inc.SourceJobID] == inc.ID {
		delete(s.openByJob, inc.SourceJobID)
	}
	delete(s.openBySource[inc.SourceID], inc.ID)
}

func (s *Store) appendAudit(incidentID string, entry *domain.AuditEntry, now time.Time) {
	e := *entry
	e.ID = uuid.NewString()
	e.IncidentID = incidentID
	e.CreatedAt = now
	s.audit[incidentID] = append(s.audit[incidentID], &e)
}

func sortByDetection(list []*domain.Incident) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].FirstDetectedAt.Equal(list[j].FirstDetectedAt) {
			return list[i].FirstDetectedAt.Before(list[j].FirstDetectedAt)
		}
		return list[i].ID < list[j].ID
	})
}
