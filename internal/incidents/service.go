package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/pkg/ctxlog"
)

// Read limits.
const (
	DefaultRecentResolvedLimit = 20
	MaxRecentResolvedLimit     = 100
)

// EngineerResolver looks up roster members assigned as responders.
type EngineerResolver interface {
	GetEngineer(ctx context.Context, id string) (*domain.Engineer, error)
}

// ServiceConfig contains lifecycle and read settings.
type ServiceConfig struct {
	BreachAfter time.Duration
	Location    *time.Location
	// Clock overrides time.Now, mainly in tests.
	Clock func() time.Time
}

// Service implements the incident lifecycle and read API.
type Service struct {
	repo      Repository
	engineers EngineerResolver
	notes     *NotesRenderer
	config    ServiceConfig
	now       func() time.Time
}

// NewService creates a new incident service.
func NewService(repo Repository, engineers EngineerResolver, config ServiceConfig) (*Service, error) {
	if config.BreachAfter <= 0 {
		config.BreachAfter = DefaultBreachAfter
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	notes, err := NewNotesRenderer()
	if err != nil {
		return nil, fmt.Errorf("create notes renderer: %w", err)
	}

	return &Service{
		repo:      repo,
		engineers: engineers,
		notes:     notes,
		config:    config,
		now:       config.Clock,
	}, nil
}

// RespondInput holds data for taking ownership of an incident.
type RespondInput struct {
	EngineerID string
	Priority   domain.Priority
	IncNumber  *string
	IncLink    *string
}

// ResolveInput holds data for a manual resolution.
type ResolveInput struct {
	Reason       string
	ActionTaken  string
	PendingItems string
}

// Respond assigns a responder and priority to a PENDING incident.
func (s *Service) Respond(ctx context.Context, id string, input RespondInput, actor string) (*domain.Incident, error) {
	if !input.Priority.IsValid() {
		return nil, ErrInvalidPriority
	}

	engineer, err := s.engineers.GetEngineer(ctx, input.EngineerID)
	if err != nil {
		return nil, fmt.Errorf("get responder: %w", err)
	}

	now := s.now().UTC()
	inc, err := s.repo.MutateIncident(ctx, id, func(inc *domain.Incident) (*domain.AuditEntry, error) {
		if inc.State != domain.IncidentStatePending {
			return nil, fmt.Errorf("%w: cannot respond to %s incident", ErrInvalidTransition, inc.State)
		}

		inc.State = domain.IncidentStateResponded
		inc.ResponderID = &engineer.ID
		inc.ResponderName = &engineer.Name
		inc.RespondedAt = &now
		inc.Priority = input.Priority
		if input.IncNumber != nil {
			inc.IncNumber = *input.IncNumber
		}
		if input.IncLink != nil {
			inc.IncLink = *input.IncLink
		}

		return &domain.AuditEntry{
			Action:  domain.AuditActionResponded,
			Actor:   actor,
			Details: fmt.Sprintf("responder=%s priority=%s", engineer.Name, input.Priority),
		}, nil
	})
	recordTransition("respond", err)
	if err != nil {
		return nil, fmt.Errorf("respond to incident: %w", err)
	}

	ctxlog.FromContext(ctx).Info("incident responded",
		"incident_id", inc.ID,
		"responder", engineer.Name,
		"priority", inc.Priority,
		"actor", actor,
	)
	return inc, nil
}

// SetPriority overwrites the priority of an open incident.
func (s *Service) SetPriority(ctx context.Context, id string, priority domain.Priority, actor string) (*domain.Incident, error) {
	if !priority.IsValid() {
		return nil, ErrInvalidPriority
	}

	inc, err := s.repo.MutateIncident(ctx, id, func(inc *domain.Incident) (*domain.AuditEntry, error) {
		if !inc.State.IsOpen() {
			return nil, fmt.Errorf("%w: cannot change priority of %s incident", ErrInvalidTransition, inc.State)
		}

		prev := inc.Priority
		inc.Priority = priority

		return &domain.AuditEntry{
			Action:  domain.AuditActionPriorityChanged,
			Actor:   actor,
			Details: fmt.Sprintf("%s -> %s", displayPriority(prev), priority),
		}, nil
	})
	recordTransition("set_priority", err)
	if err != nil {
		return nil, fmt.Errorf("set incident priority: %w", err)
	}

	return inc, nil
}

// UpdateTicket overwrites the external ticket reference of an open incident.
func (s *Service) UpdateTicket(ctx context.Context, id, incNumber, incLink, actor string) (*domain.Incident, error) {
	inc, err := s.repo.MutateIncident(ctx, id, func(inc *domain.Incident) (*domain.AuditEntry, error) {
		if !inc.State.IsOpen() {
			return nil, fmt.Errorf("%w: cannot update ticket of %s incident", ErrInvalidTransition, inc.State)
		}

		inc.IncNumber = incNumber
		inc.IncLink = incLink

		return &domain.AuditEntry{
			Action:  domain.AuditActionTicketUpdated,
			Actor:   actor,
			Details: fmt.Sprintf("inc_number=%s", incNumber),
		}, nil
	})
	recordTransition("update_ticket", err)
	if err != nil {
		return nil, fmt.Errorf("update incident ticket: %w", err)
	}

	return inc, nil
}

// Resolve closes a RESPONDED incident with structured notes.
func (s *Service) Resolve(ctx context.Context, id string, input ResolveInput, actor string) (*domain.Incident, error) {
	now := s.now().UTC()

	inc, err := s.repo.MutateIncident(ctx, id, func(inc *domain.Incident) (*domain.AuditEntry, error) {
		if inc.State != domain.IncidentStateResponded {
			return nil, fmt.Errorf("%w: cannot resolve %s incident", ErrInvalidTransition, inc.State)
		}

		resolver := actor
		if inc.ResponderName != nil {
			resolver = *inc.ResponderName
		}

		notes, err := s.notes.Render(ResolutionNotes{
			Reason:       input.Reason,
			ActionTaken:  input.ActionTaken,
			PendingItems: input.PendingItems,
			Resolver:     resolver,
			Severity:     inc.Severity,
			OpenFor:      now.Sub(inc.FirstDetectedAt),
		})
		if err != nil {
			return nil, err
		}

		inc.State = domain.IncidentStateResolved
		inc.ResolvedAt = &now
		inc.ResolutionNotes = notes

		return &domain.AuditEntry{
			Action:  domain.AuditActionResolved,
			Actor:   actor,
			Details: input.Reason,
		}, nil
	})
	recordTransition("resolve", err)
	if err != nil {
		return nil, fmt.Errorf("resolve incident: %w", err)
	}

	ctxlog.FromContext(ctx).Info("incident resolved",
		"incident_id", inc.ID,
		"source_job_id", inc.SourceJobID,
		"actor", actor,
	)
	return inc, nil
}

// GetIncident returns an incident annotated with its SLA evaluation.
func (s *Service) GetIncident(ctx context.Context, id string) (*RankedIncident, error) {
	inc, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	ranked := Evaluate(inc, s.now(), s.config.BreachAfter)
	return &ranked, nil
}

// ListOpenRanked returns open incidents in display order.
func (s *Service) ListOpenRanked(ctx context.Context) ([]RankedIncident, error) {
	list, err := s.repo.ListOpenIncidents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	return Rank(list, s.now(), s.config.BreachAfter), nil
}

// CountOpen returns the number of open incidents.
func (s *Service) CountOpen(ctx context.Context) (int, error) {
	n, err := s.repo.CountOpenIncidents(ctx)
	if err != nil {
		return 0, fmt.Errorf("count open incidents: %w", err)
	}
	return n, nil
}

// ListRecentlyResolved returns incidents resolved during the current week, newest first.
func (s *Service) ListRecentlyResolved(ctx context.Context, limit int) ([]*domain.Incident, error) {
	if limit <= 0 {
		limit = DefaultRecentResolvedLimit
	}
	if limit > MaxRecentResolvedLimit {
		limit = MaxRecentResolvedLimit
	}

	start, _ := WeekWindow(s.now(), s.config.Location)
	list, err := s.repo.ListRecentlyResolved(ctx, start, limit)
	if err != nil {
		return nil, fmt.Errorf("list resolved incidents: %w", err)
	}
	return list, nil
}

// WeeklyStats returns statistics of the current working week.
func (s *Service) WeeklyStats(ctx context.Context) (*WeeklyStats, error) {
	now := s.now()
	start, end := WeekWindow(now, s.config.Location)

	list, err := s.repo.ListIncidentsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list incidents for stats: %w", err)
	}

	return ComputeWeeklyStats(list, now, s.config.Location), nil
}

// AuditLog returns the change history of an incident, oldest first.
func (s *Service) AuditLog(ctx context.Context, id string) ([]*domain.AuditEntry, error) {
	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	entries, err := s.repo.ListAuditEntries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

func displayPriority(p domain.Priority) string {
	if p == domain.PriorityNone {
		return "none"
	}
	return string(p)
}

func transitionResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrIncidentNotFound):
		return "not_found"
	default:
		return "error"
	}
}
