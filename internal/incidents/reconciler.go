package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// ErrNoSourceData is returned when every source of a cycle failed, so there is nothing to reconcile.
var ErrNoSourceData = errors.New("no source returned data")

// SourceBatch is the result of fetching one source during a cycle.
type SourceBatch struct {
	SourceID  string
	Snapshots []domain.JobStatusSnapshot
	// UnparsedJobIDs are jobs the source reported with a record that could not
	// be normalized. They count as present, so their incidents are neither
	// refreshed nor resolved.
	UnparsedJobIDs []string
	Err            error
}

// ReconcilerConfig contains reconciliation settings.
type ReconcilerConfig struct {
	// AbsenceGracePeriod delays auto-resolving incidents of jobs that are missing
	// from a successful batch. Zero treats absence like an explicit healthy report.
	AbsenceGracePeriod time.Duration
	BreachAfter        time.Duration
}

// Reconciler turns source snapshots into incident changes.
type Reconciler struct {
	repo   Repository
	config ReconcilerConfig
	mu     sync.Mutex
}

// NewReconciler creates a new reconciler.
func NewReconciler(repo Repository, config ReconcilerConfig) *Reconciler {
	if config.BreachAfter <= 0 {
		config.BreachAfter = DefaultBreachAfter
	}
	return &Reconciler{repo: repo, config: config}
}

// Reconcile plans and applies one cycle. Calls are serialized.
// Incidents of sources whose batch carries an error are left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, batches []SourceBatch, now time.Time) (*ReconcileOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan, ignored, err := r.plan(ctx, batches, now)
	if err != nil {
		return nil, err
	}

	outcome, err := r.repo.ApplyReconciliation(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("apply reconciliation: %w", err)
	}
	outcome.Ignored = ignored
	recordOutcome(outcome)

	if open, err := r.repo.ListOpenIncidents(ctx); err != nil {
		slog.Warn("failed to refresh open incident gauges", "error", err)
	} else {
		recordOpenIncidents(Rank(open, now, r.config.BreachAfter))
	}

	return outcome, nil
}

func (r *Reconciler) plan(ctx context.Context, batches []SourceBatch, now time.Time) (*ReconcilePlan, int, error) {
	now = now.UTC()
	plan := &ReconcilePlan{RefreshedAt: now}

	type absentCandidate struct {
		sourceID string
		reported map[string]domain.JobStatusSnapshot
		unparsed map[string]bool
		open     []*domain.Incident
	}

	var candidates []absentCandidate
	planned := make(map[string]bool)
	creating := make(map[string]bool)
	ignored := 0
	succeeded := 0

	for _, b := range batches {
		if b.Err != nil {
			slog.Warn("skipping reconciliation for failed source", "source", b.SourceID, "error", b.Err)
			continue
		}
		succeeded++

		reported := latestByJob(b.Snapshots)
		jobIDs := make([]string, 0, len(reported))
		for id := range reported {
			jobIDs = append(jobIDs, id)
		}
		sort.Strings(jobIDs)

		open, err := r.repo.ListOpenForReconcile(ctx, b.SourceID, jobIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("list open incidents for %s: %w", b.SourceID, err)
		}
		openByJob := make(map[string]*domain.Incident, len(open))
		for _, inc := range open {
			openByJob[inc.SourceJobID] = inc
		}

		for _, jobID := range jobIDs {
			snap := reported[jobID]
			inc := openByJob[jobID]

			switch {
			case snap.Severity.IsHealthy() && inc == nil:
				ignored++
			case snap.Severity.IsHealthy():
				if !planned[inc.ID] {
					planned[inc.ID] = true
					plan.Resolves = append(plan.Resolves, autoResolve(inc.ID, now))
				}
			case inc == nil:
				if creating[jobID] {
					continue
				}
				creating[jobID] = true
				plan.Creates = append(plan.Creates, &domain.Incident{
					SourceID:        b.SourceID,
					SourceJobID:     jobID,
					JobName:         snap.DisplayName,
					Severity:        snap.Severity,
					State:           domain.IncidentStatePending,
					LogLink:         snap.LogLink,
					FirstDetectedAt: now,
					LastSeenAt:      now,
				})
			default:
				if planned[inc.ID] {
					continue
				}
				planned[inc.ID] = true
				plan.Refreshes = append(plan.Refreshes, SeverityRefresh{
					IncidentID:   inc.ID,
					Severity:     snap.Severity,
					JobName:      snap.DisplayName,
					LogLink:      snap.LogLink,
					SeenAt:       now,
					PrevSeverity: inc.Severity,
				})
			}
		}

		unparsed := make(map[string]bool, len(b.UnparsedJobIDs))
		for _, id := range b.UnparsedJobIDs {
			unparsed[id] = true
		}

		candidates = append(candidates, absentCandidate{sourceID: b.SourceID, reported: reported, unparsed: unparsed, open: open})
	}

	if succeeded == 0 && len(batches) > 0 {
		return nil, 0, ErrNoSourceData
	}

	for _, c := range candidates {
		for _, inc := range c.open {
			if inc.SourceID != c.sourceID || planned[inc.ID] {
				continue
			}
			if _, ok := c.reported[inc.SourceJobID]; ok || c.unparsed[inc.SourceJobID] {
				continue
			}
			if r.config.AbsenceGracePeriod > 0 && now.Sub(inc.LastSeenAt) <= r.config.AbsenceGracePeriod {
				continue
			}
			planned[inc.ID] = true
			plan.Resolves = append(plan.Resolves, autoResolve(inc.ID, now))
		}
	}

	return plan, ignored, nil
}

func autoResolve(id string, now time.Time) AutoResolve {
	return AutoResolve{IncidentID: id, ResolvedAt: now, Notes: AutoResolveNotes}
}

// latestByJob keeps one snapshot per job: the latest observation, the later record on ties.
func latestByJob(snaps []domain.JobStatusSnapshot) map[string]domain.JobStatusSnapshot {
	out := make(map[string]domain.JobStatusSnapshot, len(snaps))
	for _, s := range snaps {
		prev, ok := out[s.SourceJobID]
		if ok && s.ObservedAt.Before(prev.ObservedAt) {
			continue
		}
		out[s.SourceJobID] = s
	}
	return out
}
