package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Cycle triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// SchedulerConfig contains cycle settings.
type SchedulerConfig struct {
	Interval               time.Duration
	ManualRefreshPerMinute int
	CycleTimeout           time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:               30 * time.Second,
		ManualRefreshPerMinute: 6,
		CycleTimeout:           60 * time.Second,
	}
}

// Fetcher fetches every configured source.
type Fetcher interface {
	FetchAll(ctx context.Context) []SourceResult
}

// Reconciler applies one cycle of source batches.
type Reconciler interface {
	Reconcile(ctx context.Context, batches []incidents.SourceBatch, now time.Time) (*incidents.ReconcileOutcome, error)
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	ID            string                      `json:"id"`
	Trigger       string                      `json:"trigger"`
	StartedAt     time.Time                   `json:"started_at"`
	Duration      time.Duration               `json:"-"`
	DurationMS    int64                       `json:"duration_ms"`
	Outcome       *incidents.ReconcileOutcome `json:"outcome"`
	FailedSources []string                    `json:"failed_sources"`
}

// Scheduler runs reconciliation cycles on a timer and on demand.
// At most one cycle runs at a time; an overlapping tick is skipped.
type Scheduler struct {
	config     SchedulerConfig
	fetcher    Fetcher
	reconciler Reconciler
	health     *Health
	limiter    *rate.Limiter
	now        func() time.Time

	cycleMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(config SchedulerConfig, fetcher Fetcher, reconciler Reconciler, health *Health) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ManualRefreshPerMinute <= 0 {
		config.ManualRefreshPerMinute = def.ManualRefreshPerMinute
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = def.CycleTimeout
	}

	n := config.ManualRefreshPerMinute
	return &Scheduler{
		config:     config,
		fetcher:    fetcher,
		reconciler: reconciler,
		health:     health,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting reconciliation scheduler",
		"interval", s.config.Interval,
		"manual_refresh_per_minute", s.config.ManualRefreshPerMinute,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the timer and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		recordCycle(TriggerScheduled, "skipped", 0)
		slog.Warn("previous reconciliation cycle still running, skipping tick")
		return
	}
	defer s.cycleMu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	if _, err := s.runCycle(cycleCtx, TriggerScheduled); err != nil {
		slog.Error("reconciliation cycle failed", "error", err)
	}
}

// Trigger runs a manual cycle and waits for it.
// It fails with ErrRefreshThrottled over the rate limit and with
// ErrRefreshInProgress while another cycle runs.
func (s *Scheduler) Trigger(ctx context.Context) (*CycleResult, error) {
	if !s.cycleMu.TryLock() {
		recordCycle(TriggerManual, "skipped", 0)
		return nil, ErrRefreshInProgress
	}
	defer s.cycleMu.Unlock()

	// Only cycles that actually start spend the manual budget.
	if !s.limiter.Allow() {
		recordCycle(TriggerManual, "throttled", 0)
		return nil, ErrRefreshThrottled
	}

	// A client disconnect must not abort a cycle halfway.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CycleTimeout)
	defer cancel()

	return s.runCycle(cycleCtx, TriggerManual)
}

// RunCycle runs one cycle under the cycle lock, waiting for a running one.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.runCycle(ctx, TriggerManual)
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) (*CycleResult, error) {
	result := &CycleResult{
		ID:            ulid.Make().String(),
		Trigger:       trigger,
		StartedAt:     s.now().UTC(),
		FailedSources: []string{},
	}

	ctx, span := tracer.Start(ctx, "ingest.Cycle", trace.WithAttributes(
		attribute.String("jobwatch.cycle_id", result.ID),
		attribute.String("jobwatch.trigger", trigger),
	))
	defer span.End()

	logger := slog.With("cycle_id", result.ID, "trigger", trigger)

	fetched := s.fetcher.FetchAll(ctx)
	batches := make([]incidents.SourceBatch, 0, len(fetched))
	for _, f := range fetched {
		if f.Err != nil {
			result.FailedSources = append(result.FailedSources, f.SourceID)
		}
		batches = append(batches, incidents.SourceBatch{
			SourceID:       f.SourceID,
			Snapshots:      f.Snapshots,
			UnparsedJobIDs: f.UnparsedJobIDs,
			Err:            f.Err,
		})
	}

	now := s.now().UTC()
	outcome, err := s.reconciler.Reconcile(ctx, batches, now)
	result.Duration = s.now().Sub(result.StartedAt)
	result.DurationMS = result.Duration.Milliseconds()

	if err != nil {
		cycleResult := "error"
		if errors.Is(err, incidents.ErrNoSourceData) {
			cycleResult = "no_data"
		}
		recordCycle(trigger, cycleResult, result.Duration)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reconcile cycle %s: %w", result.ID, err)
	}

	result.Outcome = outcome
	s.health.PublishRefresh(now)
	lastRefreshTimestamp.Set(float64(now.Unix()))
	recordCycle(trigger, "success", result.Duration)

	span.SetAttributes(
		attribute.Int("jobwatch.created", outcome.Created),
		attribute.Int("jobwatch.updated", outcome.Updated),
		attribute.Int("jobwatch.resolved", outcome.Resolved),
	)

	logger.Info("reconciliation cycle completed",
		"created", outcome.Created,
		"updated", outcome.Updated,
		"resolved", outcome.Resolved,
		"ignored", outcome.Ignored,
		"skipped", outcome.Skipped,
		"failed_sources", len(result.FailedSources),
		"duration", result.Duration,
	)
	return result, nil
}
