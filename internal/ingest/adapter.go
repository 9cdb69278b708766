package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/bissquit/jobwatch/internal/ingest")

// AdapterConfig contains fan-out settings.
type AdapterConfig struct {
	Workers int
	Timeout time.Duration
	// MinFetchInterval reuses the cached snapshots of a healthy source younger than this.
	MinFetchInterval time.Duration
}

// DefaultAdapterConfig returns default adapter configuration.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Workers: 4,
		Timeout: 10 * time.Second,
	}
}

// timeoutSource is implemented by sources with their own call timeout.
type timeoutSource interface {
	Timeout() time.Duration
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	SourceID  string
	Snapshots []domain.JobStatusSnapshot
	// Rejected counts records that failed normalization. UnparsedJobIDs holds
	// the ids of those that still named a job.
	Rejected       int
	UnparsedJobIDs []string
	Cached         bool
	Duration       time.Duration
	Err            error
}

// Adapter fetches all sources concurrently and normalizes their documents.
type Adapter struct {
	config  AdapterConfig
	sources []Source
	cache   *StatusCache
	health  *Health
	now     func() time.Time
}

// NewAdapter creates a new source adapter.
func NewAdapter(config AdapterConfig, sources []Source, cache *StatusCache, health *Health) *Adapter {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultAdapterConfig().Timeout
	}
	return &Adapter{
		config:  config,
		sources: sources,
		cache:   cache,
		health:  health,
		now:     time.Now,
	}
}

// SourceIDs returns the configured source IDs in fetch order.
func (a *Adapter) SourceIDs() []string {
	ids := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		ids = append(ids, s.ID())
	}
	return ids
}

// FetchAll fetches every source through a bounded worker pool.
// Results are in source order; one failing source never affects the others.
func (a *Adapter) FetchAll(ctx context.Context) []SourceResult {
	results := make([]SourceResult, len(a.sources))

	var g errgroup.Group
	g.SetLimit(a.config.Workers)

	for i, src := range a.sources {
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type fetchResult struct {
	raws []RawJobStatus
	err  error
}

func (a *Adapter) fetchOne(ctx context.Context, src Source) SourceResult {
	id := src.ID()
	start := a.now()
	result := SourceResult{SourceID: id}

	if cached, ok := a.reusable(id, start); ok {
		result.Snapshots = cached.Snapshots
		result.UnparsedJobIDs = cached.UnparsedJobIDs
		result.Cached = true
		recordFetch(id, "cached", 0)
		return result
	}

	ctx, span := tracer.Start(ctx, "ingest.Fetch", trace.WithAttributes(
		attribute.String("jobwatch.source", id),
	))
	defer span.End()

	timeout := a.config.Timeout
	if ts, ok := src.(timeoutSource); ok && ts.Timeout() > 0 {
		timeout = ts.Timeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The call runs in its own goroutine so a source that ignores cancellation
	// is abandoned at the deadline.
	done := make(chan fetchResult, 1)
	go func() {
		raws, err := src.Fetch(callCtx)
		done <- fetchResult{raws: raws, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	fetchedAt := a.now()
	result.Duration = fetchedAt.Sub(start)

	if res.err != nil {
		err := fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, id, res.err)
		result.Err = err
		a.health.RecordError(id, res.err, fetchedAt.UTC())
		span.SetStatus(codes.Error, res.err.Error())
		recordFetch(id, "error", result.Duration)
		slog.Warn("source fetch failed", "source", id, "duration", result.Duration, "error", res.err)
		return result
	}

	snaps := make([]domain.JobStatusSnapshot, 0, len(res.raws))
	for _, raw := range res.raws {
		snap, err := Normalize(id, raw, fetchedAt)
		if err != nil {
			result.Rejected++
			if jobID := strings.TrimSpace(raw.ID); jobID != "" {
				result.UnparsedJobIDs = append(result.UnparsedJobIDs, jobID)
			}
			slog.Warn("skipping job status record", "source", id, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	result.Snapshots = snaps

	a.cache.Put(id, snaps, result.UnparsedJobIDs, fetchedAt.UTC())
	a.health.ClearError(id)

	span.SetAttributes(
		attribute.Int("jobwatch.snapshots", len(snaps)),
		attribute.Int("jobwatch.rejected", result.Rejected),
	)
	recordFetch(id, "success", result.Duration)
	recordRejected(id, result.Rejected)

	slog.Debug("source fetched",
		"source", id,
		"snapshots", len(snaps),
		"rejected", result.Rejected,
		"duration", result.Duration,
	)
	return result
}

func (a *Adapter) reusable(id string, now time.Time) (CacheEntry, bool) {
	if a.config.MinFetchInterval <= 0 {
		return CacheEntry{}, false
	}
	if _, _, failing := a.health.SourceError(id); failing {
		return CacheEntry{}, false
	}
	e, ok := a.cache.Get(id)
	if !ok || now.Sub(e.FetchedAt) >= a.config.MinFetchInterval {
		return CacheEntry{}, false
	}
	return e, true
}
