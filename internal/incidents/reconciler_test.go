package incidents_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/bissquit/jobwatch/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func snap(source, job string, sev domain.Severity, at time.Time) domain.JobStatusSnapshot {
	return domain.JobStatusSnapshot{
		SourceID:    source,
		SourceJobID: job,
		DisplayName: "Job " + job,
		Severity:    sev,
		LogLink:     "https://logs.example.com/" + job,
		ObservedAt:  at,
	}
}

func batch(source string, snaps ...domain.JobStatusSnapshot) incidents.SourceBatch {
	return incidents.SourceBatch{SourceID: source, Snapshots: snaps}
}

func openByJob(t *testing.T, store *memstore.Store) map[string]*domain.Incident {
	t.Helper()
	list, err := store.ListOpenIncidents(context.Background())
	require.NoError(t, err)
	out := make(map[string]*domain.Incident, len(list))
	for _, inc := range list {
		out[inc.SourceJobID] = inc
	}
	return out
}

func TestReconciler_CreatesAndIgnores(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})

	outcome, err := r.Reconcile(context.Background(), []incidents.SourceBatch{
		batch("ci",
			snap("ci", "job-1", domain.SeverityCritical, t0),
			snap("ci", "job-2", domain.SeverityLog, t0),
			snap("ci", "job-3", domain.SeverityWarning, t0),
		),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Created)
	assert.Equal(t, 1, outcome.Ignored)

	open := openByJob(t, store)
	require.Len(t, open, 2)
	inc := open["job-1"]
	assert.Equal(t, domain.IncidentStatePending, inc.State)
	assert.Equal(t, domain.SeverityCritical, inc.Severity)
	assert.Equal(t, "Job job-1", inc.JobName)
	assert.Equal(t, "https://logs.example.com/job-1", inc.LogLink)
	assert.True(t, inc.FirstDetectedAt.Equal(t0))
	assert.Equal(t, domain.PriorityNone, inc.Priority)
}

func TestReconciler_Idempotent(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	batches := []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}

	_, err := r.Reconcile(ctx, batches, t0)
	require.NoError(t, err)
	before := openByJob(t, store)["job-1"]

	outcome, err := r.Reconcile(ctx, batches, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Created)
	assert.Equal(t, 0, outcome.Resolved)

	open := openByJob(t, store)
	require.Len(t, open, 1)
	after := open["job-1"]
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.FirstDetectedAt.Equal(t0))
	assert.True(t, after.LastSeenAt.Equal(t0.Add(30*time.Second)))

	entries, err := store.ListAuditEntries(ctx, after.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReconciler_SeverityRefreshKeepsLifecycleFields(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
	require.NoError(t, err)
	inc := openByJob(t, store)["job-1"]

	_, err = store.MutateIncident(ctx, inc.ID, func(i *domain.Incident) (*domain.AuditEntry, error) {
		i.Priority = domain.PriorityP3
		return nil, nil
	})
	require.NoError(t, err)

	escalated := snap("ci", "job-1", domain.SeverityCritical, t0.Add(10*time.Second))
	escalated.DisplayName = "Nightly backup"
	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", escalated)}, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Updated)

	got, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	assert.Equal(t, "Nightly backup", got.JobName)
	assert.Equal(t, domain.PriorityP3, got.Priority)
	assert.Equal(t, domain.IncidentStatePending, got.State)
	assert.True(t, got.FirstDetectedAt.Equal(t0))

	entries, err := store.ListAuditEntries(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditActionSeverityChanged, entries[1].Action)
	assert.Equal(t, "ERROR -> CRITICAL", entries[1].Details)
}

func TestReconciler_AutoResolve(t *testing.T) {
	tests := []struct {
		name string
		next incidents.SourceBatch
	}{
		{"healthy report", batch("ci", snap("ci", "job-1", domain.SeverityLog, t0.Add(time.Minute)))},
		{"absent from batch", batch("ci", snap("ci", "job-2", domain.SeverityLog, t0.Add(time.Minute)))},
		{"empty batch", batch("ci")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
			ctx := context.Background()

			_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
			require.NoError(t, err)
			inc := openByJob(t, store)["job-1"]

			outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{tt.next}, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, outcome.Resolved)

			got, err := store.GetIncident(ctx, inc.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.IncidentStateResolved, got.State)
			require.NotNil(t, got.ResolvedAt)
			assert.True(t, got.ResolvedAt.Equal(t0.Add(time.Minute)))
			assert.Equal(t, incidents.AutoResolveNotes, got.ResolutionNotes)
		})
	}
}

func TestReconciler_UnparsedRecordIsNotAbsence(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci",
		snap("ci", "job-1", domain.SeverityCritical, t0),
		snap("ci", "job-2", domain.SeverityError, t0),
	)}, t0)
	require.NoError(t, err)
	before := openByJob(t, store)
	require.Len(t, before, 2)

	// job-1 comes back with a record that failed normalization, job-2 is gone.
	next := batch("ci")
	next.UnparsedJobIDs = []string{"job-1"}
	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{next}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Resolved)
	assert.Equal(t, 0, outcome.Updated)

	open := openByJob(t, store)
	require.Len(t, open, 1)
	kept := open["job-1"]
	require.NotNil(t, kept)
	assert.Equal(t, domain.IncidentStatePending, kept.State)
	assert.Equal(t, domain.SeverityCritical, kept.Severity)
	assert.True(t, kept.LastSeenAt.Equal(before["job-1"].LastSeenAt))
	assert.Nil(t, kept.ResolvedAt)
}

func TestReconciler_FailedSourceLeavesIncidentsUntouched(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{
		batch("ci", snap("ci", "job-1", domain.SeverityError, t0)),
		batch("cron", snap("cron", "job-2", domain.SeverityError, t0)),
	}, t0)
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{
		{SourceID: "ci", Err: errors.New("connection refused")},
		batch("cron", snap("cron", "job-2", domain.SeverityError, t0.Add(time.Minute))),
	}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Resolved)
	assert.Len(t, openByJob(t, store), 2)
}

func TestReconciler_AllSourcesFailed(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})

	_, err := r.Reconcile(context.Background(), []incidents.SourceBatch{
		{SourceID: "ci", Err: errors.New("timeout")},
	}, t0)
	assert.ErrorIs(t, err, incidents.ErrNoSourceData)

	last, err := store.GetLastRefresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestReconciler_AbsenceGracePeriod(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{AbsenceGracePeriod: 2 * time.Minute})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci")}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Resolved)

	outcome, err = r.Reconcile(ctx, []incidents.SourceBatch{batch("ci")}, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Resolved)
}

func TestReconciler_GraceDoesNotDelayExplicitHealthy(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{AbsenceGracePeriod: time.Hour})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{
		batch("ci", snap("ci", "job-1", domain.SeverityLog, t0.Add(time.Second))),
	}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Resolved)
}

func TestReconciler_DuplicateRecordsLatestWins(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})

	outcome, err := r.Reconcile(context.Background(), []incidents.SourceBatch{
		batch("ci",
			snap("ci", "job-1", domain.SeverityError, t0.Add(5*time.Second)),
			snap("ci", "job-1", domain.SeverityLog, t0),
			snap("ci", "job-2", domain.SeverityError, t0),
			snap("ci", "job-2", domain.SeverityWarning, t0),
		),
	}, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Created)

	open := openByJob(t, store)
	assert.Equal(t, domain.SeverityError, open["job-1"].Severity)
	assert.Equal(t, domain.SeverityWarning, open["job-2"].Severity)
}

func TestReconciler_HealthyFromOtherSourceResolves(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
	require.NoError(t, err)

	// cron does not own job-1, so its absence there resolves nothing, but a healthy report does.
	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{
		{SourceID: "ci", Err: errors.New("timeout")},
		batch("cron", snap("cron", "job-9", domain.SeverityLog, t0.Add(time.Second))),
	}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Resolved)

	outcome, err = r.Reconcile(ctx, []incidents.SourceBatch{
		{SourceID: "ci", Err: errors.New("timeout")},
		batch("cron", snap("cron", "job-1", domain.SeverityLog, t0.Add(2*time.Second))),
	}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Resolved)
	assert.Empty(t, openByJob(t, store))
}

func TestReconciler_ReopensAfterResolve(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityError, t0))}, t0)
	require.NoError(t, err)
	first := openByJob(t, store)["job-1"]

	_, err = r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityLog, t0))}, t0.Add(time.Minute))
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, []incidents.SourceBatch{batch("ci", snap("ci", "job-1", domain.SeverityCritical, t0))}, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)

	second := openByJob(t, store)["job-1"]
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.FirstDetectedAt.Equal(t0.Add(2*time.Minute)))
}

func TestReconciler_PublishesRefreshTime(t *testing.T) {
	store := memstore.New()
	r := incidents.NewReconciler(store, incidents.ReconcilerConfig{})

	_, err := r.Reconcile(context.Background(), []incidents.SourceBatch{batch("ci")}, t0)
	require.NoError(t, err)

	last, err := store.GetLastRefresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0))
}
