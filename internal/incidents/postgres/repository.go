// Package postgres provides PostgreSQL implementation of incidents repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/bissquit/jobwatch/internal/pkg/metrics"
	pgutil "github.com/bissquit/jobwatch/internal/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	lastRefreshKey     = "last_refresh_time"
	defaultLockTimeout = 5 * time.Second
)

const incidentColumns = `
	id, source_id, source_job_id, job_name, severity, priority, state, log_link,
	responder_id, responder_name, first_detected_at, last_seen_at, responded_at, resolved_at,
	inc_number, inc_link, resolution_notes, version, created_at, updated_at
`

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository creates a new PostgreSQL repository.
// lockTimeout bounds how long a writer waits for an incident row lock.
func NewRepository(db *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Repository{db: db, lockTimeout: lockTimeout}
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, incidents.ErrIncidentNotFound
	}

	inc, err := scanIncident(r.db.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// ListOpenIncidents returns all open incidents, oldest first.
func (r *Repository) ListOpenIncidents(ctx context.Context) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE state <> 'RESOLVED'
		ORDER BY first_detected_at, id
	`
	return queryIncidents(ctx, r.db, query)
}

// CountOpenIncidents returns the number of open incidents.
func (r *Repository) CountOpenIncidents(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM incidents WHERE state <> 'RESOLVED'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open incidents: %w", err)
	}
	return n, nil
}

// ListOpenForReconcile returns open incidents of sourceID or of any of jobIDs.
func (r *Repository) ListOpenForReconcile(ctx context.Context, sourceID string, jobIDs []string) ([]*domain.Incident, error) {
	if jobIDs == nil {
		jobIDs = []string{}
	}
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE state <> 'RESOLVED'
			AND (source_id = $1 OR source_job_id = ANY($2))
		ORDER BY first_detected_at, id
	`
	return queryIncidents(ctx, r.db, query, sourceID, jobIDs)
}

// ListIncidentsInRange returns incidents detected, responded or resolved in [from, to).
func (r *Repository) ListIncidentsInRange(ctx context.Context, from, to time.Time) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE (first_detected_at >= $1 AND first_detected_at < $2)
			OR (responded_at >= $1 AND responded_at < $2)
			OR (resolved_at >= $1 AND resolved_at < $2)
		ORDER BY first_detected_at, id
	`
	return queryIncidents(ctx, r.db, query, from, to)
}

// ListRecentlyResolved returns incidents resolved at or after since, newest first.
func (r *Repository) ListRecentlyResolved(ctx context.Context, since time.Time, limit int) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE resolved_at >= $1
		ORDER BY resolved_at DESC, id
		LIMIT $2
	`
	return queryIncidents(ctx, r.db, query, since, limit)
}

// ListAuditEntries returns the audit trail of an incident, oldest first.
func (r *Repository) ListAuditEntries(ctx context.Context, incidentID string) ([]*domain.AuditEntry, error) {
	if _, err := uuid.Parse(incidentID); err != nil {
		return []*domain.AuditEntry{}, nil
	}

	query := `
		SELECT id, incident_id, action, actor, details, created_at
		FROM incident_audit
		WHERE incident_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Action, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// MutateIncident locks the row, calls fn with its current state and writes the
// mutable columns back guarded by the version read under the lock.
func (r *Repository) MutateIncident(ctx context.Context, id string, fn incidents.MutateFunc) (*domain.Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, incidents.ErrIncidentNotFound
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	inc, err := scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		if isLockTimeout(err) {
			metrics.DBTxConflicts.WithLabelValues("mutate_incident").Inc()
			return nil, incidents.ErrConcurrentModification
		}
		return nil, fmt.Errorf("lock incident: %w", err)
	}

	readVersion := inc.Version
	entry, err := fn(inc)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE incidents SET
			state = $3, priority = $4, responder_id = $5, responder_name = $6,
			responded_at = $7, resolved_at = $8, inc_number = $9, inc_link = $10,
			resolution_notes = $11, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err = tx.QueryRow(ctx, query,
		inc.ID,
		readVersion,
		inc.State,
		inc.Priority,
		inc.ResponderID,
		inc.ResponderName,
		inc.RespondedAt,
		inc.ResolvedAt,
		inc.IncNumber,
		inc.IncLink,
		inc.ResolutionNotes,
	).Scan(&inc.Version, &inc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.DBTxConflicts.WithLabelValues("mutate_incident").Inc()
			return nil, incidents.ErrConcurrentModification
		}
		if pgutil.HasCode(err, pgutil.CodeForeignKeyViolation) {
			return nil, engineers.ErrEngineerNotFound
		}
		return nil, fmt.Errorf("update incident: %w", err)
	}

	if entry != nil {
		if err := insertAudit(ctx, tx, inc.ID, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return inc, nil
}

// ApplyReconciliation applies a reconciliation plan and the refresh time in one transaction.
func (r *Repository) ApplyReconciliation(ctx context.Context, plan *incidents.ReconcilePlan) (*incidents.ReconcileOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	outcome := &incidents.ReconcileOutcome{}

	for _, c := range plan.Creates {
		created, err := createIncident(ctx, tx, c)
		if err != nil {
			return nil, r.reconcileError(err)
		}
		if created {
			outcome.Created++
		} else {
			outcome.Skipped++
		}
	}

	for _, ref := range plan.Refreshes {
		updated, applied, err := refreshIncident(ctx, tx, ref)
		if err != nil {
			return nil, r.reconcileError(err)
		}
		switch {
		case !applied:
			outcome.Skipped++
		case updated:
			outcome.Updated++
		}
	}

	for _, res := range plan.Resolves {
		resolved, err := autoResolveIncident(ctx, tx, res)
		if err != nil {
			return nil, r.reconcileError(err)
		}
		if resolved {
			outcome.Resolved++
		} else {
			outcome.Skipped++
		}
	}

	query := `
		INSERT INTO app_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, lastRefreshKey, plan.RefreshedAt); err != nil {
		return nil, fmt.Errorf("store last refresh time: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return outcome, nil
}

// GetLastRefresh returns the persisted time of the last applied reconciliation, or nil.
func (r *Repository) GetLastRefresh(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := r.db.QueryRow(ctx, `SELECT value FROM app_state WHERE key = $1`, lastRefreshKey).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last refresh time: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func (r *Repository) setLockTimeout(ctx context.Context, tx pgx.Tx) error {
	// SET does not take bind parameters.
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	return nil
}

func (r *Repository) reconcileError(err error) error {
	if isLockTimeout(err) {
		metrics.DBTxConflicts.WithLabelValues("apply_reconciliation").Inc()
		return incidents.ErrConcurrentModification
	}
	return err
}

func createIncident(ctx context.Context, q querier, inc *domain.Incident) (bool, error) {
	query := `
		INSERT INTO incidents (
			source_id, source_job_id, job_name, severity, state, log_link,
			first_detected_at, last_seen_at
		) VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7)
		ON CONFLICT (source_job_id) WHERE state <> 'RESOLVED' DO NOTHING
		RETURNING id
	`
	var id string
	err := q.QueryRow(ctx, query,
		inc.SourceID,
		inc.SourceJobID,
		inc.JobName,
		inc.Severity,
		inc.LogLink,
		inc.FirstDetectedAt,
		inc.LastSeenAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("create incident %s: %w", inc.SourceJobID, err)
	}

	err = insertAudit(ctx, q, id, &domain.AuditEntry{
		Action:  domain.AuditActionDetected,
		Actor:   domain.SystemActor,
		Details: string(inc.Severity),
	})
	return err == nil, err
}

// refreshIncident reports whether the source-owned fields changed and whether
// the row was still open.
func refreshIncident(ctx context.Context, q querier, ref incidents.SeverityRefresh) (bool, bool, error) {
	var (
		severity domain.Severity
		jobName  string
		logLink  string
	)
	err := q.QueryRow(ctx, `
		SELECT severity, job_name, log_link
		FROM incidents
		WHERE id = $1 AND state <> 'RESOLVED'
		FOR UPDATE
	`, ref.IncidentID).Scan(&severity, &jobName, &logLink)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("lock incident %s: %w", ref.IncidentID, err)
	}

	if severity == ref.Severity && jobName == ref.JobName && logLink == ref.LogLink {
		if _, err := q.Exec(ctx, `UPDATE incidents SET last_seen_at = $2 WHERE id = $1`, ref.IncidentID, ref.SeenAt); err != nil {
			return false, false, fmt.Errorf("touch incident %s: %w", ref.IncidentID, err)
		}
		return false, true, nil
	}

	query := `
		UPDATE incidents SET
			severity = $2, job_name = $3, log_link = $4, last_seen_at = $5,
			version = version + 1, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, ref.IncidentID, ref.Severity, ref.JobName, ref.LogLink, ref.SeenAt); err != nil {
		return false, false, fmt.Errorf("refresh incident %s: %w", ref.IncidentID, err)
	}

	if severity != ref.Severity {
		err := insertAudit(ctx, q, ref.IncidentID, &domain.AuditEntry{
			Action:  domain.AuditActionSeverityChanged,
			Actor:   domain.SystemActor,
			Details: string(severity) + " -> " + string(ref.Severity),
		})
		if err != nil {
			return false, false, err
		}
	}
	return true, true, nil
}

func autoResolveIncident(ctx context.Context, q querier, res incidents.AutoResolve) (bool, error) {
	query := `
		UPDATE incidents SET
			state = 'RESOLVED', resolved_at = $2, resolution_notes = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND state <> 'RESOLVED'
	`
	tag, err := q.Exec(ctx, query, res.IncidentID, res.ResolvedAt, res.Notes)
	if err != nil {
		return false, fmt.Errorf("auto-resolve incident %s: %w", res.IncidentID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	err = insertAudit(ctx, q, res.IncidentID, &domain.AuditEntry{
		Action:  domain.AuditActionAutoResolved,
		Actor:   domain.SystemActor,
		Details: res.Notes,
	})
	return err == nil, err
}

func insertAudit(ctx context.Context, q querier, incidentID string, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO incident_audit (incident_id, action, actor, details)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := q.Exec(ctx, query, incidentID, entry.Action, entry.Actor, entry.Details); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func queryIncidents(ctx context.Context, q querier, query string, args ...any) ([]*domain.Incident, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		list = append(list, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return list, nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(
		&inc.ID,
		&inc.SourceID,
		&inc.SourceJobID,
		&inc.JobName,
		&inc.Severity,
		&inc.Priority,
		&inc.State,
		&inc.LogLink,
		&inc.ResponderID,
		&inc.ResponderName,
		&inc.FirstDetectedAt,
		&inc.LastSeenAt,
		&inc.RespondedAt,
		&inc.ResolvedAt,
		&inc.IncNumber,
		&inc.IncLink,
		&inc.ResolutionNotes,
		&inc.Version,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func isLockTimeout(err error) bool {
	return pgutil.HasCode(err, pgutil.CodeLockNotAvailable)
}
