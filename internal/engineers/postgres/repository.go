// Package postgres provides PostgreSQL implementation of engineers repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	pgutil "github.com/bissquit/jobwatch/internal/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements engineers.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateEngineer inserts an engineer.
func (r *Repository) CreateEngineer(ctx context.Context, engineer *domain.Engineer) error {
	query := `
		INSERT INTO engineers (name, level)
		VALUES ($1, $2)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, engineer.Name, engineer.Level).Scan(&engineer.ID, &engineer.CreatedAt)
	if err != nil {
		if pgutil.HasCode(err, pgutil.CodeUniqueViolation) {
			return engineers.ErrEngineerExists
		}
		return fmt.Errorf("create engineer: %w", err)
	}
	return nil
}

// GetEngineer retrieves an engineer by ID.
func (r *Repository) GetEngineer(ctx context.Context, id string) (*domain.Engineer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, engineers.ErrEngineerNotFound
	}

	query := `
		SELECT id, name, level, created_at
		FROM engineers
		WHERE id = $1
	`
	var e domain.Engineer
	err := r.db.QueryRow(ctx, query, id).Scan(&e.ID, &e.Name, &e.Level, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engineers.ErrEngineerNotFound
		}
		return nil, fmt.Errorf("get engineer: %w", err)
	}
	return &e, nil
}

// ListEngineers returns engineers ordered by level, then name.
func (r *Repository) ListEngineers(ctx context.Context) ([]*domain.Engineer, error) {
	query := `
		SELECT id, name, level, created_at
		FROM engineers
		ORDER BY level, name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list engineers: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Engineer, 0)
	for rows.Next() {
		var e domain.Engineer
		if err := rows.Scan(&e.ID, &e.Name, &e.Level, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan engineer: %w", err)
		}
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engineers: %w", err)
	}
	return list, nil
}

// DeleteEngineer removes an engineer. The incidents foreign key rejects
// deleting an engineer that is still referenced.
func (r *Repository) DeleteEngineer(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return engineers.ErrEngineerNotFound
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM engineers WHERE id = $1`, id)
	if err != nil {
		if pgutil.HasCode(err, pgutil.CodeForeignKeyViolation) {
			return engineers.ErrEngineerInUse
		}
		return fmt.Errorf("delete engineer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engineers.ErrEngineerNotFound
	}
	return nil
}

// CountEngineers returns the roster size.
func (r *Repository) CountEngineers(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM engineers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count engineers: %w", err)
	}
	return n, nil
}
