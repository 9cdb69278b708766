// Package engineers manages the on-call engineer roster.
package engineers

import (
	"context"

	"github.com/bissquit/jobwatch/internal/domain"
)

// Repository defines the interface for engineer data access.
type Repository interface {
	CreateEngineer(ctx context.Context, engineer *domain.Engineer) error
	GetEngineer(ctx context.Context, id string) (*domain.Engineer, error)
	// ListEngineers returns engineers ordered by level, then name.
	ListEngineers(ctx context.Context) ([]*domain.Engineer, error)
	// DeleteEngineer fails with ErrEngineerInUse while any incident references the engineer.
	DeleteEngineer(ctx context.Context, id string) error
	CountEngineers(ctx context.Context) (int, error)
}
