package engineers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bissquit/jobwatch/internal/domain"
)

// Service implements roster business logic.
type Service struct {
	repo Repository
}

// NewService creates a new engineers service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Add creates an engineer.
func (s *Service) Add(ctx context.Context, name string, level domain.EngineerLevel) (*domain.Engineer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if !level.IsValid() {
		return nil, ErrInvalidLevel
	}

	engineer := &domain.Engineer{Name: name, Level: level}
	if err := s.repo.CreateEngineer(ctx, engineer); err != nil {
		return nil, fmt.Errorf("create engineer: %w", err)
	}
	return engineer, nil
}

// GetEngineer returns an engineer by ID.
func (s *Service) GetEngineer(ctx context.Context, id string) (*domain.Engineer, error) {
	engineer, err := s.repo.GetEngineer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get engineer: %w", err)
	}
	return engineer, nil
}

// List returns the roster ordered by level, then name.
func (s *Service) List(ctx context.Context) ([]*domain.Engineer, error) {
	list, err := s.repo.ListEngineers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list engineers: %w", err)
	}
	return list, nil
}

// Remove deletes an engineer that no incident references.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.DeleteEngineer(ctx, id); err != nil {
		return fmt.Errorf("delete engineer: %w", err)
	}
	return nil
}

// Seed creates the given engineers when the roster is empty.
func (s *Service) Seed(ctx context.Context, seed []domain.Engineer) error {
	n, err := s.repo.CountEngineers(ctx)
	if err != nil {
		return fmt.Errorf("count engineers: %w", err)
	}
	if n > 0 {
		return nil
	}

	for _, e := range seed {
		if _, err := s.Add(ctx, e.Name, e.Level); err != nil {
			return fmt.Errorf("seed engineer %s: %w", e.Name, err)
		}
	}

	slog.Info("seeded engineer roster", "count", len(seed))
	return nil
}
