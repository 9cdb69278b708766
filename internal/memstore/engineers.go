package memstore

import (
	"context"
	"sort"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	"github.com/google/uuid"
)

// CreateEngineer adds an engineer with a unique name.
func (s *Store) CreateEngineer(_ context.Context, engineer *domain.Engineer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.engineers {
		if e.Name == engineer.Name {
			return engineers.ErrEngineerExists
		}
	}

	engineer.ID = uuid.NewString()
	engineer.CreatedAt = s.now().UTC()
	c := *engineer
	s.engineers[c.ID] = &c
	return nil
}

// GetEngineer retrieves an engineer by ID.
func (s *Store) GetEngineer(_ context.Context, id string) (*domain.Engineer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.engineers[id]
	if !ok {
		return nil, engineers.ErrEngineerNotFound
	}
	c := *e
	return &c, nil
}

// ListEngineers returns engineers ordered by level, then name.
func (s *Store) ListEngineers(_ context.Context) ([]*domain.Engineer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*domain.Engineer, 0, len(s.engineers))
	for _, e := range s.engineers {
		c := *e
		list = append(list, &c)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Level != list[j].Level {
			return list[i].Level < list[j].Level
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// DeleteEngineer removes an engineer no incident references.
func (s *Store) DeleteEngineer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.engineers[id]; !ok {
		return engineers.ErrEngineerNotFound
	}

	for _, inc := range s.incidents {
		if inc.ResponderID != nil && *inc.ResponderID == id {
			return engineers.ErrEngineerInUse
		}
	}

	delete(s.engineers, id)
	return nil
}

// CountEngineers returns the roster size.
func (s *Store) CountEngineers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.engineers), nil
}
