// Package store provides the persistence backends for venue and user
// records. The orchestration layer only sees the core store interfaces.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/domain"
)

// MemoryStore keeps records in process memory. It is the default backend
// and the one tests run against.
type MemoryStore struct {
	mu     sync.RWMutex
	venues map[domain.VenueID]domain.VenueRecord
	users  map[domain.UserID]domain.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		venues: make(map[domain.VenueID]domain.VenueRecord),
		users:  make(map[domain.UserID]domain.User),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *domain.VenueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id domain.VenueID) (*domain.VenueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: venue %s", core.ErrNotFound, id)
	}
	return &rec, nil
}

func (s *MemoryStore) FindByName(ctx context.Context, name string) (*domain.VenueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.venues {
		if rec.Name == name {
			found := rec
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: venue named %q", core.ErrNotFound, name)
}

func (s *MemoryStore) Update(ctx context.Context, rec *domain.VenueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.venues[rec.ID]; !ok {
		return fmt.Errorf("%w: venue %s", core.ErrNotFound, rec.ID)
	}
	s.venues[rec.ID] = *rec
	return nil
}

// Users returns the user-store view over the same backing memory.
func (s *MemoryStore) Users() core.UserStore {
	return (*memoryUsers)(s)
}

type memoryUsers MemoryStore

func (s *memoryUsers) Create(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *memoryUsers) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", core.ErrNotFound, id)
	}
	return &u, nil
}

func (s *memoryUsers) Update(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return fmt.Errorf("%w: user %s", core.ErrNotFound, u.ID)
	}
	s.users[u.ID] = *u
	return nil
}
