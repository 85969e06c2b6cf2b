package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/domain"
)

// VenueManager owns the registry of loaded venues. It is injected state,
// empty at process start and drained on shutdown, never an ambient global.
type VenueManager struct {
	store  VenueStore
	engine MediaEngine

	mu     sync.RWMutex
	loaded map[domain.VenueID]*Venue
}

func NewVenueManager(store VenueStore, engine MediaEngine) *VenueManager {
	return &VenueManager{
		store:  store,
		engine: engine,
		loaded: make(map[domain.VenueID]*Venue),
	}
}

// Create persists a new venue record and returns its id. It does not load
// the venue into memory.
func (m *VenueManager) Create(ctx context.Context, name string, owner domain.UserID) (domain.VenueID, error) {
	record, err := domain.NewVenueRecord(name, owner)
	if err != nil {
		return "", err
	}
	if err := m.store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persist venue: %w", err)
	}
	log.Info().Str("module", "core.venues").Str("venue", string(record.ID)).
		Str("name", name).Msg("venue created")
	return record.ID, nil
}

// Load fetches the persisted record, acquires a routing context and
// registers the instance. Loading an id that is already loaded is a hard
// error; callers wanting the existing instance must use GetLoaded.
func (m *VenueManager) Load(ctx context.Context, id domain.VenueID) (*Venue, error) {
	m.mu.RLock()
	_, exists := m.loaded[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}

	record, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load venue %s: %w", id, err)
	}

	router, err := m.engine.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire routing context: %w", err)
	}

	venue := newVenue(record, router, m)

	m.mu.Lock()
	if _, exists := m.loaded[id]; exists {
		m.mu.Unlock()
		// Lost the race against a concurrent Load of the same id; release
		// the routing context we acquired and report the conflict.
		if cerr := router.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("module", "core.venues").Msg("router close after load race")
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}
	m.loaded[id] = venue
	m.mu.Unlock()

	log.Info().Str("module", "core.venues").Str("venue", string(id)).Msg("venue loaded")
	return venue, nil
}

func (m *VenueManager) GetLoaded(id domain.VenueID) (*Venue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	venue, ok := m.loaded[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return venue, nil
}

func (m *VenueManager) IsLoaded(id domain.VenueID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaded[id]
	return ok
}

// FindByName is a persistence lookup; it says nothing about whether the
// venue is loaded.
func (m *VenueManager) FindByName(ctx context.Context, name string) (*domain.VenueRecord, error) {
	return m.store.FindByName(ctx, name)
}

// Drain unloads every venue. Called on shutdown.
func (m *VenueManager) Drain() {
	m.mu.RLock()
	venues := make([]*Venue, 0, len(m.loaded))
	for _, v := range m.loaded {
		venues = append(venues, v)
	}
	m.mu.RUnlock()

	for _, v := range venues {
		v.Unload()
	}
}

func (m *VenueManager) deregister(id domain.VenueID) {
	m.mu.Lock()
	delete(m.loaded, id)
	m.mu.Unlock()
}
