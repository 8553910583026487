package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	vaults    map[string]*model.Vault
	caches    map[string]*model.VaultCache
	positions map[string]*model.Position
	registry  *model.Registry
	config    *model.Config
	journal   []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:    make(map[string]*model.Vault),
		caches:    make(map[string]*model.VaultCache),
		positions: make(map[string]*model.Position),
		registry:  model.NewRegistry(),
	}
}

func (s *MemoryStore) GetVault(_ context.Context, mint string) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[mint]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", mint, model.ErrNotFound)
	}
	copy := *v
	return &copy, nil
}

func (s *MemoryStore) GetVaultCache(_ context.Context, mint string) (*model.VaultCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.caches[mint]
	if !ok {
		return nil, fmt.Errorf("vault cache %s: %w", mint, model.ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListVaults(_ context.Context) ([]model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vaults := make([]model.Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		vaults = append(vaults, *v)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].CacheIndex < vaults[j].CacheIndex })
	return vaults, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if f.match(p) {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].OpenedAt.Before(positions[j].OpenedAt) })
	return positions, nil
}

func (s *MemoryStore) GetRegistry(_ context.Context) (*model.Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Clone(), nil
}

func (s *MemoryStore) GetConfig(_ context.Context) (*model.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, fmt.Errorf("config: %w", model.ErrNotFound)
	}
	copy := *s.config
	return &copy, nil
}

func (s *MemoryStore) GetJournalByMint(_ context.Context, mint string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Mint == mint {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetJournalByAuthority(_ context.Context, authority string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Authority == authority {
			result = append(result, e)
		}
	}
	return result, nil
}

// Commit applies cs under a single write lock, so readers never observe a
// partially applied changeset.
func (s *MemoryStore) Commit(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make(map[string]bool, len(cs.NewPositions))
	for _, p := range cs.NewPositions {
		if _, ok := s.positions[p.ID]; ok || inserted[p.ID] {
			return fmt.Errorf("insert position %s: %w", p.ID, model.ErrAlreadyExists)
		}
		inserted[p.ID] = true
	}
	for _, id := range cs.DeletedPositions {
		if _, ok := s.positions[id]; !ok {
			return fmt.Errorf("delete position %s: %w", id, model.ErrNotFound)
		}
	}
	for _, mint := range cs.DeletedVaults {
		if _, ok := s.vaults[mint]; !ok {
			return fmt.Errorf("delete vault %s: %w", mint, model.ErrNotFound)
		}
	}

	// Store copies to avoid external mutation.
	for _, v := range cs.Vaults {
		copy := *v
		s.vaults[v.Mint] = &copy
	}
	for _, c := range cs.Caches {
		copy := *c
		s.caches[c.Mint] = &copy
	}
	for _, p := range cs.NewPositions {
		copy := *p
		s.positions[p.ID] = &copy
	}
	for _, p := range cs.Positions {
		copy := *p
		s.positions[p.ID] = &copy
	}
	for _, id := range cs.DeletedPositions {
		delete(s.positions, id)
	}
	for _, mint := range cs.DeletedVaults {
		delete(s.vaults, mint)
		delete(s.caches, mint)
	}
	if cs.Registry != nil {
		s.registry = cs.Registry.Clone()
	}
	if cs.Config != nil {
		copy := *cs.Config
		s.config = &copy
	}
	s.journal = append(s.journal, cs.Journal...)
	return nil
}
