package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store. Callers that read rows in order to
// write them back read here: a reader that missed the cache can re-populate
// it with a row older than the last commit.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write-through (write to primary, invalidate cache) ---

// Commit writes to the primary and then drops every cached row the
// changeset touched; the next read re-populates.
func (s *CachedStore) Commit(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	var keys []string
	for _, v := range cs.Vaults {
		keys = append(keys, vaultKey(v.Mint))
	}
	for _, c := range cs.Caches {
		keys = append(keys, cacheKey(c.Mint))
	}
	for _, p := range cs.Positions {
		keys = append(keys, positionKey(p.ID))
	}
	for _, p := range cs.NewPositions {
		keys = append(keys, positionKey(p.ID))
	}
	for _, id := range cs.DeletedPositions {
		keys = append(keys, positionKey(id))
	}
	for _, mint := range cs.DeletedVaults {
		keys = append(keys, vaultKey(mint), cacheKey(mint))
	}
	if cs.Registry != nil {
		keys = append(keys, registryKey)
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVault(ctx context.Context, mint string) (*model.Vault, error) {
	var v model.Vault
	if s.get(ctx, vaultKey(mint), &v) {
		return &v, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetVault(ctx, mint)
	if err != nil {
		return nil, err
	}
	s.set(ctx, vaultKey(mint), got)
	return got, nil
}

func (s *CachedStore) GetVaultCache(ctx context.Context, mint string) (*model.VaultCache, error) {
	var c model.VaultCache
	if s.get(ctx, cacheKey(mint), &c) {
		return &c, nil
	}

	got, err := s.primary.GetVaultCache(ctx, mint)
	if err != nil {
		return nil, err
	}
	s.set(ctx, cacheKey(mint), got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.get(ctx, positionKey(id), &p) {
		return &p, nil
	}

	got, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(id), got)
	return got, nil
}

func (s *CachedStore) GetRegistry(ctx context.Context) (*model.Registry, error) {
	r := model.NewRegistry()
	if s.get(ctx, registryKey, r) {
		return r, nil
	}

	got, err := s.primary.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, registryKey, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListVaults(ctx context.Context) ([]model.Vault, error) {
	return s.primary.ListVaults(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, f)
}

func (s *CachedStore) GetConfig(ctx context.Context) (*model.Config, error) {
	return s.primary.GetConfig(ctx)
}

func (s *CachedStore) GetJournalByMint(ctx context.Context, mint string) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByMint(ctx, mint)
}

func (s *CachedStore) GetJournalByAuthority(ctx context.Context, authority string) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByAuthority(ctx, authority)
}

// --- Cache helpers ---

// get reports whether key held a decodable value. Any Redis error is a miss.
func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// set caches a pointer value. Pointers keep 128-bit fields encoded as
// decimal strings.
func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const registryKey = "registry"

func vaultKey(mint string) string  { return fmt.Sprintf("vault:%s", mint) }
func cacheKey(mint string) string  { return fmt.Sprintf("vault-cache:%s", mint) }
func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
