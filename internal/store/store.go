// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/vault-engine/internal/model"
)

// PositionFilter narrows ListPositions. Empty fields match everything.
type PositionFilter struct {
	Authority string
	Mint      string
}

func (f PositionFilter) match(p *model.Position) bool {
	return (f.Authority == "" || p.Authority == f.Authority) &&
		(f.Mint == "" || p.Mint == f.Mint)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Reads return copies. Missing rows are reported as model.ErrNotFound.
type Store interface {
	// --- Vaults ---

	// GetVault retrieves a vault by its mint.
	GetVault(ctx context.Context, mint string) (*model.Vault, error)

	// GetVaultCache retrieves the oracle and open-interest state of a vault.
	GetVaultCache(ctx context.Context, mint string) (*model.VaultCache, error)

	// ListVaults returns all vaults ordered by cache index.
	ListVaults(ctx context.Context) ([]model.Vault, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns open positions matching f.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// --- Globals ---

	// GetRegistry returns the LP weighting table, empty if never written.
	GetRegistry(ctx context.Context) (*model.Registry, error)

	// GetConfig returns the fee schedule, or model.ErrNotFound if none was
	// ever written.
	GetConfig(ctx context.Context) (*model.Config, error)

	// --- Immutable journal ---

	// GetJournalByMint returns journal entries touching a vault, oldest first.
	GetJournalByMint(ctx context.Context, mint string) ([]model.JournalEntry, error)

	// GetJournalByAuthority returns journal entries signed by an authority.
	GetJournalByAuthority(ctx context.Context, authority string) ([]model.JournalEntry, error)

	// --- Writes ---

	// Commit applies every row in cs in one atomic step: upserts, inserts,
	// deletes, registry and config replacement, and journal appends. An
	// inserted position whose ID exists fails the whole changeset with
	// model.ErrAlreadyExists.
	Commit(ctx context.Context, cs *model.Changeset) error
}

// Primary returns the store of record behind st: the wrapped store of a
// cache, or st itself.
func Primary(st Store) Store {
	if c, ok := st.(interface{ Primary() Store }); ok {
		return c.Primary()
	}
	return st
}
