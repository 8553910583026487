// Package model defines the core domain types shared across the vault engine.
// Settled quantities are integers: uint64 for per-position token amounts and
// 128-bit words (holiman/uint256, capped at 128 bits by package fixed) for
// vault-wide aggregates. Never float64 for money.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fixed"
)

var (
	// ErrNotFound is returned by stores for a missing row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by stores when creating a duplicate row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrReservedExceedsDeposits is returned when an update would leave a
	// vault with more liquidity reserved than deposited.
	ErrReservedExceedsDeposits = errors.New("vault: reserved liquidity exceeds deposits")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("config: invalid fee schedule")
)

// Direction is the side of a leveraged position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is Long or Short.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Position is one authority's leveraged exposure against one vault.
// Reserved always equals Size - Collateral: the liquidity the position has
// borrowed from the vault. The escrow holds Size tokens.
type Position struct {
	ID                 string      `json:"id" db:"id"`
	Authority          string      `json:"authority" db:"authority"`
	Mint               string      `json:"mint" db:"mint"`
	Collateral         uint64      `json:"collateral" db:"collateral"`
	Size               uint64      `json:"size" db:"size"`
	Reserved           uint64      `json:"reserved" db:"reserved"`
	GuaranteedUSD      uint256.Int `json:"guaranteed_usd" db:"guaranteed_usd"` // longs only
	AvgEntryPrice      uint64      `json:"avg_entry_price" db:"avg_entry_price"`
	Direction          Direction   `json:"direction" db:"direction"`
	LastFundingIndex   uint256.Int `json:"last_funding_index" db:"last_funding_index"`
	LastFundingPayment int64       `json:"last_funding_payment" db:"last_funding_payment"`
	OpenedAt           time.Time   `json:"opened_at" db:"opened_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// Borrowed is the part of the position financed by the vault.
func (p *Position) Borrowed() uint64 {
	if p.Size < p.Collateral {
		return 0
	}
	return p.Size - p.Collateral
}

// Config is the global fee schedule. All values are basis points.
type Config struct {
	TaxBps           uint16 `json:"tax_bps" yaml:"tax_bps"`
	StableTaxBps     uint16 `json:"stable_tax_bps" yaml:"stable_tax_bps"`
	MintBurnFeeBps   uint16 `json:"mint_burn_fee_bps" yaml:"mint_burn_fee_bps"`
	SwapFeeBps       uint16 `json:"swap_fee_bps" yaml:"swap_fee_bps"`
	StableSwapFeeBps uint16 `json:"stable_swap_fee_bps" yaml:"stable_swap_fee_bps"`
	MarginFeeBps     uint16 `json:"margin_fee_bps" yaml:"margin_fee_bps"`
}

// DefaultConfig is the schedule used when none is configured.
func DefaultConfig() Config {
	return Config{
		TaxBps:           50,
		StableTaxBps:     5,
		MintBurnFeeBps:   30,
		SwapFeeBps:       30,
		StableSwapFeeBps: 4,
		MarginFeeBps:     10,
	}
}

// Validate rejects any rate at or above 100%.
func (c Config) Validate() error {
	fields := []struct {
		name string
		bps  uint16
	}{
		{"tax_bps", c.TaxBps},
		{"stable_tax_bps", c.StableTaxBps},
		{"mint_burn_fee_bps", c.MintBurnFeeBps},
		{"swap_fee_bps", c.SwapFeeBps},
		{"stable_swap_fee_bps", c.StableSwapFeeBps},
		{"margin_fee_bps", c.MarginFeeBps},
	}
	for _, f := range fields {
		if uint64(f.bps) >= fixed.BasisPointsDivisor {
			return fmt.Errorf("%w: %s=%d must be below %d", ErrInvalidConfig, f.name, f.bps, fixed.BasisPointsDivisor)
		}
	}
	return nil
}

// Registry is the global LP weighting table. A vault's target debt is its
// weight-proportional share of the LP supply.
type Registry struct {
	Weights      map[uint16]uint64 `json:"weights"`
	TotalWeights uint64            `json:"total_weights"`
	LPSupply     uint256.Int       `json:"lp_supply"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Weights: make(map[uint16]uint64)}
}

// SetWeight registers or replaces the weight of a cache index.
func (r *Registry) SetWeight(index uint16, weight uint64) {
	if r.Weights == nil {
		r.Weights = make(map[uint16]uint64)
	}
	r.TotalWeights -= r.Weights[index]
	r.Weights[index] = weight
	r.TotalWeights += weight
}

// RemoveWeight drops a cache index.
func (r *Registry) RemoveWeight(index uint16) {
	r.TotalWeights -= r.Weights[index]
	delete(r.Weights, index)
}

// NextIndex returns the smallest unused cache index.
func (r *Registry) NextIndex() uint16 {
	var i uint16
	for {
		if _, ok := r.Weights[i]; !ok {
			return i
		}
		i++
	}
}

// TargetDebt is LPSupply * weight / TotalWeights, zero for an unweighted
// registry.
func (r *Registry) TargetDebt(index uint16) (uint256.Int, error) {
	if r.TotalWeights == 0 {
		return uint256.Int{}, nil
	}
	return fixed.MulDiv(r.LPSupply, fixed.U64(r.Weights[index]), fixed.U64(r.TotalWeights))
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	c := &Registry{
		Weights:      make(map[uint16]uint64, len(r.Weights)),
		TotalWeights: r.TotalWeights,
		LPSupply:     r.LPSupply,
	}
	for k, v := range r.Weights {
		c.Weights[k] = v
	}
	return c
}

// JournalEntry is an immutable record of one executed effect or emitted event.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID         string          `json:"id" db:"id"`
	Op         string          `json:"op" db:"op"`
	Mint       string          `json:"mint" db:"mint"`
	Authority  string          `json:"authority,omitempty" db:"authority"`
	PositionID string          `json:"position_id,omitempty" db:"position_id"`
	Kind       string          `json:"kind" db:"kind"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Changeset is every row one operation touched. Stores apply it atomically.
type Changeset struct {
	Vaults           []*Vault
	Caches           []*VaultCache
	Positions        []*Position
	NewPositions     []*Position // inserted; a stored ID fails with ErrAlreadyExists
	DeletedPositions []string
	DeletedVaults    []string
	Registry         *Registry
	Config           *Config
	Journal          []JournalEntry
}
