package model

import "github.com/holiman/uint256"

// Event is an observability record emitted by a successful operation.
// Implementations are always pointers so that 128-bit fields marshal as
// decimal strings.
type Event interface {
	EventName() string
}

type PositionOpened struct {
	Position   string    `json:"position"`
	Authority  string    `json:"authority"`
	Mint       string    `json:"mint"`
	Size       uint64    `json:"size"`
	Collateral uint64    `json:"collateral"`
	Direction  Direction `json:"direction"`
	Price      uint64    `json:"price"`
}

type PositionIncreased struct {
	Position           string      `json:"position"`
	Authority          string      `json:"authority"`
	Mint               string      `json:"mint"`
	SizeDelta          uint64      `json:"size_delta"`
	CollateralDeltaUSD uint256.Int `json:"collateral_delta_usd"`
	Fee                uint64      `json:"fee"`
	Price              uint64      `json:"price"`
}

type PositionDecreased struct {
	Position  string `json:"position"`
	Authority string `json:"authority"`
	Mint      string `json:"mint"`
	SizeDelta uint64 `json:"size_delta"`
	Repaid    uint64 `json:"repaid"`
	Returned  uint64 `json:"returned"`
	Fee       uint64 `json:"fee"`
	Price     uint64 `json:"price"`
}

type CollateralChanged struct {
	Position  string `json:"position"`
	Authority string `json:"authority"`
	Mint      string `json:"mint"`
	Increase  bool   `json:"increase"`
	Amount    uint64 `json:"amount"`
}

type FundingPaid struct {
	Position  string      `json:"position"`
	Authority string      `json:"authority"`
	Mint      string      `json:"mint"`
	Amount    uint64      `json:"amount"`
	Index     uint256.Int `json:"index"`
}

type PositionClosed struct {
	Position    string `json:"position"`
	Authority   string `json:"authority"`
	Mint        string `json:"mint"`
	Repaid      uint64 `json:"repaid"`
	Returned    uint64 `json:"returned"`
	Destination string `json:"destination"`
}

type PositionLiquidated struct {
	Position  string `json:"position"`
	Authority string `json:"authority"`
	Mint      string `json:"mint"`
	Funding   uint64 `json:"funding"`
	Repaid    uint64 `json:"repaid"`
	Returned  uint64 `json:"returned"`
	Reason    string `json:"reason"`
}

type LiquidityDeposited struct {
	Mint      string      `json:"mint"`
	Authority string      `json:"authority"`
	Amount    uint64      `json:"amount"`
	Fee       uint64      `json:"fee"`
	LPMinted  uint256.Int `json:"lp_minted"`
}

type LiquidityWithdrawn struct {
	Mint      string      `json:"mint"`
	Authority string      `json:"authority"`
	LPBurned  uint256.Int `json:"lp_burned"`
	Amount    uint64      `json:"amount"`
	Fee       uint64      `json:"fee"`
}

type Swapped struct {
	Authority string `json:"authority"`
	MintIn    string `json:"mint_in"`
	MintOut   string `json:"mint_out"`
	AmountIn  uint64 `json:"amount_in"`
	AmountOut uint64 `json:"amount_out"`
	Fee       uint64 `json:"fee"`
}

type VaultCreated struct {
	Mint        string `json:"mint"`
	Decimals    uint8  `json:"decimals"`
	MaxLeverage uint64 `json:"max_leverage"`
	CacheIndex  uint16 `json:"cache_index"`
}

type VaultClosed struct {
	Mint string `json:"mint"`
}

func (*PositionOpened) EventName() string     { return "position_opened" }
func (*PositionIncreased) EventName() string  { return "position_increased" }
func (*PositionDecreased) EventName() string  { return "position_decreased" }
func (*CollateralChanged) EventName() string  { return "collateral_changed" }
func (*FundingPaid) EventName() string        { return "funding_paid" }
func (*PositionClosed) EventName() string     { return "position_closed" }
func (*PositionLiquidated) EventName() string { return "position_liquidated" }
func (*LiquidityDeposited) EventName() string { return "liquidity_deposited" }
func (*LiquidityWithdrawn) EventName() string { return "liquidity_withdrawn" }
func (*Swapped) EventName() string            { return "swapped" }
func (*VaultCreated) EventName() string       { return "vault_created" }
func (*VaultClosed) EventName() string        { return "vault_closed" }

// Scope names the vaults and the authority an event concerns.
type Scope struct {
	Mints     []string
	Authority string
}

// ScopeOf returns the scope of e.
func ScopeOf(e Event) Scope {
	switch ev := e.(type) {
	case *PositionOpened:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *PositionIncreased:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *PositionDecreased:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *CollateralChanged:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *FundingPaid:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *PositionClosed:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *PositionLiquidated:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *LiquidityDeposited:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *LiquidityWithdrawn:
		return Scope{[]string{ev.Mint}, ev.Authority}
	case *Swapped:
		return Scope{[]string{ev.MintIn, ev.MintOut}, ev.Authority}
	case *VaultCreated:
		return Scope{Mints: []string{ev.Mint}}
	case *VaultClosed:
		return Scope{Mints: []string{ev.Mint}}
	}
	return Scope{}
}
