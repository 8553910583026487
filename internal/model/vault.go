package model

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/oracle"
)

// Vault is the pooled liquidity of one underlying asset.
//
// Deposits and Reserved are native token units. DebtAmount (LP redemption
// debt) and GuaranteedUSD are USD at fixed.QuoteTokenDecimals. None of them
// may go below zero; Reserved may never exceed Deposits.
type Vault struct {
	Mint                  string      `json:"mint" db:"mint"`
	Decimals              uint8       `json:"decimals" db:"decimals"`
	IsStable              bool        `json:"is_stable" db:"is_stable"`
	HasDynamicFees        bool        `json:"has_dynamic_fees" db:"has_dynamic_fees"`
	MaxLeverage           uint64      `json:"max_leverage" db:"max_leverage"` // bps
	CacheIndex            uint16      `json:"cache_index" db:"cache_index"`
	Deposits              uint256.Int `json:"deposits" db:"deposits"`
	Reserved              uint256.Int `json:"reserved" db:"reserved"`
	DebtAmount            uint256.Int `json:"debt_amount" db:"debt_amount"`
	GuaranteedUSD         uint256.Int `json:"guaranteed_usd" db:"guaranteed_usd"`
	CumulativeFundingRate uint256.Int `json:"cumulative_funding_rate" db:"cumulative_funding_rate"`
	LastFundingUpdate     int64       `json:"last_funding_update" db:"last_funding_update"`
	CreatedAt             time.Time   `json:"created_at" db:"created_at"`
}

// Available is the liquidity not earmarked for open positions.
func (v *Vault) Available() uint256.Int {
	avail, err := fixed.Sub(v.Deposits, v.Reserved)
	if err != nil {
		return uint256.Int{}
	}
	return avail
}

// IncreasePool adds liquidity to the vault.
func (v *Vault) IncreasePool(amount uint256.Int) error {
	next, err := fixed.Add(v.Deposits, amount)
	if err != nil {
		return err
	}
	v.Deposits = next
	return nil
}

// DecreasePool removes liquidity. Reserved liquidity cannot be removed.
func (v *Vault) DecreasePool(amount uint256.Int) error {
	next, err := fixed.Sub(v.Deposits, amount)
	if err != nil {
		return err
	}
	if v.Reserved.Gt(&next) {
		return ErrReservedExceedsDeposits
	}
	v.Deposits = next
	return nil
}

// IncreaseReserved earmarks liquidity for a position.
func (v *Vault) IncreaseReserved(amount uint256.Int) error {
	next, err := fixed.Add(v.Reserved, amount)
	if err != nil {
		return err
	}
	if next.Gt(&v.Deposits) {
		return ErrReservedExceedsDeposits
	}
	v.Reserved = next
	return nil
}

// DecreaseReserved releases earmarked liquidity.
func (v *Vault) DecreaseReserved(amount uint256.Int) error {
	next, err := fixed.Sub(v.Reserved, amount)
	if err != nil {
		return err
	}
	v.Reserved = next
	return nil
}

func (v *Vault) IncreaseDebt(amount uint256.Int) error {
	next, err := fixed.Add(v.DebtAmount, amount)
	if err != nil {
		return err
	}
	v.DebtAmount = next
	return nil
}

func (v *Vault) DecreaseDebt(amount uint256.Int) error {
	next, err := fixed.Sub(v.DebtAmount, amount)
	if err != nil {
		return err
	}
	v.DebtAmount = next
	return nil
}

func (v *Vault) IncreaseGuaranteedUSD(amount uint256.Int) error {
	next, err := fixed.Add(v.GuaranteedUSD, amount)
	if err != nil {
		return err
	}
	v.GuaranteedUSD = next
	return nil
}

func (v *Vault) DecreaseGuaranteedUSD(amount uint256.Int) error {
	next, err := fixed.Sub(v.GuaranteedUSD, amount)
	if err != nil {
		return err
	}
	v.GuaranteedUSD = next
	return nil
}

// VaultCache is the oracle and open-interest state of a vault.
// Prices are at fixed.OraclePriceTargetExponent.
type VaultCache struct {
	Mint               string           `json:"mint" db:"mint"`
	OracleType         oracle.Type      `json:"oracle_type" db:"oracle_type"`
	OracleThreshold    oracle.Threshold `json:"oracle_threshold" db:"oracle_threshold"`
	OraclePrice        uint64           `json:"oracle_price" db:"oracle_price"`
	OracleLower        uint64           `json:"oracle_lower,omitempty" db:"oracle_lower"`
	OracleUpper        uint64           `json:"oracle_upper,omitempty" db:"oracle_upper"`
	OracleBounded      bool             `json:"oracle_bounded" db:"oracle_bounded"`
	OracleUpdatedAt    int64            `json:"oracle_updated_at" db:"oracle_updated_at"`
	LongOpenInterest   uint256.Int      `json:"long_open_interest" db:"long_open_interest"`
	ShortOpenInterest  uint256.Int      `json:"short_open_interest" db:"short_open_interest"`
	LongAvgEntryPrice  uint64           `json:"long_avg_entry_price" db:"long_avg_entry_price"`
	ShortAvgEntryPrice uint64           `json:"short_avg_entry_price" db:"short_avg_entry_price"`
	FundingIndex       uint256.Int      `json:"funding_index" db:"funding_index"`
}

// SetQuote records a normalized oracle result published at publishTime.
func (c *VaultCache) SetQuote(res oracle.Result, publishTime int64) {
	c.OraclePrice = res.Price
	c.OracleBounded = res.Bounded
	c.OracleLower = res.Lower
	c.OracleUpper = res.Upper
	c.OracleUpdatedAt = publishTime
}

// Quote returns the cached oracle result.
func (c *VaultCache) Quote() oracle.Result {
	return oracle.Result{
		Price:   c.OraclePrice,
		Bounded: c.OracleBounded,
		Lower:   c.OracleLower,
		Upper:   c.OracleUpper,
	}
}

// NextLongAverageEntryPrice folds sizeDelta at price into the long
// aggregate and grows long open interest.
func (c *VaultCache) NextLongAverageEntryPrice(sizeDelta, price uint64) error {
	avg, err := fixed.NextAveragePrice(c.LongOpenInterest, c.LongAvgEntryPrice, sizeDelta, price)
	if err != nil {
		return err
	}
	oi, err := fixed.Add(c.LongOpenInterest, fixed.U64(sizeDelta))
	if err != nil {
		return err
	}
	c.LongAvgEntryPrice, c.LongOpenInterest = avg, oi
	return nil
}

// NextShortAverageEntryPrice is NextLongAverageEntryPrice for shorts.
func (c *VaultCache) NextShortAverageEntryPrice(sizeDelta, price uint64) error {
	avg, err := fixed.NextAveragePrice(c.ShortOpenInterest, c.ShortAvgEntryPrice, sizeDelta, price)
	if err != nil {
		return err
	}
	oi, err := fixed.Add(c.ShortOpenInterest, fixed.U64(sizeDelta))
	if err != nil {
		return err
	}
	c.ShortAvgEntryPrice, c.ShortOpenInterest = avg, oi
	return nil
}

// IncreaseOpenInterest dispatches on direction.
func (c *VaultCache) IncreaseOpenInterest(d Direction, sizeDelta, price uint64) error {
	if d == Long {
		return c.NextLongAverageEntryPrice(sizeDelta, price)
	}
	return c.NextShortAverageEntryPrice(sizeDelta, price)
}

// DecreaseOpenInterest shrinks open interest on one side. The side's
// average price is cleared once its open interest reaches zero.
func (c *VaultCache) DecreaseOpenInterest(d Direction, sizeDelta uint64) error {
	oi, avg := &c.LongOpenInterest, &c.LongAvgEntryPrice
	if d == Short {
		oi, avg = &c.ShortOpenInterest, &c.ShortAvgEntryPrice
	}
	next, err := fixed.Sub(*oi, fixed.U64(sizeDelta))
	if err != nil {
		return err
	}
	*oi = next
	if next.IsZero() {
		*avg = 0
	}
	return nil
}

// VaultView is the human-readable rendering of a vault and its cache.
type VaultView struct {
	Vault         *Vault          `json:"vault"`
	Cache         *VaultCache     `json:"cache,omitempty"`
	Deposits      decimal.Decimal `json:"deposits_tokens"`
	Reserved      decimal.Decimal `json:"reserved_tokens"`
	Available     decimal.Decimal `json:"available_tokens"`
	Utilization   decimal.Decimal `json:"utilization_pct"`
	DebtUSD       decimal.Decimal `json:"debt_usd"`
	GuaranteedUSD decimal.Decimal `json:"guaranteed_usd"`
	Price         decimal.Decimal `json:"price_usd"`
	LongOI        decimal.Decimal `json:"long_open_interest_tokens"`
	ShortOI       decimal.Decimal `json:"short_open_interest_tokens"`
}

// NewVaultView renders v and c (which may be nil) for display.
func NewVaultView(v *Vault, c *VaultCache) VaultView {
	tokens := func(x uint256.Int) decimal.Decimal {
		return decimal.NewFromBigInt(x.ToBig(), -int32(v.Decimals))
	}
	usd := func(x uint256.Int) decimal.Decimal {
		return decimal.NewFromBigInt(x.ToBig(), -fixed.QuoteTokenDecimals)
	}

	view := VaultView{
		Vault:         v,
		Cache:         c,
		Deposits:      tokens(v.Deposits),
		Reserved:      tokens(v.Reserved),
		Available:     tokens(v.Available()),
		Utilization:   decimal.Zero,
		DebtUSD:       usd(v.DebtAmount),
		GuaranteedUSD: usd(v.GuaranteedUSD),
	}
	if !v.Deposits.IsZero() {
		view.Utilization = decimal.NewFromBigInt(v.Reserved.ToBig(), 0).
			Div(decimal.NewFromBigInt(v.Deposits.ToBig(), 0)).
			Mul(decimal.NewFromInt(100)).Round(2)
	}
	if c != nil {
		view.Price = decimal.NewFromBigInt(new(big.Int).SetUint64(c.OraclePrice), fixed.OraclePriceTargetExponent)
		view.LongOI = tokens(c.LongOpenInterest)
		view.ShortOI = tokens(c.ShortOpenInterest)
	}
	return view
}
