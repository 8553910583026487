// Package ledger implements the position and vault state machine.
//
// Operations mutate the rows handed to them in a Context and describe the
// token movements they need as Effects. They never execute transfers and
// never persist anything: a caller passes copies, and on success executes
// the effects and commits the copies. Any error leaves the copies in an
// unspecified state and must discard them.
package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fees"
	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// Context is the set of rows one operation may touch.
type Context struct {
	Config   model.Config
	Registry *model.Registry
	Vault    *model.Vault
	Cache    *model.VaultCache
	Position *model.Position
	Now      int64

	Effects []Effect
	Events  []model.Event

	// Closed is set once the operation destroyed Position.
	Closed bool
}

// ChangePosition moves tokens between a position's escrow, its owner and
// its vault.
type ChangePosition interface {
	// DepositCollateral moves amount from the owner into escrow.
	DepositCollateral(amount uint64) error
	// WithdrawCollateral moves amount from escrow to the owner.
	WithdrawCollateral(amount uint64) error
	// IncreaseSize lends amount from the vault into escrow.
	IncreaseSize(amount uint64) error
	// DecreaseSize returns amount from escrow to the vault.
	DecreaseSize(amount uint64) error
}

var _ ChangePosition = (*Context)(nil)

func (c *Context) escrow() Account { return EscrowAccount(c.Position.ID) }
func (c *Context) owner() Account  { return UserAccount(c.Position.Authority) }
func (c *Context) pool() Account   { return VaultAccount(c.Vault.Mint) }

func (c *Context) DepositCollateral(amount uint64) error {
	return c.transfer(c.owner(), c.escrow(), amount)
}

func (c *Context) WithdrawCollateral(amount uint64) error {
	return c.transfer(c.escrow(), c.owner(), amount)
}

func (c *Context) IncreaseSize(amount uint64) error {
	return c.transfer(c.pool(), c.escrow(), amount)
}

func (c *Context) DecreaseSize(amount uint64) error {
	return c.transfer(c.escrow(), c.pool(), amount)
}

func (c *Context) transfer(from, to Account, amount uint64) error {
	if amount == 0 {
		return ErrInvalidTokenAmount
	}
	c.Effects = append(c.Effects, Effect{
		Kind:      KindTransfer,
		From:      from,
		To:        to,
		Mint:      c.Vault.Mint,
		Amount:    amount,
		Authority: from.Signer(),
	})
	return nil
}

func (c *Context) emit(e model.Event) {
	c.Events = append(c.Events, e)
}

// accrueFunding brings the vault's funding index up to Now.
func (c *Context) accrueFunding() error {
	return accrue(c.Vault, c.Cache, c.Now)
}

// accrue brings v's funding index up to now and mirrors it into cache. An
// empty vault has nothing to charge: its clock is advanced without accrual.
func accrue(v *model.Vault, cache *model.VaultCache, now int64) error {
	_, err := fees.UpdateFundingRate(v, now)
	if errors.Is(err, fixed.ErrDivideByZero) {
		v.LastFundingUpdate = now
		err = nil
	}
	if err != nil {
		return fmt.Errorf("accrue funding %s: %w", v.Mint, err)
	}
	if cache != nil {
		cache.FundingIndex = v.CumulativeFundingRate
	}
	return nil
}

// price is the conservative cached price for a position buying (long) or
// selling (short) exposure.
func (c *Context) price(d model.Direction) (uint64, error) {
	if c.Cache == nil || c.Cache.OraclePrice == 0 {
		return 0, ErrMissingPrice
	}
	return c.Cache.Quote().Conservative(d == model.Long), nil
}

func (c *Context) usd(amount, price uint64) (uint256.Int, error) {
	return fixed.TokenToUSD64(amount, price, c.Vault.Decimals)
}

// owedFunding is the funding the position has accrued since it last settled.
func (c *Context) owedFunding() (uint64, error) {
	return fees.FundingFee(c.Vault.CumulativeFundingRate, c.Position.LastFundingIndex, c.Position.Size)
}

func (c *Context) taxBps() uint16 {
	if c.Vault.IsStable {
		return c.Config.StableTaxBps
	}
	return c.Config.TaxBps
}
