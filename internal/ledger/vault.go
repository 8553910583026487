package ledger

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fees"
	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
)

// VaultParams describes a new vault.
type VaultParams struct {
	Mint            string           `json:"mint"`
	Decimals        uint8            `json:"decimals"`
	IsStable        bool             `json:"is_stable"`
	HasDynamicFees  bool             `json:"has_dynamic_fees"`
	MaxLeverage     uint64           `json:"max_leverage"`
	Weight          uint64           `json:"weight"`
	OracleType      oracle.Type      `json:"oracle_type"`
	OracleThreshold oracle.Threshold `json:"oracle_threshold"`
}

// CreateVault sets c.Vault and c.Cache to a new empty vault and registers
// its weight at the next free cache index.
func CreateVault(c *Context, p VaultParams) error {
	switch {
	case p.Mint == "" || p.Mint == LPMint:
		return fmt.Errorf("%w: mint %q", ErrInvalidVault, p.Mint)
	case p.MaxLeverage <= fixed.BasisPointsDivisor:
		return fmt.Errorf("%w: max leverage %d must exceed %d", ErrInvalidVault, p.MaxLeverage, fixed.BasisPointsDivisor)
	case !p.OracleType.Valid():
		return fmt.Errorf("%w: %q", oracle.ErrUnknownOracleType, p.OracleType)
	}

	index := c.Registry.NextIndex()
	c.Vault = &model.Vault{
		Mint:              p.Mint,
		Decimals:          p.Decimals,
		IsStable:          p.IsStable,
		HasDynamicFees:    p.HasDynamicFees,
		MaxLeverage:       p.MaxLeverage,
		CacheIndex:        index,
		LastFundingUpdate: c.Now,
		CreatedAt:         time.Unix(c.Now, 0).UTC(),
	}
	c.Cache = &model.VaultCache{
		Mint:            p.Mint,
		OracleType:      p.OracleType,
		OracleThreshold: p.OracleThreshold,
	}
	c.Registry.SetWeight(index, p.Weight)

	c.emit(&model.VaultCreated{
		Mint:        p.Mint,
		Decimals:    p.Decimals,
		MaxLeverage: p.MaxLeverage,
		CacheIndex:  index,
	})
	return nil
}

// CloseVault destroys an empty vault and drops its registry weight.
func CloseVault(c *Context) error {
	v := c.Vault
	if !v.Reserved.IsZero() {
		return fmt.Errorf("%w: %s reserved", ErrCannotCloseVaultWithReservedAssets, v.Reserved.Dec())
	}
	if !v.Deposits.IsZero() {
		return fmt.Errorf("%w: %s deposited", ErrCannotCloseVaultWithDepositedAssets, v.Deposits.Dec())
	}
	c.Registry.RemoveWeight(v.CacheIndex)
	c.Closed = true
	c.emit(&model.VaultClosed{Mint: v.Mint})
	return nil
}

// DepositLiquidity moves amount from authority into the vault and mints LP
// shares worth its USD value net of the mint fee. It returns the shares
// minted.
func DepositLiquidity(c *Context, authority string, amount uint64) (uint64, error) {
	v := c.Vault
	if amount == 0 {
		return 0, ErrInvalidTokenAmount
	}
	if err := c.accrueFunding(); err != nil {
		return 0, err
	}
	price, err := c.price(model.Short)
	if err != nil {
		return 0, err
	}

	value, err := c.usd(amount, price)
	if err != nil {
		return 0, err
	}
	bps, err := fees.DynamicFeeBps(v, c.Registry, value, c.Config.MintBurnFeeBps, c.taxBps(), true)
	if err != nil {
		return 0, err
	}
	fee := fees.ApplyBps(amount, bps)
	lpWord, err := c.usd(amount-fee, price)
	if err != nil {
		return 0, err
	}
	lp, err := fixed.ToUint64(lpWord)
	if err != nil {
		return 0, err
	}
	if lp == 0 {
		return 0, fmt.Errorf("%w: %d is worth no shares", ErrInvalidTokenAmount, amount)
	}

	if err := c.transfer(UserAccount(authority), c.pool(), amount); err != nil {
		return 0, err
	}
	if err := v.IncreasePool(fixed.U64(amount)); err != nil {
		return 0, err
	}
	if err := v.IncreaseDebt(lpWord); err != nil {
		return 0, err
	}
	if err := c.adjustSupply(lpWord, true); err != nil {
		return 0, err
	}
	c.Effects = append(c.Effects, Effect{
		Kind:      KindMint,
		To:        UserAccount(authority),
		Mint:      LPMint,
		Amount:    lp,
		Authority: RegistryAuthority,
	})

	c.emit(&model.LiquidityDeposited{
		Mint:      v.Mint,
		Authority: authority,
		Amount:    amount,
		Fee:       fee,
		LPMinted:  lpWord,
	})
	return lp, nil
}

// WithdrawLiquidity burns lp shares and pays out their token value net of
// the burn fee. It returns the tokens paid out.
func WithdrawLiquidity(c *Context, authority string, lp uint64) (uint64, error) {
	v := c.Vault
	if lp == 0 {
		return 0, ErrInvalidTokenAmount
	}
	lpWord := fixed.U64(lp)
	if lpWord.Gt(&v.DebtAmount) {
		return 0, fmt.Errorf("%w: %d shares against debt %s", ErrInsufficientLiquidity, lp, v.DebtAmount.Dec())
	}
	if err := c.accrueFunding(); err != nil {
		return 0, err
	}
	price, err := c.price(model.Long)
	if err != nil {
		return 0, err
	}

	outWord, err := fixed.USDToToken(lpWord, price, v.Decimals)
	if err != nil {
		return 0, err
	}
	out, err := fixed.ToUint64(outWord)
	if err != nil {
		return 0, err
	}
	bps, err := fees.DynamicFeeBps(v, c.Registry, lpWord, c.Config.MintBurnFeeBps, c.taxBps(), false)
	if err != nil {
		return 0, err
	}
	fee := fees.ApplyBps(out, bps)
	net := out - fee
	if net == 0 {
		return 0, fmt.Errorf("%w: %d shares are worth no tokens", ErrInvalidTokenAmount, lp)
	}
	if avail, need := v.Available(), fixed.U64(net); avail.Lt(&need) {
		return 0, fmt.Errorf("%w: available %s, withdrawal %d", ErrInsufficientLiquidity, avail.Dec(), net)
	}

	c.Effects = append(c.Effects, Effect{
		Kind:      KindBurn,
		From:      UserAccount(authority),
		Mint:      LPMint,
		Amount:    lp,
		Authority: Authority(authority),
	})
	if err := c.transfer(c.pool(), UserAccount(authority), net); err != nil {
		return 0, err
	}
	if err := v.DecreasePool(fixed.U64(net)); err != nil {
		return 0, err
	}
	if err := v.DecreaseDebt(lpWord); err != nil {
		return 0, err
	}
	if err := c.adjustSupply(lpWord, false); err != nil {
		return 0, err
	}

	c.emit(&model.LiquidityWithdrawn{
		Mint:      v.Mint,
		Authority: authority,
		LPBurned:  lpWord,
		Amount:    net,
		Fee:       fee,
	})
	return net, nil
}

func (c *Context) adjustSupply(lp uint256.Int, increase bool) error {
	var (
		next uint256.Int
		err  error
	)
	if increase {
		next, err = fixed.Add(c.Registry.LPSupply, lp)
	} else {
		next, err = fixed.Sub(c.Registry.LPSupply, lp)
	}
	if err != nil {
		return fmt.Errorf("lp supply: %w", err)
	}
	c.Registry.LPSupply = next
	return nil
}

// SwapContext is the set of rows a swap touches.
type SwapContext struct {
	Config   model.Config
	Registry *model.Registry
	In       *model.Vault
	InCache  *model.VaultCache
	Out      *model.Vault
	OutCache *model.VaultCache
	Now      int64

	Effects []Effect
	Events  []model.Event
}

// SwapParams describes a swap of AmountIn tokens of the in vault's mint for
// at least MinOut tokens of the out vault's mint.
type SwapParams struct {
	Authority string `json:"authority"`
	AmountIn  uint64 `json:"amount_in"`
	MinOut    uint64 `json:"min_out"`
}

// Swap exchanges tokens between two vaults at oracle prices less the swap
// fee. LP debt follows the value from the out vault to the in vault. It
// returns the tokens paid out.
func Swap(c *SwapContext, p SwapParams) (uint64, error) {
	in, out := c.In, c.Out
	if in.Mint == out.Mint {
		return 0, fmt.Errorf("%w: cannot swap %s for itself", ErrInvalidVault, in.Mint)
	}
	if p.AmountIn == 0 {
		return 0, ErrInvalidTokenAmount
	}
	if avail, need := out.Available(), fixed.U64(p.MinOut); avail.Lt(&need) {
		return 0, fmt.Errorf("%w: available %s, min out %d", ErrInsufficientLiquidityForSwap, avail.Dec(), p.MinOut)
	}
	if err := accrue(in, c.InCache, c.Now); err != nil {
		return 0, err
	}
	if err := accrue(out, c.OutCache, c.Now); err != nil {
		return 0, err
	}
	if c.InCache == nil || c.InCache.OraclePrice == 0 || c.OutCache == nil || c.OutCache.OraclePrice == 0 {
		return 0, ErrMissingPrice
	}
	priceIn := c.InCache.Quote().Conservative(false)
	priceOut := c.OutCache.Quote().Conservative(true)

	value, err := fixed.TokenToUSD64(p.AmountIn, priceIn, in.Decimals)
	if err != nil {
		return 0, err
	}
	grossWord, err := fixed.USDToToken(value, priceOut, out.Decimals)
	if err != nil {
		return 0, err
	}
	gross, err := fixed.ToUint64(grossWord)
	if err != nil {
		return 0, err
	}

	base, tax := c.Config.SwapFeeBps, c.Config.TaxBps
	if in.IsStable && out.IsStable {
		base, tax = c.Config.StableSwapFeeBps, c.Config.StableTaxBps
	}
	bpsIn, err := fees.DynamicFeeBps(in, c.Registry, value, base, tax, true)
	if err != nil {
		return 0, err
	}
	bpsOut, err := fees.DynamicFeeBps(out, c.Registry, value, base, tax, false)
	if err != nil {
		return 0, err
	}
	fee := fees.ApplyBps(gross, max(bpsIn, bpsOut))
	net := gross - fee
	if net == 0 || net < p.MinOut {
		return 0, fmt.Errorf("%w: out %d, min %d", ErrSlippageExceeded, net, p.MinOut)
	}
	if avail, need := out.Available(), fixed.U64(net); avail.Lt(&need) {
		return 0, fmt.Errorf("%w: available %s, out %d", ErrInsufficientLiquidityForSwap, avail.Dec(), net)
	}

	c.Effects = append(c.Effects,
		Effect{Kind: KindTransfer, From: UserAccount(p.Authority), To: VaultAccount(in.Mint), Mint: in.Mint, Amount: p.AmountIn, Authority: Authority(p.Authority)},
		Effect{Kind: KindTransfer, From: VaultAccount(out.Mint), To: UserAccount(p.Authority), Mint: out.Mint, Amount: net, Authority: VaultAccount(out.Mint).Signer()},
	)
	if err := in.IncreasePool(fixed.U64(p.AmountIn)); err != nil {
		return 0, err
	}
	if err := out.DecreasePool(fixed.U64(net)); err != nil {
		return 0, err
	}
	moved := fixed.Min(value, out.DebtAmount)
	if err := out.DecreaseDebt(moved); err != nil {
		return 0, err
	}
	if err := in.IncreaseDebt(moved); err != nil {
		return 0, err
	}

	c.Events = append(c.Events, &model.Swapped{
		Authority: p.Authority,
		MintIn:    in.Mint,
		MintOut:   out.Mint,
		AmountIn:  p.AmountIn,
		AmountOut: net,
		Fee:       fee,
	})
	return net, nil
}
