package ledger

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
)

const (
	t0       = int64(1_700_000_000)
	onePrice = uint64(10_000_000_000) // 1 USD at exponent -10
	alice    = "alice"
	lp       = "lp-provider"
)

// harness runs operations the way the service does: on copies, committing
// them and executing effects only on success.
type harness struct {
	t         *testing.T
	tokens    *MemoryTokenLedger
	config    model.Config
	registry  *model.Registry
	vaults    map[string]*model.Vault
	caches    map[string]*model.VaultCache
	positions map[string]*model.Position
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:         t,
		tokens:    NewMemoryTokenLedger(),
		config:    model.DefaultConfig(),
		registry:  model.NewRegistry(),
		vaults:    make(map[string]*model.Vault),
		caches:    make(map[string]*model.VaultCache),
		positions: make(map[string]*model.Position),
	}
}

// run executes fn against copies of the rows of mint and, if positionID is
// set, of that position.
func (h *harness) run(mint, positionID string, now int64, fn func(c *Context) error) (*Context, error) {
	c := &Context{Config: h.config, Registry: h.registry.Clone(), Now: now}
	if v, ok := h.vaults[mint]; ok {
		vc, cc := *v, *h.caches[mint]
		c.Vault, c.Cache = &vc, &cc
	}
	if p, ok := h.positions[positionID]; ok {
		pc := *p
		c.Position = &pc
	}
	if err := fn(c); err != nil {
		return c, err
	}
	if err := h.tokens.Execute(context.Background(), c.Effects); err != nil {
		return c, err
	}
	h.registry = c.Registry
	switch {
	case c.Closed && c.Position != nil:
		delete(h.positions, c.Position.ID)
		h.vaults[mint], h.caches[mint] = c.Vault, c.Cache
	case c.Closed:
		delete(h.vaults, mint)
		delete(h.caches, mint)
	default:
		h.vaults[c.Vault.Mint], h.caches[c.Vault.Mint] = c.Vault, c.Cache
		if c.Position != nil {
			h.positions[c.Position.ID] = c.Position
		}
	}
	h.checkInvariants()
	return c, nil
}

func (h *harness) mustRun(mint, positionID string, now int64, fn func(c *Context) error) *Context {
	h.t.Helper()
	c, err := h.run(mint, positionID, now, fn)
	require.NoError(h.t, err)
	return c
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	for mint, v := range h.vaults {
		assert.False(h.t, v.Reserved.Gt(&v.Deposits), "%s reserved exceeds deposits", mint)
		avail := v.Available()
		assert.Equal(h.t, avail.Uint64(), h.tokens.Balance(VaultAccount(mint), mint), "%s pool balance", mint)
	}
	for id, p := range h.positions {
		assert.Equal(h.t, p.Size, h.tokens.Balance(EscrowAccount(id), p.Mint), "%s escrow balance", id)
		assert.Equal(h.t, p.Size-p.Collateral, p.Reserved, "%s reserved", id)
		assert.NoError(h.t, CheckLeverage(p, h.vaults[p.Mint]))
	}
}

// vault creates a 6-decimal vault priced at 1 USD with 1_000_000 tokens of
// liquidity.
func (h *harness) vault(mint string, stable bool) {
	h.mustRun(mint, "", t0, func(c *Context) error {
		return CreateVault(c, VaultParams{
			Mint:        mint,
			Decimals:    6,
			IsStable:    stable,
			MaxLeverage: 100_000,
			Weight:      1,
			OracleType:  oracle.Pyth,
		})
	})
	h.caches[mint].SetQuote(oracle.Result{Price: onePrice}, t0)
	h.tokens.Fund(UserAccount(lp), mint, 1_000_000)
	h.mustRun(mint, "", t0, func(c *Context) error {
		_, err := DepositLiquidity(c, lp, 1_000_000)
		return err
	})
}

func (h *harness) open(mint, id string, collateral, size uint64, d model.Direction) {
	h.tokens.Fund(UserAccount(alice), mint, collateral)
	h.mustRun(mint, "", t0, func(c *Context) error {
		return Open(c, OpenParams{ID: id, Authority: alice, Collateral: collateral, Size: size, Direction: d})
	})
}

func TestCreateVault(t *testing.T) {
	h := newHarness(t)
	c := h.mustRun("SOL", "", t0, func(c *Context) error {
		return CreateVault(c, VaultParams{Mint: "SOL", Decimals: 9, MaxLeverage: 500_000, Weight: 3, OracleType: oracle.Switchboard})
	})
	v := h.vaults["SOL"]
	assert.Equal(t, uint16(0), v.CacheIndex)
	assert.Equal(t, t0, v.LastFundingUpdate)
	assert.Equal(t, oracle.Switchboard, h.caches["SOL"].OracleType)
	assert.Equal(t, uint64(3), h.registry.TotalWeights)
	require.Len(t, c.Events, 1)
	assert.Equal(t, "vault_created", c.Events[0].EventName())

	h.mustRun("ETH", "", t0, func(c *Context) error {
		return CreateVault(c, VaultParams{Mint: "ETH", MaxLeverage: 500_000, Weight: 1, OracleType: oracle.Pyth})
	})
	assert.Equal(t, uint16(1), h.vaults["ETH"].CacheIndex)

	for _, p := range []VaultParams{
		{Mint: "", MaxLeverage: 500_000, OracleType: oracle.Pyth},
		{Mint: "X", MaxLeverage: 10_000, OracleType: oracle.Pyth},
		{Mint: "X", MaxLeverage: 500_000, OracleType: "chainlink"},
	} {
		_, err := h.run(p.Mint, "", t0, func(c *Context) error { return CreateVault(c, p) })
		assert.Error(t, err, "%+v", p)
		assert.Equal(t, ClassValidation, Classify(err))
	}
}

func TestDepositAndWithdrawLiquidity(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)

	v := h.vaults["SOL"]
	assert.Equal(t, uint64(1_000_000), v.Deposits.Uint64())
	assert.Equal(t, uint64(997_000), v.DebtAmount.Uint64(), "30 bps mint fee")
	assert.Equal(t, uint64(997_000), h.registry.LPSupply.Uint64())
	assert.Equal(t, uint64(997_000), h.tokens.Balance(UserAccount(lp), LPMint))

	var out uint64
	h.mustRun("SOL", "", t0, func(c *Context) error {
		var err error
		out, err = WithdrawLiquidity(c, lp, 100_000)
		return err
	})
	assert.Equal(t, uint64(99_700), out)
	assert.Equal(t, uint64(99_700), h.tokens.Balance(UserAccount(lp), "SOL"))
	assert.Equal(t, uint64(897_000), h.tokens.Balance(UserAccount(lp), LPMint))
	assert.Equal(t, uint64(897_000), h.vaults["SOL"].DebtAmount.Uint64())
	assert.Equal(t, uint64(897_000), h.registry.LPSupply.Uint64())

	_, err := h.run("SOL", "", t0, func(c *Context) error {
		_, err := WithdrawLiquidity(c, lp, 900_000)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = h.run("SOL", "", t0, func(c *Context) error {
		_, err := DepositLiquidity(c, lp, 0)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)
}

func TestWithdrawLiquidityKeepsReserves(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 100_000, 900_000, model.Long)

	_, err := h.run("SOL", "", t0, func(c *Context) error {
		_, err := WithdrawLiquidity(c, lp, 500_000)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestDepositWithoutPrice(t *testing.T) {
	h := newHarness(t)
	h.mustRun("SOL", "", t0, func(c *Context) error {
		return CreateVault(c, VaultParams{Mint: "SOL", Decimals: 6, MaxLeverage: 100_000, OracleType: oracle.Pyth})
	})
	_, err := h.run("SOL", "", t0, func(c *Context) error {
		_, err := DepositLiquidity(c, lp, 10)
		return err
	})
	assert.ErrorIs(t, err, ErrMissingPrice)
	assert.Equal(t, ClassOracle, Classify(err))
}

func TestOpen(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	p := h.positions["p1"]
	assert.Equal(t, uint64(40_000), p.Reserved)
	assert.Equal(t, onePrice, p.AvgEntryPrice)
	assert.Equal(t, uint64(40_000), p.GuaranteedUSD.Uint64())
	assert.Equal(t, t0, p.LastFundingPayment)

	v, cache := h.vaults["SOL"], h.caches["SOL"]
	assert.Equal(t, uint64(40_000), v.Reserved.Uint64())
	assert.Equal(t, uint64(40_000), v.GuaranteedUSD.Uint64())
	assert.Equal(t, uint64(50_000), cache.LongOpenInterest.Uint64())
	assert.Equal(t, onePrice, cache.LongAvgEntryPrice)
	assert.Zero(t, h.tokens.Balance(UserAccount(alice), "SOL"))
}

func TestOpenUnleveraged(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.tokens.Fund(UserAccount(alice), "SOL", 10_000)

	c := h.mustRun("SOL", "", t0, func(c *Context) error {
		return Open(c, OpenParams{ID: "p1", Authority: alice, Collateral: 10_000, Size: 10_000, Direction: model.Long})
	})
	require.Len(t, c.Effects, 1, "nothing is borrowed")
	assert.Equal(t, EscrowAccount("p1"), c.Effects[0].To)

	p := h.positions["p1"]
	assert.Zero(t, p.Reserved)
	assert.True(t, p.GuaranteedUSD.IsZero())
	assert.Equal(t, uint64(10_000), h.tokens.Balance(EscrowAccount("p1"), "SOL"))
	assert.True(t, h.vaults["SOL"].Reserved.IsZero())
	assert.Equal(t, uint64(10_000), h.caches["SOL"].LongOpenInterest.Uint64())
}

func TestOpenShortLeavesGuaranteedUSD(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Short)

	assert.True(t, h.positions["p1"].GuaranteedUSD.IsZero())
	assert.True(t, h.vaults["SOL"].GuaranteedUSD.IsZero())
	assert.Equal(t, uint64(50_000), h.caches["SOL"].ShortOpenInterest.Uint64())
}

func TestOpenRejects(t *testing.T) {
	tests := []struct {
		name    string
		params  OpenParams
		wantErr error
	}{
		{"zero collateral", OpenParams{Size: 10, Direction: model.Long}, ErrInvalidTokenAmount},
		{"size below collateral", OpenParams{Collateral: 10, Size: 9, Direction: model.Long}, ErrInvalidSizeDelta},
		{"bad direction", OpenParams{Collateral: 10, Size: 20, Direction: "up"}, ErrInvalidDirection},
		{"insufficient liquidity", OpenParams{Collateral: 500_000, Size: 2_000_000, Direction: model.Long}, ErrInsufficientLiquidityToEnterPosition},
		{"leverage at limit", OpenParams{Collateral: 10_000, Size: 100_000, Direction: model.Long}, ErrPositionLeverageExceedsLimit},
		{"leverage above limit", OpenParams{Collateral: 1_000, Size: 20_000, Direction: model.Short}, ErrPositionLeverageExceedsLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.vault("SOL", false)
			h.tokens.Fund(UserAccount(alice), "SOL", tt.params.Collateral)
			tt.params.ID, tt.params.Authority = "p1", alice

			_, err := h.run("SOL", "", t0, func(c *Context) error { return Open(c, tt.params) })
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.positions)
			assert.True(t, h.vaults["SOL"].Reserved.IsZero(), "failed open reserved nothing")
			assert.Equal(t, tt.params.Collateral, h.tokens.Balance(UserAccount(alice), "SOL"))
		})
	}
}

func TestIncrease(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)
	h.tokens.Fund(UserAccount(alice), "SOL", 2_000)

	h.caches["SOL"].SetQuote(oracle.Result{Price: 2 * onePrice}, t0)
	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Increase(c, 10_000, 2_000) })

	p := h.positions["p1"]
	assert.Equal(t, uint64(60_000), p.Size)
	assert.Equal(t, uint64(11_990), p.Collateral, "10 bps margin fee")
	assert.Equal(t, uint64(48_010), p.Reserved)
	// (50_000*1 + 10_000*2) / 60_000
	assert.Equal(t, uint64(11_666_666_666), p.AvgEntryPrice)
	// 40_000 + usd(10_010) - usd(2_000) at 2 USD.
	assert.Equal(t, uint64(56_020), p.GuaranteedUSD.Uint64())

	v := h.vaults["SOL"]
	assert.Equal(t, uint64(1_000_010), v.Deposits.Uint64())
	assert.Equal(t, uint64(48_010), v.Reserved.Uint64())
	assert.Equal(t, uint64(60_000), h.caches["SOL"].LongOpenInterest.Uint64())

	require.Len(t, c.Events, 1)
	ev, ok := c.Events[0].(*model.PositionIncreased)
	require.True(t, ok)
	assert.Equal(t, uint64(10), ev.Fee)
	assert.Equal(t, uint64(4_000), ev.CollateralDeltaUSD.Uint64())
}

func TestIncreaseRejects(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	_, err := h.run("SOL", "p1", t0, func(c *Context) error { return Increase(c, 0, 0) })
	assert.ErrorIs(t, err, ErrInvalidSizeDelta)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return Increase(c, 10, 11) })
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return Increase(c, 60_000, 0) })
	assert.ErrorIs(t, err, ErrPositionLeverageExceedsLimit)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return Increase(c, 2_000_000, 0) })
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	assert.Equal(t, uint64(50_000), h.positions["p1"].Size, "rejected increases leave the position untouched")
}

func TestIncreaseOverflowLeavesPositionUntouched(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 5_000, 10_000, model.Short)
	p0, v0 := *h.positions["p1"], *h.vaults["SOL"]

	deep, err := fixed.Parse("100000000000000000000000")
	require.NoError(t, err)
	h.vaults["SOL"].Deposits = deep
	h.tokens.Fund(UserAccount(alice), "SOL", math.MaxUint64-10_000)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error {
		return Increase(c, math.MaxUint64-5_000, math.MaxUint64-10_000)
	})
	assert.ErrorIs(t, err, fixed.ErrArithmeticOverflow)
	assert.Equal(t, ClassArithmetic, Classify(err))
	assert.Equal(t, p0, *h.positions["p1"])
	assert.Equal(t, v0.Reserved, h.vaults["SOL"].Reserved)
	assert.Equal(t, uint64(math.MaxUint64-10_000), h.tokens.Balance(UserAccount(alice), "SOL"))
}

func TestDecrease(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Decrease(c, 20_000) })
	p := h.positions["p1"]
	assert.Equal(t, uint64(30_000), p.Size)
	assert.Equal(t, uint64(9_980), p.Collateral)
	assert.Equal(t, uint64(20_020), p.Reserved)
	// (40_000 + 20) - 40_020*20_000/50_000
	assert.Equal(t, uint64(24_012), p.GuaranteedUSD.Uint64())
	assert.Equal(t, uint64(30_000), h.caches["SOL"].LongOpenInterest.Uint64())

	ev := c.Events[0].(*model.PositionDecreased)
	assert.Equal(t, uint64(20_000), ev.Repaid)
	assert.Zero(t, ev.Returned)

	_, err := h.run("SOL", "p1", t0, func(c *Context) error { return Decrease(c, 30_000) })
	assert.ErrorIs(t, err, ErrInvalidSizeDelta, "a full decrease is a close")
}

func TestDecreaseReturnsCollateral(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 40_000, 50_000, model.Short)

	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Decrease(c, 30_000) })
	ev := c.Events[0].(*model.PositionDecreased)
	// Fee of 30 is lent back, so borrowed is 10_030.
	assert.Equal(t, uint64(10_030), ev.Repaid)
	assert.Equal(t, uint64(19_970), ev.Returned)
	assert.Equal(t, uint64(19_970), h.tokens.Balance(UserAccount(alice), "SOL"))

	p := h.positions["p1"]
	assert.Equal(t, uint64(20_000), p.Size)
	assert.Equal(t, uint64(20_000), p.Collateral)
	assert.Zero(t, p.Reserved)
}

func TestChangeCollateral(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)
	h.tokens.Fund(UserAccount(alice), "SOL", 5_000)

	h.mustRun("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, CollateralIncrease, 5_000) })
	p := h.positions["p1"]
	assert.Equal(t, uint64(15_000), p.Collateral)
	assert.Equal(t, uint64(50_000), p.Size)
	assert.Equal(t, uint64(35_000), p.Reserved)
	assert.Equal(t, uint64(35_000), p.GuaranteedUSD.Uint64())
	assert.Equal(t, uint64(35_000), h.vaults["SOL"].Reserved.Uint64())

	h.mustRun("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, CollateralDecrease, 7_000) })
	p = h.positions["p1"]
	assert.Equal(t, uint64(8_000), p.Collateral)
	assert.Equal(t, uint64(42_000), p.Reserved)
	assert.Equal(t, uint64(42_000), p.GuaranteedUSD.Uint64())
	assert.Equal(t, uint64(7_000), h.tokens.Balance(UserAccount(alice), "SOL"))

	_, err := h.run("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, CollateralDecrease, 3_000) })
	assert.ErrorIs(t, err, ErrPositionLeverageExceedsLimit)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, CollateralDecrease, 8_000) })
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, CollateralIncrease, 42_001) })
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)

	_, err = h.run("SOL", "p1", t0, func(c *Context) error { return ChangeCollateral(c, "sideways", 1) })
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)
}

func TestPayFunding(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 1_000, 5_000, model.Long)

	_, err := h.run("SOL", "p1", t0+3_600, func(c *Context) error { return PayFunding(c) })
	assert.ErrorIs(t, err, ErrInvalidFundingInterval)

	// 100 * 4_000 / 1_000_000 floors to a zero rate.
	c := h.mustRun("SOL", "p1", t0+3_601, func(c *Context) error { return PayFunding(c) })
	ev := c.Events[0].(*model.FundingPaid)
	assert.Zero(t, ev.Amount)
	assert.Empty(t, c.Effects)

	p := h.positions["p1"]
	assert.Equal(t, uint64(1_000), p.Collateral)
	assert.Equal(t, uint64(5_000), p.Size)
	assert.Equal(t, t0+3_601, p.LastFundingPayment)
	assert.Equal(t, h.vaults["SOL"].CumulativeFundingRate, p.LastFundingIndex)
	assert.Equal(t, uint64(1_000_000), h.vaults["SOL"].Deposits.Uint64())

	_, err = h.run("SOL", "p1", t0+3_700, func(c *Context) error { return PayFunding(c) })
	assert.ErrorIs(t, err, ErrInvalidFundingInterval, "once per interval")
}

func TestPayFundingOwedAboveCollateral(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)
	p0 := *h.positions["p1"]

	// One hour at 40_000/1_000_000 utilization adds 4 to the index, and
	// 4 * 50_000 is more than the collateral.
	_, err := h.run("SOL", "p1", t0+3_601, func(c *Context) error { return PayFunding(c) })
	assert.ErrorIs(t, err, ErrInsufficientCollateralForFee)
	assert.Equal(t, ClassPrecondition, Classify(err))
	assert.Equal(t, p0, *h.positions["p1"])
	assert.Equal(t, uint64(1_000_000), h.vaults["SOL"].Deposits.Uint64())
}

func TestFundingIdempotentWithinHour(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)
	h.tokens.Fund(UserAccount(lp), "SOL", 2_000)

	deposit := func(now int64) {
		h.mustRun("SOL", "", now, func(c *Context) error {
			_, err := DepositLiquidity(c, lp, 1_000)
			return err
		})
	}

	deposit(t0 + 3_600)
	idx := h.vaults["SOL"].CumulativeFundingRate
	assert.Equal(t, uint64(4), idx.Uint64())

	deposit(t0 + 7_199)
	assert.Equal(t, idx, h.vaults["SOL"].CumulativeFundingRate)
	assert.Equal(t, idx, h.caches["SOL"].FundingIndex)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Close(c, UserAccount("bob")) })
	assert.True(t, c.Closed)
	assert.Empty(t, h.positions)
	assert.Equal(t, uint64(10_000), h.tokens.Balance(UserAccount("bob"), "SOL"))
	assert.Zero(t, h.tokens.Balance(EscrowAccount("p1"), "SOL"))

	v, cache := h.vaults["SOL"], h.caches["SOL"]
	assert.True(t, v.Reserved.IsZero())
	assert.True(t, v.GuaranteedUSD.IsZero())
	assert.True(t, cache.LongOpenInterest.IsZero())
	assert.Zero(t, cache.LongAvgEntryPrice)
}

func TestLiquidate(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	_, err := h.run("SOL", "p1", t0, func(c *Context) error { return Liquidate(c, nil) })
	assert.ErrorIs(t, err, ErrPositionHealthy)
	assert.Equal(t, ClassPrecondition, Classify(err))

	// A single index step makes the owed funding 50_000, past the collateral.
	cum, _ := fixed.Add(h.vaults["SOL"].CumulativeFundingRate, fixed.U64(1))
	h.vaults["SOL"].CumulativeFundingRate = cum

	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Liquidate(c, nil) })
	ev := c.Events[0].(*model.PositionLiquidated)
	assert.Equal(t, "funding exceeds collateral", ev.Reason)
	assert.Equal(t, uint64(10_000), ev.Funding, "funding is capped at the collateral")
	assert.Equal(t, uint64(40_000), ev.Repaid)
	assert.Zero(t, ev.Returned)
	assert.Zero(t, h.tokens.Balance(UserAccount(alice), "SOL"))
	assert.Equal(t, uint64(1_010_000), h.vaults["SOL"].Deposits.Uint64())
	assert.True(t, h.vaults["SOL"].Reserved.IsZero())
	assert.True(t, h.caches["SOL"].LongOpenInterest.IsZero())
	assert.Empty(t, h.positions)
}

func TestLiquidateCustomRiskCheck(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Short)

	always := RiskCheckFunc(func(*model.Position, *model.Vault, uint64) (bool, string) { return true, "test" })
	c := h.mustRun("SOL", "p1", t0, func(c *Context) error { return Liquidate(c, always) })
	assert.Equal(t, "test", c.Events[0].(*model.PositionLiquidated).Reason)
	assert.Equal(t, uint64(10_000), h.tokens.Balance(UserAccount(alice), "SOL"))
}

func TestSwap(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.vault("USDC", true)
	h.tokens.Fund(UserAccount(alice), "SOL", 10_000)

	swap := func(minOut uint64) (uint64, error) {
		in, inCache := *h.vaults["SOL"], *h.caches["SOL"]
		out, outCache := *h.vaults["USDC"], *h.caches["USDC"]
		c := &SwapContext{
			Config: h.config, Registry: h.registry,
			In: &in, InCache: &inCache, Out: &out, OutCache: &outCache,
			Now: t0,
		}
		got, err := Swap(c, SwapParams{Authority: alice, AmountIn: 10_000, MinOut: minOut})
		if err != nil {
			return 0, err
		}
		if err := h.tokens.Execute(context.Background(), c.Effects); err != nil {
			return 0, err
		}
		h.vaults["SOL"], h.vaults["USDC"] = c.In, c.Out
		h.checkInvariants()
		return got, nil
	}

	_, err := swap(2_000_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidityForSwap)
	_, err = swap(9_990)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	out, err := swap(9_900)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_970), out, "30 bps swap fee")
	assert.Equal(t, uint64(9_970), h.tokens.Balance(UserAccount(alice), "USDC"))
	assert.Equal(t, uint64(1_010_000), h.vaults["SOL"].Deposits.Uint64())
	assert.Equal(t, uint64(1_007_000), h.vaults["SOL"].DebtAmount.Uint64())
	assert.Equal(t, uint64(987_000), h.vaults["USDC"].DebtAmount.Uint64())
}

func TestSwapRejectsSameVault(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	v := h.vaults["SOL"]
	_, err := Swap(&SwapContext{Registry: h.registry, In: v, Out: v, Now: t0}, SwapParams{AmountIn: 1})
	assert.ErrorIs(t, err, ErrInvalidVault)
}

func TestCloseVault(t *testing.T) {
	h := newHarness(t)
	h.vault("SOL", false)
	h.open("SOL", "p1", 10_000, 50_000, model.Long)

	_, err := h.run("SOL", "", t0, CloseVault)
	assert.ErrorIs(t, err, ErrCannotCloseVaultWithReservedAssets)

	h.mustRun("SOL", "p1", t0, func(c *Context) error { return Close(c, UserAccount(alice)) })
	_, err = h.run("SOL", "", t0, CloseVault)
	assert.ErrorIs(t, err, ErrCannotCloseVaultWithDepositedAssets)

	h.mustRun("ETH", "", t0, func(c *Context) error {
		return CreateVault(c, VaultParams{Mint: "ETH", MaxLeverage: 500_000, Weight: 5, OracleType: oracle.Pyth})
	})
	assert.Equal(t, uint64(6), h.registry.TotalWeights)
	h.mustRun("ETH", "", t0, CloseVault)
	assert.NotContains(t, h.vaults, "ETH")
	assert.Equal(t, uint64(1), h.registry.TotalWeights)
}

func TestMemoryTokenLedgerAtomic(t *testing.T) {
	l := NewMemoryTokenLedger()
	l.Fund(UserAccount(alice), "SOL", 100)
	ctx := context.Background()

	err := l.Execute(ctx, []Effect{
		{Kind: KindTransfer, From: UserAccount(alice), To: VaultAccount("SOL"), Mint: "SOL", Amount: 60, Authority: alice},
		{Kind: KindTransfer, From: UserAccount(alice), To: VaultAccount("SOL"), Mint: "SOL", Amount: 60, Authority: alice},
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(100), l.Balance(UserAccount(alice), "SOL"), "nothing applied")

	err = l.Execute(ctx, []Effect{
		{Kind: KindTransfer, From: UserAccount(alice), To: VaultAccount("SOL"), Mint: "SOL", Amount: 60, Authority: "mallory"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	batch := []Effect{
		{Kind: KindTransfer, From: UserAccount(alice), To: VaultAccount("SOL"), Mint: "SOL", Amount: 60, Authority: alice},
		{Kind: KindMint, To: UserAccount(alice), Mint: LPMint, Amount: 55, Authority: RegistryAuthority},
	}
	require.NoError(t, l.Execute(ctx, batch))
	assert.Equal(t, uint64(40), l.Balance(UserAccount(alice), "SOL"))
	assert.Equal(t, uint64(55), l.Balance(UserAccount(alice), LPMint))

	require.NoError(t, l.Execute(ctx, ReverseAll(batch)))
	assert.Equal(t, uint64(100), l.Balance(UserAccount(alice), "SOL"))
	assert.Zero(t, l.Balance(UserAccount(alice), LPMint))
	assert.Zero(t, l.Balance(VaultAccount("SOL"), "SOL"))
}

func TestMemoryTokenLedgerCreditOverflow(t *testing.T) {
	l := NewMemoryTokenLedger()
	l.Fund(UserAccount(alice), "SOL", 10)
	l.Fund(VaultAccount("SOL"), "SOL", math.MaxUint64)
	ctx := context.Background()

	err := l.Execute(ctx, []Effect{
		{Kind: KindTransfer, From: UserAccount(alice), To: VaultAccount("SOL"), Mint: "SOL", Amount: 10, Authority: alice},
	})
	assert.ErrorIs(t, err, fixed.ErrArithmeticOverflow)
	assert.Equal(t, uint64(10), l.Balance(UserAccount(alice), "SOL"), "nothing applied")
	assert.Equal(t, uint64(math.MaxUint64), l.Balance(VaultAccount("SOL"), "SOL"))

	err = l.Execute(ctx, []Effect{
		{Kind: KindMint, To: VaultAccount("SOL"), Mint: "SOL", Amount: 1, Authority: RegistryAuthority},
	})
	assert.ErrorIs(t, err, fixed.ErrArithmeticOverflow)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		class  Class
		status int
	}{
		{fmt.Errorf("open: %w", ErrInvalidSizeDelta), ClassValidation, 400},
		{ErrInsufficientLiquidityToEnterPosition, ClassPrecondition, 409},
		{model.ErrNotFound, ClassNotFound, 404},
		{ErrPositionLeverageExceedsLimit, ClassInvariant, 422},
		{model.ErrReservedExceedsDeposits, ClassInvariant, 422},
		{fixed.ErrArithmeticOverflow, ClassArithmetic, 500},
		{oracle.ErrStaleOracleFeed, ClassOracle, 412},
		{fmt.Errorf("boom"), ClassInternal, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, Classify(tt.err), tt.err.Error())
		assert.Equal(t, tt.status, Classify(tt.err).HTTPStatus(), tt.err.Error())
	}
}
