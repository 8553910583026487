package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/events"
	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/store"
)

// Clock supplies the current time to every operation.
type Clock func() oracle.Clock

// SystemClock reads the wall clock. It carries no slot.
func SystemClock() oracle.Clock {
	return oracle.Clock{Unix: time.Now().Unix()}
}

// Engine runs ledger operations against a store and a token ledger.
//
// Each operation holds the mutex of every vault it touches (in mint order)
// for its whole duration, plus the registry mutex when it reads or writes
// the registry. It works on copies of the stored rows, executes the token
// effects as one batch, and commits the rows in one step. If the commit
// fails the token batch is reversed.
//
// Rows an operation mutates are read from the store of record, never from a
// read-through cache in front of it.
type Engine struct {
	store    store.Store
	rows     store.Store
	tokens   ledger.TokenLedger
	sink     events.Sink
	clock    Clock
	risk     ledger.RiskCheck
	defaults model.Config
	newID    func() string

	locks keyedMutex
	regMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithSink publishes committed events to s.
func WithSink(s events.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithRiskCheck replaces the default liquidation check.
func WithRiskCheck(r ledger.RiskCheck) Option { return func(e *Engine) { e.risk = r } }

// WithDefaultConfig sets the fee schedule used until one is stored.
func WithDefaultConfig(c model.Config) Option { return func(e *Engine) { e.defaults = c } }

// NewEngine creates an engine.
func NewEngine(st store.Store, tokens ledger.TokenLedger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		rows:     store.Primary(st),
		tokens:   tokens,
		clock:    SystemClock,
		risk:     ledger.DefaultRiskCheck,
		defaults: model.DefaultConfig(),
		newID:    func() string { return uuid.New().String() },
		locks:    keyedMutex{m: make(map[string]*sync.Mutex)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Vault operations ---

// CreateVault creates an empty vault and registers its weight.
func (e *Engine) CreateVault(ctx context.Context, p ledger.VaultParams) (*model.Vault, error) {
	var out *model.Vault
	err := e.observe("create_vault", func() error {
		defer e.locks.lock(p.Mint)()
		e.regMu.Lock()
		defer e.regMu.Unlock()

		if _, err := e.rows.GetVault(ctx, p.Mint); err == nil {
			return fmt.Errorf("vault %s: %w", p.Mint, model.ErrAlreadyExists)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		c, err := e.newContext(ctx, "")
		if err != nil {
			return err
		}
		if err := ledger.CreateVault(c, p); err != nil {
			return err
		}
		cs := &model.Changeset{
			Vaults:   []*model.Vault{c.Vault},
			Caches:   []*model.VaultCache{c.Cache},
			Registry: c.Registry,
		}
		if err := e.apply(ctx, "create_vault", journalMeta{mint: p.Mint}, c.Now, cs, c.Effects, c.Events); err != nil {
			return err
		}
		out = c.Vault
		slog.Info("vault created", "mint", p.Mint, "cache_index", c.Vault.CacheIndex, "max_leverage", p.MaxLeverage)
		return nil
	})
	return out, err
}

// CloseVault destroys an empty vault.
func (e *Engine) CloseVault(ctx context.Context, mint string) error {
	return e.observe("close_vault", func() error {
		defer e.locks.lock(mint)()
		e.regMu.Lock()
		defer e.regMu.Unlock()

		c, err := e.newContext(ctx, mint)
		if err != nil {
			return err
		}
		if err := ledger.CloseVault(c); err != nil {
			return err
		}
		cs := &model.Changeset{DeletedVaults: []string{mint}, Registry: c.Registry}
		if err := e.apply(ctx, "close_vault", journalMeta{mint: mint}, c.Now, cs, c.Effects, c.Events); err != nil {
			return err
		}
		slog.Info("vault closed", "mint", mint)
		return nil
	})
}

// UpdatePrice normalizes an oracle observation against the vault's
// confidence threshold and caches the result.
func (e *Engine) UpdatePrice(ctx context.Context, mint string, obs oracle.Observation) (oracle.Result, error) {
	var res oracle.Result
	err := e.observe("update_price", func() error {
		defer e.locks.lock(mint)()

		cache, err := e.rows.GetVaultCache(ctx, mint)
		if err != nil {
			return err
		}
		if obs.Type != cache.OracleType {
			return fmt.Errorf("%w: vault %s reads %s, got %s", oracle.ErrUnknownOracleType, mint, cache.OracleType, obs.Type)
		}
		now := e.clock()
		if res, err = obs.Normalize(cache.OracleThreshold, now); err != nil {
			return err
		}
		cache.SetQuote(res, obs.PublishTime())
		if err := e.store.Commit(ctx, &model.Changeset{Caches: []*model.VaultCache{cache}}); err != nil {
			return err
		}
		slog.Debug("price updated", "mint", mint, "price", res.Price, "bounded", res.Bounded)
		return nil
	})
	return res, err
}

// Deposit adds liquidity and mints LP shares to authority. It returns the
// shares minted.
func (e *Engine) Deposit(ctx context.Context, mint, authority string, amount uint64) (uint64, error) {
	var lp uint64
	err := e.vaultOp(ctx, "deposit", mint, authority, func(c *ledger.Context) (err error) {
		lp, err = ledger.DepositLiquidity(c, authority, amount)
		return err
	})
	if err == nil {
		slog.Info("liquidity deposited", "mint", mint, "authority", authority, "amount", amount, "lp", lp)
	}
	return lp, err
}

// Withdraw burns LP shares and pays out the vault's tokens. It returns the
// tokens paid out.
func (e *Engine) Withdraw(ctx context.Context, mint, authority string, lp uint64) (uint64, error) {
	var out uint64
	err := e.vaultOp(ctx, "withdraw", mint, authority, func(c *ledger.Context) (err error) {
		out, err = ledger.WithdrawLiquidity(c, authority, lp)
		return err
	})
	if err == nil {
		slog.Info("liquidity withdrawn", "mint", mint, "authority", authority, "lp", lp, "amount", out)
	}
	return out, err
}

func (e *Engine) vaultOp(ctx context.Context, op, mint, authority string, fn func(c *ledger.Context) error) error {
	return e.observe(op, func() error {
		defer e.locks.lock(mint)()
		e.regMu.Lock()
		defer e.regMu.Unlock()

		c, err := e.newContext(ctx, mint)
		if err != nil {
			return err
		}
		if err := e.checkPrice(c.Cache, c.Now); err != nil {
			return err
		}
		if err := e.run(c, fn); err != nil {
			return err
		}
		cs := &model.Changeset{
			Vaults:   []*model.Vault{c.Vault},
			Caches:   []*model.VaultCache{c.Cache},
			Registry: c.Registry,
		}
		return e.apply(ctx, op, journalMeta{mint: mint, authority: authority}, c.Now, cs, c.Effects, c.Events)
	})
}

// Swap exchanges AmountIn of mintIn for mintOut at oracle prices. It
// returns the tokens paid out.
func (e *Engine) Swap(ctx context.Context, mintIn, mintOut string, p ledger.SwapParams) (uint64, error) {
	var out uint64
	err := e.observe("swap", func() error {
		defer e.locks.lock(mintIn, mintOut)()
		e.regMu.Lock()
		defer e.regMu.Unlock()

		cfg, err := e.config(ctx)
		if err != nil {
			return err
		}
		reg, err := e.rows.GetRegistry(ctx)
		if err != nil {
			return err
		}
		c := &ledger.SwapContext{Config: cfg, Registry: reg, Now: e.clock().Unix}
		if c.In, c.InCache, err = e.loadVault(ctx, mintIn); err != nil {
			return err
		}
		if c.Out, c.OutCache, err = e.loadVault(ctx, mintOut); err != nil {
			return err
		}
		for _, cache := range []*model.VaultCache{c.InCache, c.OutCache} {
			if err := e.checkPrice(cache, c.Now); err != nil {
				return err
			}
		}

		inIdx, outIdx := c.In.CumulativeFundingRate, c.Out.CumulativeFundingRate
		if out, err = ledger.Swap(c, p); err != nil {
			return err
		}
		countAccrual(c.In, inIdx)
		countAccrual(c.Out, outIdx)

		cs := &model.Changeset{
			Vaults: []*model.Vault{c.In, c.Out},
			Caches: []*model.VaultCache{c.InCache, c.OutCache},
		}
		if err := e.apply(ctx, "swap", journalMeta{mint: mintIn, authority: p.Authority}, c.Now, cs, c.Effects, c.Events); err != nil {
			return err
		}
		slog.Info("swapped", "authority", p.Authority, "in", mintIn, "out", mintOut, "amount_in", p.AmountIn, "amount_out", out)
		return nil
	})
	return out, err
}

// --- Position operations ---

// OpenPosition opens a position against mint. An empty ID is assigned.
func (e *Engine) OpenPosition(ctx context.Context, mint string, p ledger.OpenParams) (*model.Position, error) {
	if p.ID == "" {
		p.ID = e.newID()
	}
	var out *model.Position
	err := e.observe("open", func() error {
		// The ID lock serializes opens of one ID across vaults; the insert
		// rejects an ID committed by anyone else.
		defer e.locks.lock(mint, positionLockKey(p.ID))()

		if _, err := e.rows.GetPosition(ctx, p.ID); err == nil {
			return fmt.Errorf("position %s: %w", p.ID, model.ErrAlreadyExists)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		c, err := e.newContext(ctx, mint)
		if err != nil {
			return err
		}
		if err := e.checkPrice(c.Cache, c.Now); err != nil {
			return err
		}
		if err := e.run(c, func(c *ledger.Context) error { return ledger.Open(c, p) }); err != nil {
			return err
		}
		if err := e.commitPosition(ctx, "open", c, true); err != nil {
			return err
		}
		out = c.Position
		slog.Info("position opened",
			"position", p.ID,
			"authority", p.Authority,
			"mint", mint,
			"direction", p.Direction,
			"size", p.Size,
			"collateral", p.Collateral,
		)
		return nil
	})
	return out, err
}

// IncreasePosition grows a position. authority must own it.
func (e *Engine) IncreasePosition(ctx context.Context, id, authority string, sizeDelta, collateralDelta uint64) (*model.Position, error) {
	return e.positionOp(ctx, "increase", id, authority, true, func(c *ledger.Context) error {
		return ledger.Increase(c, sizeDelta, collateralDelta)
	})
}

// DecreasePosition shrinks a position. authority must own it.
func (e *Engine) DecreasePosition(ctx context.Context, id, authority string, sizeDelta uint64) (*model.Position, error) {
	return e.positionOp(ctx, "decrease", id, authority, true, func(c *ledger.Context) error {
		return ledger.Decrease(c, sizeDelta)
	})
}

// ChangeCollateral adds or removes collateral. authority must own the
// position.
func (e *Engine) ChangeCollateral(ctx context.Context, id, authority string, change ledger.CollateralChange, amount uint64) (*model.Position, error) {
	return e.positionOp(ctx, "collateral", id, authority, change == ledger.CollateralDecrease, func(c *ledger.Context) error {
		return ledger.ChangeCollateral(c, change, amount)
	})
}

// PayFunding settles a position's owed funding. Anyone may call it.
func (e *Engine) PayFunding(ctx context.Context, id string) (*model.Position, error) {
	return e.positionOp(ctx, "pay_funding", id, "", false, ledger.PayFunding)
}

// ClosePosition unwinds a position, sending its collateral to destination
// (the owner when empty). authority must own it.
func (e *Engine) ClosePosition(ctx context.Context, id, authority, destination string) error {
	if destination == "" {
		destination = authority
	}
	_, err := e.positionOp(ctx, "close", id, authority, false, func(c *ledger.Context) error {
		return ledger.Close(c, ledger.UserAccount(destination))
	})
	return err
}

// Liquidate closes an undercollateralized position. Anyone may call it.
func (e *Engine) Liquidate(ctx context.Context, id string) error {
	_, err := e.positionOp(ctx, "liquidate", id, "", false, func(c *ledger.Context) error {
		return ledger.Liquidate(c, e.risk)
	})
	return err
}

// positionOp loads a position and its vault under the vault's lock and
// runs fn. A non-empty authority must own the position.
func (e *Engine) positionOp(ctx context.Context, op, id, authority string, needsPrice bool, fn func(c *ledger.Context) error) (*model.Position, error) {
	var out *model.Position
	err := e.observe(op, func() error {
		peek, err := e.rows.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		defer e.locks.lock(peek.Mint)()

		c, err := e.newContext(ctx, peek.Mint)
		if err != nil {
			return err
		}
		// Re-read under the lock; the position may have changed or closed.
		if c.Position, err = e.rows.GetPosition(ctx, id); err != nil {
			return err
		}
		if authority != "" && c.Position.Authority != authority {
			return fmt.Errorf("%w: %s, position %s", ledger.ErrNotPositionOwner, authority, id)
		}
		if needsPrice {
			if err := e.checkPrice(c.Cache, c.Now); err != nil {
				return err
			}
		}
		if err := e.run(c, fn); err != nil {
			return err
		}
		if err := e.commitPosition(ctx, op, c, false); err != nil {
			return err
		}
		if !c.Closed {
			out = c.Position
		}
		slog.Info("position updated",
			"op", op,
			"position", id,
			"mint", peek.Mint,
			"size", c.Position.Size,
			"collateral", c.Position.Collateral,
			"closed", c.Closed,
		)
		return nil
	})
	return out, err
}

// commitPosition commits the position and its vault. A created position is
// inserted, so an ID that already exists fails the commit.
func (e *Engine) commitPosition(ctx context.Context, op string, c *ledger.Context, created bool) error {
	cs := &model.Changeset{
		Vaults: []*model.Vault{c.Vault},
		Caches: []*model.VaultCache{c.Cache},
	}
	switch {
	case c.Closed:
		cs.DeletedPositions = []string{c.Position.ID}
	case created:
		cs.NewPositions = []*model.Position{c.Position}
	default:
		cs.Positions = []*model.Position{c.Position}
	}
	meta := journalMeta{mint: c.Vault.Mint, authority: c.Position.Authority, position: c.Position.ID}
	return e.apply(ctx, op, meta, c.Now, cs, c.Effects, c.Events)
}

// --- Config ---

// Config returns the stored fee schedule, or the engine default if none
// has been stored.
func (e *Engine) Config(ctx context.Context) (model.Config, error) {
	return e.config(ctx)
}

// SetConfig validates and stores a new fee schedule.
func (e *Engine) SetConfig(ctx context.Context, cfg model.Config) error {
	return e.observe("set_config", func() error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.regMu.Lock()
		defer e.regMu.Unlock()
		if err := e.store.Commit(ctx, &model.Changeset{Config: &cfg}); err != nil {
			return err
		}
		slog.Info("fee schedule updated",
			"tax_bps", cfg.TaxBps,
			"stable_tax_bps", cfg.StableTaxBps,
			"mint_burn_fee_bps", cfg.MintBurnFeeBps,
			"swap_fee_bps", cfg.SwapFeeBps,
			"stable_swap_fee_bps", cfg.StableSwapFeeBps,
			"margin_fee_bps", cfg.MarginFeeBps,
		)
		return nil
	})
}

// Bootstrap stores cfg unless a schedule is already stored, and creates
// every vault in vaults that does not exist yet.
func (e *Engine) Bootstrap(ctx context.Context, cfg model.Config, vaults []ledger.VaultParams) error {
	if _, err := e.store.GetConfig(ctx); errors.Is(err, model.ErrNotFound) {
		if err := e.SetConfig(ctx, cfg); err != nil {
			return fmt.Errorf("bootstrap config: %w", err)
		}
	} else if err != nil {
		return err
	}
	for _, p := range vaults {
		if _, err := e.CreateVault(ctx, p); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return fmt.Errorf("bootstrap vault %s: %w", p.Mint, err)
		}
	}
	return nil
}

// --- Plumbing ---

func (e *Engine) config(ctx context.Context) (model.Config, error) {
	cfg, err := e.store.GetConfig(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return e.defaults, nil
	}
	if err != nil {
		return model.Config{}, err
	}
	return *cfg, nil
}

// newContext loads the config, the registry and, for a non-empty mint, the
// vault and its cache.
func (e *Engine) newContext(ctx context.Context, mint string) (*ledger.Context, error) {
	cfg, err := e.config(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := e.rows.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}
	c := &ledger.Context{Config: cfg, Registry: reg, Now: e.clock().Unix}
	if mint != "" {
		if c.Vault, c.Cache, err = e.loadVault(ctx, mint); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (e *Engine) loadVault(ctx context.Context, mint string) (*model.Vault, *model.VaultCache, error) {
	v, err := e.rows.GetVault(ctx, mint)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.rows.GetVaultCache(ctx, mint)
	if err != nil {
		return nil, nil, err
	}
	return v, c, nil
}

// checkPrice rejects a cached price older than the feed TTL. A vault that
// never received a price is left to the ledger, which reports it missing.
func (e *Engine) checkPrice(c *model.VaultCache, now int64) error {
	if c.OraclePrice == 0 {
		return nil
	}
	if now-c.OracleUpdatedAt > oracle.PriceFeedTTLSecs {
		return fmt.Errorf("%w: %s price published at %d, now %d", oracle.ErrStaleOracleFeed, c.Mint, c.OracleUpdatedAt, now)
	}
	return nil
}

// run executes fn and counts the funding accruals and leverage rejections
// it caused.
func (e *Engine) run(c *ledger.Context, fn func(c *ledger.Context) error) error {
	var before uint256.Int
	if c.Vault != nil {
		before = c.Vault.CumulativeFundingRate
	}
	if err := fn(c); err != nil {
		if c.Vault != nil && errors.Is(err, ledger.ErrPositionLeverageExceedsLimit) {
			metrics.LeverageRejections.WithLabelValues(c.Vault.Mint).Inc()
		}
		return err
	}
	if c.Vault != nil {
		countAccrual(c.Vault, before)
	}
	return nil
}

func countAccrual(v *model.Vault, before uint256.Int) {
	if !v.CumulativeFundingRate.Eq(&before) {
		metrics.FundingAccruals.WithLabelValues(v.Mint).Inc()
	}
}

type journalMeta struct {
	mint      string
	authority string
	position  string
}

// apply executes effects, commits cs with the journal of the operation and
// publishes its events. A failed commit reverses the executed effects.
func (e *Engine) apply(ctx context.Context, op string, meta journalMeta, now int64, cs *model.Changeset, effects []ledger.Effect, evs []model.Event) error {
	at := time.Unix(now, 0).UTC()
	journal, err := e.journal(op, meta, at, effects, evs)
	if err != nil {
		return err
	}
	cs.Journal = journal

	if len(effects) > 0 {
		if err := e.tokens.Execute(ctx, effects); err != nil {
			return fmt.Errorf("%s: execute effects: %w", op, err)
		}
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		if len(effects) > 0 {
			metrics.Compensations.Inc()
			// The request context may already be done; compensation must run.
			if rerr := e.tokens.Execute(context.WithoutCancel(ctx), ledger.ReverseAll(effects)); rerr != nil {
				slog.Error("compensation failed", "op", op, "mint", meta.mint, "err", rerr)
			}
		}
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	for _, v := range cs.Vaults {
		recordVault(v)
	}
	for _, c := range cs.Caches {
		recordCache(c)
	}
	if e.sink != nil && len(evs) > 0 {
		if err := e.sink.Publish(ctx, events.Wrap(op, at, evs)); err != nil {
			slog.Warn("event publish failed", "op", op, "err", err)
		}
	}
	return nil
}

func (e *Engine) journal(op string, meta journalMeta, at time.Time, effects []ledger.Effect, evs []model.Event) ([]model.JournalEntry, error) {
	entries := make([]model.JournalEntry, 0, len(effects)+len(evs))
	add := func(kind string, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("journal %s: %w", kind, err)
		}
		entries = append(entries, model.JournalEntry{
			ID:         e.newID(),
			Op:         op,
			Mint:       meta.mint,
			Authority:  meta.authority,
			PositionID: meta.position,
			Kind:       kind,
			Payload:    payload,
			Timestamp:  at,
		})
		return nil
	}
	for i := range effects {
		if err := add(string(effects[i].Kind), &effects[i]); err != nil {
			return nil, err
		}
	}
	for _, ev := range evs {
		if err := add(ev.EventName(), ev); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// observe times fn and records its outcome.
func (e *Engine) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = ledger.Classify(err).String()
		slog.Warn("operation rejected", "op", op, "class", result, "err", err)
	}
	metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	return err
}

func recordVault(v *model.Vault) {
	metrics.Liquidity.WithLabelValues(v.Mint, "deposits").Set(toFloat(v.Deposits))
	metrics.Liquidity.WithLabelValues(v.Mint, "reserved").Set(toFloat(v.Reserved))
}

func recordCache(c *model.VaultCache) {
	metrics.OpenInterest.WithLabelValues(c.Mint, string(model.Long)).Set(toFloat(c.LongOpenInterest))
	metrics.OpenInterest.WithLabelValues(c.Mint, string(model.Short)).Set(toFloat(c.ShortOpenInterest))
}

func toFloat(x uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}

// keyedMutex is a set of mutexes keyed by mint.
func positionLockKey(id string) string { return "position:" + id }

type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the mutexes of keys in sorted order and returns a function
// releasing them.
func (k *keyedMutex) lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []*sync.Mutex
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		k.mu.Lock()
		m, ok := k.m[key]
		if !ok {
			m = &sync.Mutex{}
			k.m[key] = m
		}
		k.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
