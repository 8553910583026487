// Package trade provides the HTTP handlers and the engine that runs vault
// and position operations against the store.
//
// Token amounts travel as integers in native units. Views add decimal
// renderings (shopspring/decimal), never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/store"
)

// Service exposes the engine over HTTP. Reads go straight to the store.
type Service struct {
	engine *Engine
	store  store.Store
	hub    *WSHub // optional
	faucet Faucet // optional, development only
}

// Faucet credits wallets out of thin air. MemoryTokenLedger is one.
type Faucet interface {
	Fund(acct ledger.Account, mint string, amount uint64)
}

// EnableFaucet mounts POST /accounts/{authority}/fund backed by f.
func (s *Service) EnableFaucet(f Faucet) { s.faucet = f }

// NewService creates a new service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(engine *Engine, st store.Store, hub *WSHub) *Service {
	return &Service{engine: engine, store: st, hub: hub}
}

// Routes mounts the API under r. Mutating routes go through limit when it
// is non-nil.
func (s *Service) Routes(r chi.Router, limit func(http.Handler) http.Handler) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/vaults", s.ListVaults)
	r.Get("/vaults/{mint}", s.GetVault)
	r.Get("/vaults/{mint}/journal", s.GetVaultJournal)
	r.Get("/accounts/{authority}/journal", s.GetAccountJournal)
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{id}", s.GetPosition)
	r.Get("/config", s.GetConfig)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/vaults", s.CreateVault)
		r.Delete("/vaults/{mint}", s.CloseVault)
		r.Post("/vaults/{mint}/price", s.UpdatePrice)
		r.Post("/vaults/{mint}/deposit", s.Deposit)
		r.Post("/vaults/{mint}/withdraw", s.Withdraw)

		r.Post("/positions/open", s.OpenPosition)
		r.Post("/positions/increase", s.IncreasePosition)
		r.Post("/positions/decrease", s.DecreasePosition)
		r.Post("/positions/collateral", s.ChangeCollateral)
		r.Post("/positions/pay-funding", s.PayFunding)
		r.Post("/positions/close", s.ClosePosition)
		r.Post("/positions/liquidate", s.Liquidate)

		r.Post("/swap", s.Swap)
		r.Put("/config", s.SetConfig)

		if s.faucet != nil {
			r.Post("/accounts/{authority}/fund", s.Fund)
		}
	})
}

// RateLimit returns a middleware admitting rps requests per second with the
// given burst across all clients.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Request/Response types ---

// LiquidityRequest is the body of deposit and withdraw. Amount is tokens
// for a deposit and LP shares for a withdrawal.
type LiquidityRequest struct {
	Authority string `json:"authority"`
	Amount    uint64 `json:"amount"`
}

// LiquidityResponse reports the output of a deposit (LP shares) or a
// withdrawal (tokens) and the vault afterwards.
type LiquidityResponse struct {
	Mint   string          `json:"mint"`
	Amount uint64          `json:"amount"`
	Vault  model.VaultView `json:"vault"`
}

// OpenRequest is the body of POST /positions/open.
type OpenRequest struct {
	ID         string          `json:"id,omitempty"`
	Authority  string          `json:"authority"`
	Mint       string          `json:"mint"`
	Collateral uint64          `json:"collateral"`
	Size       uint64          `json:"size"`
	Direction  model.Direction `json:"direction"`
}

// ChangeRequest is the body of every position operation after open. Each
// operation reads the fields it needs.
type ChangeRequest struct {
	PositionID      string                  `json:"position_id"`
	Authority       string                  `json:"authority,omitempty"`
	SizeDelta       uint64                  `json:"size_delta,omitempty"`
	CollateralDelta uint64                  `json:"collateral_delta,omitempty"`
	Change          ledger.CollateralChange `json:"change,omitempty"`
	Destination     string                  `json:"destination,omitempty"`
}

// PositionView is a position with its current leverage.
type PositionView struct {
	Position  *model.Position `json:"position"`
	Leverage  decimal.Decimal `json:"leverage"`
	Borrowed  uint64          `json:"borrowed"`
	EntryUSD  decimal.Decimal `json:"avg_entry_price_usd"`
	Unbounded bool            `json:"unbounded_leverage,omitempty"`
}

// NewPositionView renders p.
func NewPositionView(p *model.Position) PositionView {
	v := PositionView{
		Position: p,
		Borrowed: p.Borrowed(),
		EntryUSD: decimal.NewFromBigInt(new(big.Int).SetUint64(p.AvgEntryPrice), fixed.OraclePriceTargetExponent),
	}
	lev, ok := ledger.Leverage(p)
	if !ok {
		v.Unbounded = true
		return v
	}
	v.Leverage = decimal.NewFromBigInt(lev.ToBig(), -4)
	return v
}

// SwapRequest is the body of POST /swap.
type SwapRequest struct {
	Authority string `json:"authority"`
	MintIn    string `json:"mint_in"`
	MintOut   string `json:"mint_out"`
	AmountIn  uint64 `json:"amount_in"`
	MinOut    uint64 `json:"min_out"`
}

// SwapResponse reports the tokens paid out.
type SwapResponse struct {
	AmountOut uint64 `json:"amount_out"`
}

// --- Vault handlers ---

// CreateVault handles POST /api/v1/vaults
func (s *Service) CreateVault(w http.ResponseWriter, r *http.Request) {
	var req ledger.VaultParams
	if !decode(w, r, &req) {
		return
	}
	v, err := s.engine.CreateVault(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	c, err := s.store.GetVaultCache(r.Context(), v.Mint)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewVaultView(v, c))
}

// CloseVault handles DELETE /api/v1/vaults/{mint}
func (s *Service) CloseVault(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseVault(r.Context(), chi.URLParam(r, "mint")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVault handles GET /api/v1/vaults/{mint}
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	view, err := s.vaultView(r, chi.URLParam(r, "mint"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListVaults handles GET /api/v1/vaults
func (s *Service) ListVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.store.ListVaults(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]model.VaultView, 0, len(vaults))
	for i := range vaults {
		c, err := s.store.GetVaultCache(r.Context(), vaults[i].Mint)
		if err != nil {
			writeErr(w, err)
			return
		}
		views = append(views, model.NewVaultView(&vaults[i], c))
	}
	writeJSON(w, http.StatusOK, views)
}

// UpdatePrice handles POST /api/v1/vaults/{mint}/price
// The body is an oracle observation of the vault's feed type.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var obs oracle.Observation
	if !decode(w, r, &obs) {
		return
	}
	res, err := s.engine.UpdatePrice(r.Context(), chi.URLParam(r, "mint"), obs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Deposit handles POST /api/v1/vaults/{mint}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, s.engine.Deposit)
}

// Withdraw handles POST /api/v1/vaults/{mint}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, s.engine.Withdraw)
}

func (s *Service) liquidity(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, mint, authority string, amount uint64) (uint64, error)) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Authority == "" {
		writeError(w, "authority is required", http.StatusBadRequest)
		return
	}
	mint := chi.URLParam(r, "mint")
	out, err := op(r.Context(), mint, req.Authority, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	view, err := s.vaultView(r, mint)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidityResponse{Mint: mint, Amount: out, Vault: view})
}

// GetVaultJournal handles GET /api/v1/vaults/{mint}/journal
func (s *Service) GetVaultJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetJournalByMint(r.Context(), chi.URLParam(r, "mint"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAccountJournal handles GET /api/v1/accounts/{authority}/journal
func (s *Service) GetAccountJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetJournalByAuthority(r.Context(), chi.URLParam(r, "authority"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// FundRequest is the body of POST /accounts/{authority}/fund.
type FundRequest struct {
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

// Fund handles POST /api/v1/accounts/{authority}/fund
func (s *Service) Fund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Mint == "" || req.Amount == 0 {
		writeError(w, "mint and a positive amount are required", http.StatusBadRequest)
		return
	}
	authority := chi.URLParam(r, "authority")
	s.faucet.Fund(ledger.UserAccount(authority), req.Mint, req.Amount)
	slog.Warn("faucet funded wallet", "authority", authority, "mint", req.Mint, "amount", req.Amount)
	writeJSON(w, http.StatusOK, req)
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions/open
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Authority == "" || req.Mint == "" {
		writeError(w, "authority and mint are required", http.StatusBadRequest)
		return
	}
	p, err := s.engine.OpenPosition(r.Context(), req.Mint, ledger.OpenParams{
		ID:         req.ID,
		Authority:  req.Authority,
		Collateral: req.Collateral,
		Size:       req.Size,
		Direction:  req.Direction,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewPositionView(p))
}

// IncreasePosition handles POST /api/v1/positions/increase
func (s *Service) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, true, func(req ChangeRequest) (*model.Position, error) {
		return s.engine.IncreasePosition(r.Context(), req.PositionID, req.Authority, req.SizeDelta, req.CollateralDelta)
	})
}

// DecreasePosition handles POST /api/v1/positions/decrease
func (s *Service) DecreasePosition(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, true, func(req ChangeRequest) (*model.Position, error) {
		return s.engine.DecreasePosition(r.Context(), req.PositionID, req.Authority, req.SizeDelta)
	})
}

// ChangeCollateral handles POST /api/v1/positions/collateral
func (s *Service) ChangeCollateral(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, true, func(req ChangeRequest) (*model.Position, error) {
		switch req.Change {
		case ledger.CollateralIncrease, ledger.CollateralDecrease:
		default:
			return nil, fmt.Errorf("%w: change must be increase or decrease", ledger.ErrInvalidTokenAmount)
		}
		return s.engine.ChangeCollateral(r.Context(), req.PositionID, req.Authority, req.Change, req.CollateralDelta)
	})
}

// PayFunding handles POST /api/v1/positions/pay-funding
func (s *Service) PayFunding(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, false, func(req ChangeRequest) (*model.Position, error) {
		return s.engine.PayFunding(r.Context(), req.PositionID)
	})
}

// ClosePosition handles POST /api/v1/positions/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, true, func(req ChangeRequest) (*model.Position, error) {
		return nil, s.engine.ClosePosition(r.Context(), req.PositionID, req.Authority, req.Destination)
	})
}

// Liquidate handles POST /api/v1/positions/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	s.change(w, r, false, func(req ChangeRequest) (*model.Position, error) {
		return nil, s.engine.Liquidate(r.Context(), req.PositionID)
	})
}

// change decodes a ChangeRequest and runs op. A nil position means the
// operation closed it.
func (s *Service) change(w http.ResponseWriter, r *http.Request, owned bool, op func(ChangeRequest) (*model.Position, error)) {
	var req ChangeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PositionID == "" {
		writeError(w, "position_id is required", http.StatusBadRequest)
		return
	}
	if owned && req.Authority == "" {
		writeError(w, "authority is required", http.StatusBadRequest)
		return
	}
	p, err := op(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]any{"position_id": req.PositionID, "closed": true})
		return
	}
	writeJSON(w, http.StatusOK, NewPositionView(p))
}

// GetPosition handles GET /api/v1/positions/{id}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPositionView(p))
}

// ListPositions handles GET /api/v1/positions
// Optional filters: ?authority=<authority>&mint=<mint>.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := s.store.ListPositions(r.Context(), store.PositionFilter{
		Authority: q.Get("authority"),
		Mint:      q.Get("mint"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, NewPositionView(&positions[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Swap and config ---

// Swap handles POST /api/v1/swap
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Authority == "" {
		writeError(w, "authority is required", http.StatusBadRequest)
		return
	}
	out, err := s.engine.Swap(r.Context(), req.MintIn, req.MintOut, ledger.SwapParams{
		Authority: req.Authority,
		AmountIn:  req.AmountIn,
		MinOut:    req.MinOut,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SwapResponse{AmountOut: out})
}

// GetConfig handles GET /api/v1/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SetConfig handles PUT /api/v1/config
func (s *Service) SetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.Config
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.engine.SetConfig(r.Context(), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Helpers ---

func (s *Service) vaultView(r *http.Request, mint string) (model.VaultView, error) {
	v, err := s.store.GetVault(r.Context(), mint)
	if err != nil {
		return model.VaultView{}, err
	}
	c, err := s.store.GetVaultCache(r.Context(), mint)
	if err != nil {
		return model.VaultView{}, err
	}
	return model.NewVaultView(v, c), nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}

// writeErr maps err onto a status by its class. Internal errors are not
// echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	class := ledger.Classify(err)
	msg := err.Error()
	if class == ledger.ClassInternal {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, class.HTTPStatus())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
