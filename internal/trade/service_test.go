package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/trade"
)

// newTestRouter mounts a Service backed by env under /api/v1.
func newTestRouter(t *testing.T, e *env, limit func(http.Handler) http.Handler) chi.Router {
	t.Helper()
	svc := trade.NewService(e.engine, e.store, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r, limit) })
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error string `json:"error"`
}

// --- Vault endpoints ---

func TestCreateVaultHandler(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, nil)

	w := do(t, router, "POST", "/api/v1/vaults", vaultParams("SOL", false))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view struct {
		Vault struct {
			Mint     string `json:"mint"`
			Deposits string `json:"deposits"`
		} `json:"vault"`
		Cache struct {
			OracleType string `json:"oracle_type"`
		} `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "SOL", view.Vault.Mint)
	assert.Equal(t, "0", view.Vault.Deposits, "128-bit amounts travel as decimal strings")
	assert.Equal(t, "pyth", view.Cache.OracleType)

	w = do(t, router, "POST", "/api/v1/vaults", vaultParams("SOL", false))
	assert.Equal(t, http.StatusConflict, w.Code)

	bad := vaultParams("ETH", false)
	bad.MaxLeverage = 10_000
	w = do(t, router, "POST", "/api/v1/vaults", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/vaults", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]json.RawMessage](t, w), 1)

	w = do(t, router, "GET", "/api/v1/vaults/ETH", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiquidityHandlers(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, nil)
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/vaults", vaultParams("SOL", false)).Code)

	w := do(t, router, "POST", "/api/v1/vaults/SOL/deposit", trade.LiquidityRequest{Authority: lp, Amount: 1_000})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code, "no price yet")
	assert.Contains(t, decodeBody[errorBody](t, w).Error, "no oracle price")

	w = do(t, router, "POST", "/api/v1/vaults/SOL/price", pythAt(t0))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(10_000_000_000), decodeBody[oracle.Result](t, w).Price)

	e.tokens.Fund(ledger.UserAccount(lp), "SOL", 1_000_000)
	w = do(t, router, "POST", "/api/v1/vaults/SOL/deposit", trade.LiquidityRequest{Authority: lp, Amount: 1_000_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dep struct {
		Amount uint64 `json:"amount"`
		Vault  struct {
			Deposits string `json:"deposits_tokens"`
		} `json:"vault"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dep))
	assert.Equal(t, uint64(997_000), dep.Amount)
	assert.Equal(t, "1", dep.Vault.Deposits, "one whole 6-decimal token")

	w = do(t, router, "POST", "/api/v1/vaults/SOL/withdraw", trade.LiquidityRequest{Authority: lp, Amount: 2_000_000})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/vaults/SOL/withdraw", trade.LiquidityRequest{Amount: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/vaults/DOGE/deposit", trade.LiquidityRequest{Authority: lp, Amount: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/vaults/SOL/journal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody[[]json.RawMessage](t, w))

	w = do(t, router, "GET", "/api/v1/accounts/"+lp+"/journal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody[[]json.RawMessage](t, w))

	w = do(t, router, "DELETE", "/api/v1/vaults/SOL", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "vault still holds deposits")
}

// --- Position endpoints ---

func TestPositionHandlers(t *testing.T) {
	e := newEnv(t)
	e.vault(t, "SOL", false)
	router := newTestRouter(t, e, nil)
	e.tokens.Fund(ledger.UserAccount(alice), "SOL", 10_000)

	w := do(t, router, "POST", "/api/v1/positions/open", trade.OpenRequest{
		ID: "p1", Authority: alice, Mint: "SOL", Collateral: 10_000, Size: 50_000, Direction: "long",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view struct {
		Position struct {
			ID       string `json:"id"`
			Reserved uint64 `json:"reserved"`
		} `json:"position"`
		Leverage string `json:"leverage"`
		Borrowed uint64 `json:"borrowed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "p1", view.Position.ID)
	assert.Equal(t, uint64(40_000), view.Position.Reserved)
	assert.Equal(t, uint64(40_000), view.Borrowed)
	assert.Equal(t, "5", view.Leverage)

	w = do(t, router, "POST", "/api/v1/positions/open", trade.OpenRequest{
		Authority: alice, Mint: "SOL", Collateral: 1_000, Size: 20_000, Direction: "long",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "20x exceeds the 10x limit")

	w = do(t, router, "GET", "/api/v1/positions?authority="+alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]json.RawMessage](t, w), 1)

	w = do(t, router, "GET", "/api/v1/positions?authority="+bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]json.RawMessage](t, w))

	w = do(t, router, "POST", "/api/v1/positions/increase", trade.ChangeRequest{PositionID: "p1", Authority: bob, SizeDelta: 1_000})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/positions/collateral", trade.ChangeRequest{
		PositionID: "p1", Authority: alice, Change: "sideways", CollateralDelta: 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/positions/pay-funding", trade.ChangeRequest{PositionID: "p1"})
	assert.Equal(t, http.StatusConflict, w.Code, "funding interval has not elapsed")

	w = do(t, router, "POST", "/api/v1/positions/liquidate", trade.ChangeRequest{PositionID: "p1"})
	assert.Equal(t, http.StatusConflict, w.Code, "healthy position")

	w = do(t, router, "POST", "/api/v1/positions/close", trade.ChangeRequest{PositionID: "p1", Authority: alice, Destination: bob})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, w)["closed"])
	assert.Equal(t, uint64(10_000), e.tokens.Balance(ledger.UserAccount(bob), "SOL"))

	w = do(t, router, "GET", "/api/v1/positions/p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSwapHandler(t *testing.T) {
	e := newEnv(t)
	e.vault(t, "SOL", false)
	e.vault(t, "USDC", true)
	router := newTestRouter(t, e, nil)
	e.tokens.Fund(ledger.UserAccount(alice), "SOL", 10_000)

	w := do(t, router, "POST", "/api/v1/swap", trade.SwapRequest{
		Authority: alice, MintIn: "SOL", MintOut: "USDC", AmountIn: 10_000, MinOut: 9_900,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(9_970), decodeBody[trade.SwapResponse](t, w).AmountOut)

	w = do(t, router, "POST", "/api/v1/swap", trade.SwapRequest{
		Authority: alice, MintIn: "SOL", MintOut: "BTC", AmountIn: 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStalePriceHandler(t *testing.T) {
	e := newEnv(t)
	e.vault(t, "SOL", false)
	router := newTestRouter(t, e, nil)
	e.advance(oracle.PriceFeedTTLSecs + 1)

	e.tokens.Fund(ledger.UserAccount(lp), "SOL", 1_000)
	w := do(t, router, "POST", "/api/v1/vaults/SOL/deposit", trade.LiquidityRequest{Authority: lp, Amount: 1_000})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

// --- Config and plumbing ---

func TestConfigHandlers(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, nil)

	w := do(t, router, "GET", "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decodeBody[map[string]int](t, w)
	assert.Equal(t, 30, cfg["swap_fee_bps"])

	w = do(t, router, "PUT", "/api/v1/config", map[string]int{"tax_bps": 10_000})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "PUT", "/api/v1/config", map[string]int{"swap_fee_bps": 12})
	require.Equal(t, http.StatusOK, w.Code)
	got, err := e.engine.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(12), got.SwapFeeBps)
}

func TestInvalidBody(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, nil)

	req := httptest.NewRequest("POST", "/api/v1/positions/open", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody[errorBody](t, w).Error, "invalid request body")
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, trade.RateLimit(0.001, 1))

	assert.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/vaults", vaultParams("SOL", false)).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, router, "POST", "/api/v1/vaults", vaultParams("ETH", false)).Code)
	assert.Equal(t, http.StatusOK, do(t, router, "GET", "/api/v1/vaults", nil).Code, "reads are not limited")
}

func TestFaucet(t *testing.T) {
	e := newEnv(t)
	router := newTestRouter(t, e, nil)
	w := do(t, router, "POST", "/api/v1/accounts/"+alice+"/fund", trade.FundRequest{Mint: "SOL", Amount: 5})
	assert.Equal(t, http.StatusNotFound, w.Code, "disabled by default")

	svc := trade.NewService(e.engine, e.store, nil)
	svc.EnableFaucet(e.tokens)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r, nil) })

	w = do(t, r, "POST", "/api/v1/accounts/"+alice+"/fund", trade.FundRequest{Mint: "SOL", Amount: 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(5), e.tokens.Balance(ledger.UserAccount(alice), "SOL"))
}
