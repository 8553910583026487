package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/atmx/vault-engine/internal/fixed"
)

// Account names a token balance: a user wallet, a position escrow or a
// vault pool.
type Account string

const (
	userPrefix   = "user:"
	escrowPrefix = "escrow:"
	vaultPrefix  = "vault:"
)

func UserAccount(authority string) Account    { return Account(userPrefix + authority) }
func EscrowAccount(positionID string) Account { return Account(escrowPrefix + positionID) }
func VaultAccount(mint string) Account        { return Account(vaultPrefix + mint) }

// Authority is the capability that must sign for a movement out of an
// account. Users sign for their own wallets; escrows and vaults are signed
// for by the engine on their behalf.
type Authority string

// RegistryAuthority signs LP share issuance.
const RegistryAuthority Authority = "registry"

// LPMint is the mint of LP shares.
const LPMint = "lp"

// Signer returns the authority required to debit a.
func (a Account) Signer() Authority {
	if s, ok := strings.CutPrefix(string(a), userPrefix); ok {
		return Authority(s)
	}
	return Authority(a)
}

// EffectKind is the kind of token movement.
type EffectKind string

const (
	KindTransfer EffectKind = "transfer"
	KindMint     EffectKind = "mint"
	KindBurn     EffectKind = "burn"
)

// Effect describes one token movement for a TokenLedger to execute. Mint
// effects have no From and burn effects have no To.
type Effect struct {
	Kind      EffectKind `json:"kind"`
	From      Account    `json:"from,omitempty"`
	To        Account    `json:"to,omitempty"`
	Mint      string     `json:"mint"`
	Amount    uint64     `json:"amount"`
	Authority Authority  `json:"authority"`
}

// Reverse returns the effect that undoes e.
func (e Effect) Reverse() Effect {
	r := e
	switch e.Kind {
	case KindMint:
		r.Kind, r.From, r.To = KindBurn, e.To, ""
		r.Authority = e.To.Signer()
	case KindBurn:
		r.Kind, r.From, r.To = KindMint, "", e.From
		r.Authority = RegistryAuthority
	default:
		r.From, r.To = e.To, e.From
		r.Authority = e.To.Signer()
	}
	return r
}

// ReverseAll returns the batch that undoes effects, in reverse order.
func ReverseAll(effects []Effect) []Effect {
	out := make([]Effect, 0, len(effects))
	for i := len(effects) - 1; i >= 0; i-- {
		out = append(out, effects[i].Reverse())
	}
	return out
}

// TokenLedger executes token movements. Execute applies the whole batch or
// nothing.
type TokenLedger interface {
	Execute(ctx context.Context, effects []Effect) error
}

// MemoryTokenLedger implements TokenLedger with in-memory balances. Used for
// testing and development.
type MemoryTokenLedger struct {
	mu       sync.Mutex
	balances map[Account]map[string]uint64
}

// NewMemoryTokenLedger creates an empty ledger.
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{balances: make(map[Account]map[string]uint64)}
}

// Fund credits an account out of thin air.
func (l *MemoryTokenLedger) Fund(acct Account, mint string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(acct, mint, amount)
}

// Balance returns the balance of acct in mint.
func (l *MemoryTokenLedger) Balance(acct Account, mint string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[acct][mint]
}

func (l *MemoryTokenLedger) Execute(_ context.Context, effects []Effect) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	type key struct {
		acct Account
		mint string
	}
	staged := make(map[key]uint64)
	get := func(k key) uint64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return l.balances[k.acct][k.mint]
	}

	for i, e := range effects {
		if e.Amount == 0 {
			return fmt.Errorf("effect %d: %w", i, ErrInvalidTokenAmount)
		}
		if e.Kind != KindMint {
			if e.Authority != e.From.Signer() {
				return fmt.Errorf("effect %d: %s cannot debit %s: %w", i, e.Authority, e.From, ErrUnauthorized)
			}
			from := key{e.From, e.Mint}
			bal := get(from)
			if bal < e.Amount {
				return fmt.Errorf("effect %d: %s holds %d %s, needs %d: %w", i, e.From, bal, e.Mint, e.Amount, ErrInsufficientFunds)
			}
			staged[from] = bal - e.Amount
		}
		if e.Kind != KindBurn {
			to := key{e.To, e.Mint}
			bal, err := fixed.Add64(get(to), e.Amount)
			if err != nil {
				return fmt.Errorf("effect %d: credit %d %s to %s: %w", i, e.Amount, e.Mint, e.To, err)
			}
			staged[to] = bal
		}
	}

	for k, v := range staged {
		if l.balances[k.acct] == nil {
			l.balances[k.acct] = make(map[string]uint64)
		}
		l.balances[k.acct][k.mint] = v
	}
	return nil
}

func (l *MemoryTokenLedger) credit(acct Account, mint string, amount uint64) {
	if l.balances[acct] == nil {
		l.balances[acct] = make(map[string]uint64)
	}
	l.balances[acct][mint] += amount
}
