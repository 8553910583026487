package ledger

import (
	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// RiskCheck decides whether a position may be liquidated. owedFunding is
// the funding the position has accrued but not yet paid.
type RiskCheck interface {
	Liquidatable(p *model.Position, v *model.Vault, owedFunding uint64) (bool, string)
}

// RiskCheckFunc adapts a function to RiskCheck.
type RiskCheckFunc func(p *model.Position, v *model.Vault, owedFunding uint64) (bool, string)

func (f RiskCheckFunc) Liquidatable(p *model.Position, v *model.Vault, owedFunding uint64) (bool, string) {
	return f(p, v, owedFunding)
}

// DefaultRiskCheck liquidates a position whose owed funding has consumed
// its collateral, or whose leverage net of owed funding has reached the
// vault's maximum.
var DefaultRiskCheck RiskCheck = RiskCheckFunc(func(p *model.Position, v *model.Vault, owedFunding uint64) (bool, string) {
	if owedFunding >= p.Collateral {
		return true, "funding exceeds collateral"
	}
	net := *p
	net.Collateral -= owedFunding
	lev, ok := Leverage(&net)
	if limit := fixed.U64(v.MaxLeverage); !ok || !lev.Lt(&limit) {
		return true, "leverage exceeds limit"
	}
	return false, ""
})
