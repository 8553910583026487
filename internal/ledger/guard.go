package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// Leverage is size * 10_000 / collateral. ok is false for a position with
// size but no collateral, whose leverage is unbounded.
func Leverage(p *model.Position) (lev uint256.Int, ok bool) {
	if p.Size == 0 {
		return uint256.Int{}, true
	}
	if p.Collateral == 0 {
		return uint256.Int{}, false
	}
	// size * 10_000 cannot exceed 128 bits.
	lev, _ = fixed.MulDiv(fixed.U64(p.Size), fixed.U64(fixed.BasisPointsDivisor), fixed.U64(p.Collateral))
	return lev, true
}

// CheckLeverage fails when the position's leverage has reached the vault's
// maximum. It must be the last step of any operation that changes size or
// collateral.
func CheckLeverage(p *model.Position, v *model.Vault) error {
	lev, ok := Leverage(p)
	if !ok {
		return fmt.Errorf("%w: size %d with no collateral", ErrPositionLeverageExceedsLimit, p.Size)
	}
	if limit := fixed.U64(v.MaxLeverage); !lev.Lt(&limit) {
		return fmt.Errorf("%w: %s bps, max %d", ErrPositionLeverageExceedsLimit, lev.Dec(), v.MaxLeverage)
	}
	return nil
}
