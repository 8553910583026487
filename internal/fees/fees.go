// Package fees computes margin, funding and pool-rebalancing fees.
package fees

import (
	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// PositionFee is the margin fee on a size change: the difference between
// sizeDelta and its fee-discounted value, so any non-zero rate rounds the
// fee up.
func PositionFee(marginFeeBps uint16, sizeDelta uint64) uint64 {
	return ApplyBps(sizeDelta, uint64(marginFeeBps))
}

// ApplyBps returns the fee of bps basis points on amount, rounded up.
// Rates at or above 100% take the whole amount.
func ApplyBps(amount, bps uint64) uint64 {
	if amount == 0 || bps == 0 {
		return 0
	}
	if bps >= fixed.BasisPointsDivisor {
		return amount
	}
	// amount * (10_000 - bps) fits in 128 bits for any uint64 amount.
	afterFee, _ := fixed.MulDiv(fixed.U64(amount), fixed.U64(fixed.BasisPointsDivisor-bps), fixed.U64(fixed.BasisPointsDivisor))
	return amount - afterFee.Uint64()
}

// FundingFee is the funding owed by a position of size since it last
// settled at lastIndex:
//
//	(cumulative - lastIndex) * size
//
// A regressed index is reported as ErrArithmeticUnderflow and a fee that
// does not fit in 64 bits as ErrArithmeticOverflow.
func FundingFee(cumulative, lastIndex uint256.Int, size uint64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	delta, err := fixed.Sub(cumulative, lastIndex)
	if err != nil {
		return 0, err
	}
	fee, err := fixed.Mul(delta, fixed.U64(size))
	if err != nil {
		return 0, err
	}
	return fixed.ToUint64(fee)
}

// DynamicFeeBps is the fee rate for an operation that moves the vault's LP
// debt by debtDelta (up when increment is set). Vaults without dynamic fees,
// and vaults whose target debt is zero, pay baseBps. Moving toward the
// target earns a rebate of taxBps*initialDiff/target (never below zero);
// moving away pays baseBps plus taxBps scaled by the average distance,
// capped at the target.
func DynamicFeeBps(v *model.Vault, reg *model.Registry, debtDelta uint256.Int, baseBps, taxBps uint16, increment bool) (uint64, error) {
	base := uint64(baseBps)
	if !v.HasDynamicFees {
		return base, nil
	}

	initial := v.DebtAmount
	var next uint256.Int
	if increment {
		var err error
		if next, err = fixed.Add(initial, debtDelta); err != nil {
			return 0, err
		}
	} else if !debtDelta.Gt(&initial) {
		next, _ = fixed.Sub(initial, debtDelta)
	}

	target, err := reg.TargetDebt(v.CacheIndex)
	if err != nil {
		return 0, err
	}
	if target.IsZero() {
		return base, nil
	}

	initialDiff := absDiff(initial, target)
	nextDiff := absDiff(next, target)
	tax := fixed.U64(uint64(taxBps))

	if nextDiff.Lt(&initialDiff) {
		rebate, err := fixed.MulDiv(tax, initialDiff, target)
		if err != nil {
			return 0, err
		}
		if baseW := fixed.U64(base); rebate.Gt(&baseW) {
			return 0, nil
		}
		return base - rebate.Uint64(), nil
	}

	sum, err := fixed.Add(initialDiff, nextDiff)
	if err != nil {
		return 0, err
	}
	avg, _ := fixed.Div(sum, fixed.U64(2))
	avg = fixed.Min(avg, target)

	extra, err := fixed.MulDiv(tax, avg, target)
	if err != nil {
		return 0, err
	}
	// avg <= target, so extra <= taxBps.
	return base + extra.Uint64(), nil
}

func absDiff(x, y uint256.Int) uint256.Int {
	if x.Gt(&y) {
		d, _ := fixed.Sub(x, y)
		return d
	}
	d, _ := fixed.Sub(y, x)
	return d
}
