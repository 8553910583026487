package fees

import (
	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

const (
	// SecondsInHour is the funding interval.
	SecondsInHour = 3600

	// FundingRateFactor scales utilization into the per-interval rate.
	FundingRateFactor = 100
)

// UpdateFundingRate accrues funding on v for every whole hour elapsed since
// its last update:
//
//	rate = FundingRateFactor * reserved * intervals / deposits
//
// It reports whether the index moved. Calls within the same hour bucket are
// no-ops. An empty vault returns fixed.ErrDivideByZero and is left untouched.
func UpdateFundingRate(v *model.Vault, now int64) (bool, error) {
	if now-v.LastFundingUpdate < SecondsInHour {
		return false, nil
	}
	if v.Deposits.IsZero() {
		return false, fixed.ErrDivideByZero
	}

	intervals := uint64(now-v.LastFundingUpdate) / SecondsInHour
	weighted, err := fixed.Mul(fixed.U64(FundingRateFactor), v.Reserved)
	if err != nil {
		return false, err
	}
	rate, err := fixed.MulDiv(weighted, fixed.U64(intervals), v.Deposits)
	if err != nil {
		return false, err
	}
	cumulative, err := fixed.Add(v.CumulativeFundingRate, rate)
	if err != nil {
		return false, err
	}

	v.CumulativeFundingRate = cumulative
	v.LastFundingUpdate = now
	return true, nil
}
