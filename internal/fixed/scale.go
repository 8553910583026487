package fixed

import (
	"math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// shift is the power of ten separating the current and target scales.
func shift(baseDecimals, currentExponent, targetExponent int32) int32 {
	return baseDecimals + currentExponent - targetExponent
}

// Rescale moves amount from currentExponent to targetExponent:
//
//	shift = baseDecimals + currentExponent - targetExponent
//
// A negative shift floor-divides by 10^|shift| (precision loss truncates
// toward zero); a non-negative shift multiplies by 10^shift and fails with
// ErrArithmeticOverflow past 128 bits.
func Rescale(amount uint256.Int, baseDecimals, currentExponent, targetExponent int32) (uint256.Int, error) {
	s := shift(baseDecimals, currentExponent, targetExponent)
	if s < 0 {
		adj, ok := pow10(-s)
		if !ok {
			// 10^|s| exceeds any 128-bit amount.
			return uint256.Int{}, nil
		}
		return Div(amount, adj)
	}
	adj, ok := pow10(s)
	if !ok {
		if amount.IsZero() {
			return uint256.Int{}, nil
		}
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return Mul(amount, adj)
}

// RescalePrice applies the same exponent arithmetic to a float oracle value.
// The float is taken at its shortest decimal representation, shifted exactly
// and truncated toward zero, so identical inputs always produce identical
// integers. It is meant for oracle prices and confidences only; settled token
// amounts go through Rescale.
func RescalePrice(price float64, baseDecimals, currentExponent, targetExponent int32) (uint64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return 0, ErrInvalidPrice
	}
	s := shift(baseDecimals, currentExponent, targetExponent)
	scaled := decimal.NewFromFloat(price).Shift(s).Truncate(0).BigInt()
	if !scaled.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return scaled.Uint64(), nil
}

// AdjustForDecimals divides amount by 10^decimals.
func AdjustForDecimals(amount uint256.Int, decimals uint8) uint256.Int {
	// A pure division cannot fail.
	out, _ := Rescale(amount, 0, 0, int32(decimals))
	return out
}

// ToNativeUnits multiplies amount by 10^decimals. It is the inverse of
// AdjustForDecimals for any amount that did not lose digits on the way down.
func ToNativeUnits(amount uint256.Int, decimals uint8) (uint256.Int, error) {
	return Rescale(amount, int32(decimals), 0, 0)
}
