package fixed

import "github.com/holiman/uint256"

// TokenToUSD converts a native token amount to a USD amount in quote-token
// units, given a price normalized to OraclePriceTargetExponent.
//
// Example: 100_000_000_000 native units of a 5-decimal token at 10_600
// (1.06e-6 USD) is 1_060_000 (1.06 USD).
func TokenToUSD(amount uint256.Int, price uint64, decimals uint8) (uint256.Int, error) {
	notional, err := Mul(amount, U64(price))
	if err != nil {
		return uint256.Int{}, err
	}
	scaled, err := Rescale(notional, QuoteTokenDecimals, OraclePriceTargetExponent, USDConversionTargetExponent)
	if err != nil {
		return uint256.Int{}, err
	}
	return AdjustForDecimals(scaled, decimals), nil
}

// USDToToken is the inverse of TokenToUSD. It floors, so a round trip never
// creates tokens.
func USDToToken(usd uint256.Int, price uint64, decimals uint8) (uint256.Int, error) {
	if price == 0 {
		return uint256.Int{}, ErrDivideByZero
	}
	native, err := ToNativeUnits(usd, decimals)
	if err != nil {
		return uint256.Int{}, err
	}
	scaled, err := Rescale(native, -QuoteTokenDecimals, USDConversionTargetExponent, OraclePriceTargetExponent)
	if err != nil {
		return uint256.Int{}, err
	}
	return Div(scaled, U64(price))
}

// TokenToUSD64 is TokenToUSD for a 64-bit token amount.
func TokenToUSD64(amount, price uint64, decimals uint8) (uint256.Int, error) {
	return TokenToUSD(U64(amount), price, decimals)
}
