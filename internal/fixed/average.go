package fixed

import "github.com/holiman/uint256"

// NextAveragePrice returns the weighted average entry price after adding
// sizeDelta at currentPrice to a position (or an open-interest aggregate) of
// currentSize at currentAvgPrice:
//
//	(currentSize*currentAvgPrice + sizeDelta*currentPrice) / (currentSize + sizeDelta)
//
// With currentSize == 0 the result is currentPrice. Both sizes being zero is
// a caller error and reported as ErrDivideByZero.
func NextAveragePrice(currentSize uint256.Int, currentAvgPrice, sizeDelta, currentPrice uint64) (uint64, error) {
	total, err := Add(currentSize, U64(sizeDelta))
	if err != nil {
		return 0, err
	}
	if total.IsZero() {
		return 0, ErrDivideByZero
	}
	held, err := Mul(currentSize, U64(currentAvgPrice))
	if err != nil {
		return 0, err
	}
	added, err := Mul(U64(sizeDelta), U64(currentPrice))
	if err != nil {
		return 0, err
	}
	notional, err := Add(held, added)
	if err != nil {
		return 0, err
	}
	avg, err := Div(notional, total)
	if err != nil {
		return 0, err
	}
	if !avg.IsUint64() {
		return 0, ErrInvalidAveragePrice
	}
	return avg.Uint64(), nil
}
