// Package oracle normalizes raw price-feed readings into prices at the
// engine's fixed target exponent and classifies them by confidence.
//
// The package does not fetch or decode feeds. Callers hand it the tuple a
// feed adapter produced and the current clock.
package oracle

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/vault-engine/internal/fixed"
)

const (
	// PriceFeedTTLSecs is the maximum age of a reading in wall-clock seconds.
	PriceFeedTTLSecs = 30

	// PriceTTLSlots is the maximum age of a slot-stamped reading in slots.
	PriceTTLSlots = 30

	// PythFeedDecimals and SwitchboardFeedDecimals are the base decimals of
	// the two feed families. Both publish whole units.
	PythFeedDecimals        int32 = 0
	SwitchboardFeedDecimals int32 = 0

	// SwitchboardFeedExponent is the implicit exponent of a float reading.
	SwitchboardFeedExponent int32 = 0
)

var (
	// ErrStaleOracleFeed is returned when a reading is older than the TTL.
	ErrStaleOracleFeed = errors.New("oracle: stale oracle feed")

	// ErrInvalidReading is returned for negative or non-finite prices.
	ErrInvalidReading = errors.New("oracle: invalid price reading")

	// ErrUnknownOracleType is returned for an oracle type the engine cannot read.
	ErrUnknownOracleType = errors.New("oracle: unknown oracle type")
)

// Type identifies the feed family backing a vault.
type Type string

const (
	Pyth        Type = "pyth"
	Switchboard Type = "switchboard"
)

// Valid reports whether t is a supported feed family.
func (t Type) Valid() bool {
	return t == Pyth || t == Switchboard
}

// Clock is the caller-supplied notion of "now".
type Clock struct {
	Unix int64  `json:"unix"`
	Slot uint64 `json:"slot,omitempty"`
}

// Reading is an integer feed observation (Pyth style): price and confidence
// are both expressed at Exponent.
type Reading struct {
	Price       int64  `json:"price"`
	Confidence  uint64 `json:"confidence"`
	Exponent    int32  `json:"exponent"`
	PublishTime int64  `json:"publish_time"`
	PublishSlot uint64 `json:"publish_slot,omitempty"`
}

// FloatReading is a float feed observation (Switchboard style) in whole units.
type FloatReading struct {
	Price       float64 `json:"price"`
	StdDev      float64 `json:"std_dev"`
	PublishTime int64   `json:"publish_time"`
	PublishSlot uint64  `json:"publish_slot,omitempty"`
}

// Result is a normalized price. When Bounded is set the confidence band
// exceeded the vault's threshold and Lower/Upper hold price -/+ confidence.
type Result struct {
	Price   uint64 `json:"price"`
	Bounded bool   `json:"bounded"`
	Lower   uint64 `json:"lower,omitempty"`
	Upper   uint64 `json:"upper,omitempty"`
}

// Conservative picks the bound least favorable to the pool: the upper
// bound for a buyer of exposure (longs entering) and the lower bound
// otherwise. A confident result always yields Price.
func (r Result) Conservative(buying bool) uint64 {
	if !r.Bounded {
		return r.Price
	}
	if buying {
		return r.Upper
	}
	return r.Lower
}

// Normalize validates the freshness of an integer reading, rescales price and
// confidence to fixed.OraclePriceTargetExponent and classifies the result.
// maxConfidence is expressed in the reading's own units.
func Normalize(r Reading, maxConfidence uint64, now Clock) (Result, error) {
	if err := checkFresh(r.PublishTime, r.PublishSlot, now); err != nil {
		return Result{}, err
	}
	if r.Price < 0 {
		return Result{}, fmt.Errorf("%w: negative price %d", ErrInvalidReading, r.Price)
	}

	price, err := rescale(uint64(r.Price), r.Exponent)
	if err != nil {
		return Result{}, err
	}
	conf, err := rescale(r.Confidence, r.Exponent)
	if err != nil {
		return Result{}, err
	}

	if r.Confidence < maxConfidence {
		return Result{Price: price}, nil
	}
	return bound(price, conf)
}

// NormalizeFloat is Normalize for float feeds. The float values are only
// ever used to derive the integer price; they never reach settlement.
func NormalizeFloat(r FloatReading, maxStdDev float64, now Clock) (Result, error) {
	if err := checkFresh(r.PublishTime, r.PublishSlot, now); err != nil {
		return Result{}, err
	}
	if math.IsNaN(r.StdDev) || r.StdDev < 0 {
		return Result{}, fmt.Errorf("%w: std deviation %v", ErrInvalidReading, r.StdDev)
	}

	price, err := fixed.RescalePrice(r.Price, SwitchboardFeedDecimals, SwitchboardFeedExponent, fixed.OraclePriceTargetExponent)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	std, err := fixed.RescalePrice(r.StdDev, SwitchboardFeedDecimals, SwitchboardFeedExponent, fixed.OraclePriceTargetExponent)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}

	if r.StdDev < maxStdDev {
		return Result{Price: price}, nil
	}
	return bound(price, std)
}

func checkFresh(publishTime int64, publishSlot uint64, now Clock) error {
	if now.Unix-publishTime > PriceFeedTTLSecs {
		return fmt.Errorf("%w: published at %d, now %d", ErrStaleOracleFeed, publishTime, now.Unix)
	}
	if publishSlot > 0 && now.Slot > publishSlot && now.Slot-publishSlot > PriceTTLSlots {
		return fmt.Errorf("%w: published at slot %d, now slot %d", ErrStaleOracleFeed, publishSlot, now.Slot)
	}
	return nil
}

func rescale(v uint64, exponent int32) (uint64, error) {
	scaled, err := fixed.Rescale(fixed.U64(v), PythFeedDecimals, exponent, fixed.OraclePriceTargetExponent)
	if err != nil {
		return 0, err
	}
	return fixed.ToUint64(scaled)
}

func bound(price, conf uint64) (Result, error) {
	if conf > price {
		return Result{}, fmt.Errorf("%w: confidence %d exceeds price %d", ErrInvalidReading, conf, price)
	}
	if price > math.MaxUint64-conf {
		return Result{}, fixed.ErrArithmeticOverflow
	}
	return Result{
		Price:   price,
		Bounded: true,
		Lower:   price - conf,
		Upper:   price + conf,
	}, nil
}
