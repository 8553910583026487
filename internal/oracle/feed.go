package oracle

import "fmt"

// Threshold is a vault's maximum confidence interval, one field per feed
// family.
type Threshold struct {
	Confidence uint64  `json:"confidence" yaml:"confidence"`
	StdDev     float64 `json:"std_dev" yaml:"std_dev"`
}

// Observation carries one reading of whichever family the vault uses.
// Exactly one of Reading and Float is set.
type Observation struct {
	Type    Type          `json:"type"`
	Reading *Reading      `json:"reading,omitempty"`
	Float   *FloatReading `json:"float,omitempty"`
}

// Normalize dispatches to Normalize or NormalizeFloat based on o.Type.
func (o Observation) Normalize(th Threshold, now Clock) (Result, error) {
	switch o.Type {
	case Pyth:
		if o.Reading == nil {
			return Result{}, fmt.Errorf("%w: pyth observation without reading", ErrInvalidReading)
		}
		return Normalize(*o.Reading, th.Confidence, now)
	case Switchboard:
		if o.Float == nil {
			return Result{}, fmt.Errorf("%w: switchboard observation without reading", ErrInvalidReading)
		}
		return NormalizeFloat(*o.Float, th.StdDev, now)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOracleType, o.Type)
	}
}

// PublishTime is the wall-clock time the observed reading was published,
// zero if the observation carries no reading.
func (o Observation) PublishTime() int64 {
	switch {
	case o.Reading != nil:
		return o.Reading.PublishTime
	case o.Float != nil:
		return o.Float.PublishTime
	}
	return 0
}
