package apy

import (
	"math/big"
	"time"

	"github.com/yourorg/yield-intel/internal/model"
)

// Input is one raw reading plus whatever history the rate kind needs.
type Input struct {
	Kind model.RateKind

	// Raw is the rate as published on chain: RAY for index rates, the current share
	// price for share-price kinds, a 1e18-scaled per-period rate otherwise.
	Raw *big.Int

	// PreviousPrice and PreviousAt hold the last stored share-price sample
	PreviousPrice *big.Int
	PreviousAt    time.Time

	// Now is the sample time of Raw
	Now time.Time

	// PeriodsPerYear annualizes per-period rates
	PeriodsPerYear float64

	Options Options
}

// Result is the derived yield for one reading.
type Result struct {
	// APY is in percent. Zero for opaque kinds and insufficient history.
	APY float64

	// Derived is false when the kind has no on-chain rate or history was insufficient
	Derived bool

	// NextPrice is the share-price sample to persist for the next cycle, nil to keep
	// the stored one
	NextPrice *big.Int
}

// Derive dispatches on the rate kind.
func Derive(in Input) Result {
	opts := in.Options
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	switch in.Kind {
	case model.RateKindIndexRate:
		if in.Raw == nil {
			return Result{}
		}
		return Result{APY: FromIndexRate(in.Raw), Derived: true}

	case model.RateKindPerPeriod:
		if in.Raw == nil {
			return Result{}
		}
		rate := ToFloat(in.Raw, WadDecimals)
		return Result{APY: FromPerPeriodRate(rate, in.PeriodsPerYear), Derived: true}

	case model.RateKindSharePrice:
		return deriveSharePrice(in, opts)

	default:
		return Result{}
	}
}

func deriveSharePrice(in Input, opts Options) Result {
	if in.Raw == nil || in.Raw.Sign() <= 0 {
		return Result{}
	}
	current := new(big.Int).Set(in.Raw)

	if in.PreviousPrice == nil || in.PreviousPrice.Sign() <= 0 || in.PreviousAt.IsZero() {
		return Result{NextPrice: current}
	}

	elapsed := in.Now.Sub(in.PreviousAt)
	if elapsed < opts.MinElapsed {
		// keep the older sample so the next cycle spans a full interval
		return Result{}
	}

	return Result{
		APY:       FromSharePrice(current, in.PreviousPrice, elapsed, opts),
		Derived:   true,
		NextPrice: current,
	}
}

// ParsePrice parses a stored share-price sample. Empty or malformed strings yield nil.
func ParsePrice(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
