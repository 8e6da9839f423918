// Package apy converts the raw yield representations published by on-chain protocols
// into annualized percentage yield. Every function is pure and never returns NaN or Inf.
package apy

import (
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// SecondsPerYear is the 365-day year used for every annualization
	SecondsPerYear = 31_536_000

	// MinSampleSeconds is the shortest interval a share-price pair may span
	MinSampleSeconds = 3600

	// MaxAPY and MinAPY bound share-price derived yields, in percent
	MaxAPY = 1000.0
	MinAPY = -100.0

	// RayDecimals is the scale of index rates (1e27)
	RayDecimals = 27

	// WadDecimals is the scale of per-period rates and share prices (1e18)
	WadDecimals = 18
)

var hundred = decimal.NewFromInt(100)

// ToFloat converts an integer scaled by 10^decimals into a float64.
//
// The conversion goes through an exact decimal, so the only precision loss is the
// final rounding to float64: values above 2^53 in their unscaled form lose low-order
// digits. That loss is far below the resolution of a percentage yield, and raw values
// are persisted losslessly as strings next to the derived figure.
func ToFloat(raw *big.Int, decimals int32) float64 {
	if raw == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(raw, -decimals).Float64()
	return finite(f)
}

// FromIndexRate converts a RAY-scaled annual rate into percent: raw / 1e27 * 100.
func FromIndexRate(raw *big.Int) float64 {
	if raw == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(raw, -RayDecimals).Mul(hundred).Float64()
	return finite(f)
}

// Options tune share-price derivation.
type Options struct {
	MinElapsed time.Duration
	Max        float64
	Min        float64
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return Options{
		MinElapsed: MinSampleSeconds * time.Second,
		Max:        MaxAPY,
		Min:        MinAPY,
	}
}

// FromSharePrice annualizes the growth between two share-price samples taken elapsed
// apart. It returns 0 when either price is non-positive or the samples are closer than
// opts.MinElapsed. Results are clamped to [opts.Min, opts.Max].
func FromSharePrice(current, previous *big.Int, elapsed time.Duration, opts Options) float64 {
	if current == nil || previous == nil || current.Sign() <= 0 || previous.Sign() <= 0 {
		return 0
	}
	if elapsed < opts.MinElapsed || elapsed <= 0 {
		return 0
	}

	cur := new(big.Float).SetInt(current)
	prev := new(big.Float).SetInt(previous)
	ratio, _ := new(big.Float).Quo(cur, prev).Float64()
	if ratio <= 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
		return 0
	}

	factor := float64(SecondsPerYear) / elapsed.Seconds()
	apy := (math.Exp(math.Log(ratio)*factor) - 1) * 100
	if math.IsNaN(apy) {
		return 0
	}
	return Clamp(apy, opts.Min, opts.Max)
}

// FromPerPeriodRate compounds a per-period rate over periodsPerYear periods:
// ((1 + r)^n - 1) * 100.
func FromPerPeriodRate(rate, periodsPerYear float64) float64 {
	if periodsPerYear <= 0 || rate <= -1 {
		return 0
	}
	return finite((math.Pow(1+rate, periodsPerYear) - 1) * 100)
}

// Cadence is the compounding interval of a per-period rate.
type Cadence string

const (
	CadenceSecond Cadence = "second"
	CadenceBlock  Cadence = "block"
)

// PeriodsPerYear returns how many compounding periods fit in a year. Per-block rates
// are annualized with the chain's average block time.
func PeriodsPerYear(c Cadence, blockTime time.Duration) float64 {
	switch c {
	case CadenceSecond:
		return SecondsPerYear
	case CadenceBlock:
		if blockTime <= 0 {
			return 0
		}
		return float64(SecondsPerYear) / blockTime.Seconds()
	default:
		return 0
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
