// Package score turns a pool's yield history into stability metrics and ranks pools by
// risk-adjusted yield.
package score

import (
	"math"
	"time"

	"github.com/yourorg/yield-intel/internal/model"
)

// Window is a trailing interval of the APY series and its weight in the weighted CV.
type Window struct {
	Name   string
	Span   time.Duration
	Weight float64
}

// Windows used for stability, shortest first. Weights sum to 1.
var Windows = [3]Window{
	{Name: "1h", Span: time.Hour, Weight: 0.50},
	{Name: "6h", Span: 6 * time.Hour, Weight: 0.30},
	{Name: "24h", Span: 24 * time.Hour, Weight: 0.20},
}

const (
	// MaxWeightedCV caps volatility so that stability never drops below 0.5
	MaxWeightedCV = 0.5

	// HistorySpan is how far back the long-run average looks
	HistorySpan = 7 * 24 * time.Hour
)

// Sample is one point of the APY series.
type Sample struct {
	At  time.Time
	APY float64
}

// WindowStats summarizes the samples of one window.
type WindowStats struct {
	Count  int
	Mean   float64
	StdDev float64

	// CV is nil for an empty window
	CV *float64
}

// Stats computes the mean, population standard deviation and coefficient of variation
// of values. A non-positive mean yields a zero deviation and CV.
func Stats(values []float64) WindowStats {
	if len(values) == 0 {
		return WindowStats{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	n := float64(len(values))
	mean := sum / n

	st := WindowStats{Count: len(values), Mean: mean}
	if mean <= 0 || math.IsNaN(mean) || math.IsInf(mean, 0) {
		st.CV = model.Float(0)
		return st
	}

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n

	st.StdDev = math.Sqrt(variance)
	st.CV = model.Float(st.StdDev / mean)
	return st
}

// Stability combines the three window CVs. Both results are nil unless every window
// has a CV.
func Stability(cvs [3]*float64) (weightedCV, stability *float64) {
	var w float64
	for i, cv := range cvs {
		if cv == nil {
			return nil, nil
		}
		w += Windows[i].Weight * *cv
	}
	return model.Float(w), model.Float(1 - math.Min(w, MaxWeightedCV))
}

// Compute derives the metrics of one pool at now from its samples. Each window spans
// [now-span, now], lower bound inclusive.
func Compute(poolID string, samples []Sample, now time.Time) model.PoolMetrics {
	m := model.PoolMetrics{PoolID: poolID, ComputedAt: now}

	var cvs [3]*float64
	for i, w := range Windows {
		st := Stats(valuesSince(samples, now.Add(-w.Span), now))
		cvs[i] = st.CV
		if st.Count == 0 {
			continue
		}
		mean := model.Float(st.Mean)
		switch i {
		case 0:
			m.AvgAPY1h, m.CV1h = mean, st.CV
		case 1:
			m.AvgAPY6h, m.CV6h = mean, st.CV
		case 2:
			m.AvgAPY24h, m.CV24h = mean, st.CV
		}
	}
	m.WeightedCV, m.StabilityScore = Stability(cvs)

	week := valuesSince(samples, now.Add(-HistorySpan), now)
	if len(week) > 0 {
		m.AvgAPY7d = model.Float(Stats(week).Mean)
	}
	m.SampleCount = len(week)
	return m
}

func valuesSince(samples []Sample, from, to time.Time) []float64 {
	var out []float64
	for _, s := range samples {
		if s.At.Before(from) || s.At.After(to) {
			continue
		}
		out = append(out, s.APY)
	}
	return out
}

// SamplesFromSnapshots adapts stored snapshots to the scoring input.
func SamplesFromSnapshots(snaps []model.YieldSnapshot) []Sample {
	out := make([]Sample, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Sample{At: s.Timestamp, APY: s.APY})
	}
	return out
}
