// Package aggregate summarizes the yield of the whole tracked market.
package aggregate

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/yield-intel/internal/model"
)

// Summary describes the active pools as one market.
type Summary struct {
	Pools    int     `json:"pools"`
	TotalTVL float64 `json:"total_tvl"`

	// WeightedAPY is the TVL-weighted mean APY, in percent
	WeightedAPY float64 `json:"weighted_apy"`
	MedianAPY   float64 `json:"median_apy"`

	// TrimmedAPY drops the highest and lowest tenth before weighting
	TrimmedAPY float64 `json:"trimmed_apy"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTrim is the share cut from each end by TrimmedMean.
const DefaultTrim = 0.1

// usable reports whether a pool contributes to market figures.
func usable(p model.Pool) bool {
	return p.State == model.StateActive && p.CurrentTVL > 0 && p.CurrentAPY >= 0 &&
		!math.IsNaN(p.CurrentAPY) && !math.IsInf(p.CurrentAPY, 0)
}

// Summarize aggregates the active pools with positive TVL. The weighted sum is split
// across one chunk per CPU.
func Summarize(ctx context.Context, pools []model.Pool) (Summary, error) {
	valid := make([]model.Pool, 0, len(pools))
	for _, p := range pools {
		if usable(p) {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return Summary{}, ctx.Err()
	}

	apy, tvl, err := WeightedParallel(ctx, valid, runtime.NumCPU())
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Pools:       len(valid),
		TotalTVL:    tvl,
		WeightedAPY: apy,
		MedianAPY:   Median(valid, func(p model.Pool) float64 { return p.CurrentAPY }),
		TrimmedAPY:  TrimmedMean(valid, DefaultTrim),
	}
	for _, p := range valid {
		if p.LastUpdatedAt.After(s.UpdatedAt) {
			s.UpdatedAt = p.LastUpdatedAt
		}
	}
	return s, nil
}

// Weighted returns the TVL-weighted APY and the total TVL of the usable pools.
func Weighted(pools []model.Pool) (apy, tvl float64) {
	var weighted float64
	for _, p := range pools {
		if !usable(p) {
			continue
		}
		tvl += p.CurrentTVL
		weighted += p.CurrentAPY * p.CurrentTVL
	}
	if tvl <= 0 || math.IsNaN(weighted) || math.IsInf(weighted, 0) {
		return 0, 0
	}
	return weighted / tvl, tvl
}

// WeightedParallel computes Weighted with one goroutine per chunk of pools. A done ctx
// abandons the sum and returns its error.
func WeightedParallel(ctx context.Context, pools []model.Pool, chunks int) (apy, tvl float64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if chunks <= 1 || len(pools) < chunks {
		apy, tvl = Weighted(pools)
		return apy, tvl, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		weighted float64
	)
	size := (len(pools) + chunks - 1) / chunks
	for start := 0; start < len(pools); start += size {
		end := start + size
		if end > len(pools) {
			end = len(pools)
		}
		wg.Add(1)
		go func(part []model.Pool) {
			defer wg.Done()
			var w, t float64
			for _, p := range part {
				if ctx.Err() != nil {
					return
				}
				if usable(p) {
					t += p.CurrentTVL
					w += p.CurrentAPY * p.CurrentTVL
				}
			}
			mu.Lock()
			weighted += w
			tvl += t
			mu.Unlock()
		}(pools[start:end])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if tvl <= 0 || math.IsNaN(weighted) || math.IsInf(weighted, 0) {
		return 0, 0, nil
	}
	return weighted / tvl, tvl, nil
}

// Median returns the median of selector over pools with positive TVL.
func Median(pools []model.Pool, selector func(model.Pool) float64) float64 {
	values := make([]float64, 0, len(pools))
	for _, p := range pools {
		if p.CurrentTVL > 0 {
			values = append(values, selector(p))
		}
	}
	if len(values) == 0 {
		return 0
	}

	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// TrimmedMean sorts by APY, cuts trim of the pools from each end and weights the rest by
// TVL. Fewer than three pools or a trim outside (0, 0.5) falls back to Weighted.
func TrimmedMean(pools []model.Pool, trim float64) float64 {
	valid := make([]model.Pool, 0, len(pools))
	for _, p := range pools {
		if usable(p) {
			valid = append(valid, p)
		}
	}
	if len(valid) < 3 || trim <= 0 || trim >= 0.5 {
		apy, _ := Weighted(valid)
		return apy
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].CurrentAPY < valid[j].CurrentAPY
	})
	cut := int(float64(len(valid)) * trim)
	apy, _ := Weighted(valid[cut : len(valid)-cut])
	return apy
}
