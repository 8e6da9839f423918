// Package validation screens discovery feed records before they are reconciled into the
// pool set.
package validation

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/apy"
	"github.com/yourorg/yield-intel/internal/ingest"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MinTVL defines the minimum external TVL, in USD, for a record to be kept
	MinTVL float64

	// MaxAPY defines the maximum reasonable APY in percent
	MaxAPY float64

	// EnableOutlierDetection enables statistical outlier detection on APY
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MinTVL:                 10_000,
		MaxAPY:                 apy.MaxAPY,
		EnableOutlierDetection: false,
		OutlierIQRMultiplier:   3.0,
	}
}

// FilterInvalid removes records that fail basic validation criteria.
func FilterInvalid(pools []ingest.DiscoveredPool) []ingest.DiscoveredPool {
	return FilterInvalidWithOptions(pools, DefaultValidationOptions())
}

// FilterInvalidWithOptions removes records with custom validation options.
func FilterInvalidWithOptions(pools []ingest.DiscoveredPool, opts ValidationOptions) []ingest.DiscoveredPool {
	valid := filterBasicCriteria(pools, opts)

	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}
	return valid
}

// FilterInvalidConcurrently performs validation in parallel for large feeds. Order is
// preserved.
func FilterInvalidConcurrently(pools []ingest.DiscoveredPool, opts ValidationOptions) []ingest.DiscoveredPool {
	if len(pools) < 100 {
		return FilterInvalidWithOptions(pools, opts)
	}

	workerCount := 4
	chunkSize := (len(pools) + workerCount - 1) / workerCount
	results := make([][]ingest.DiscoveredPool, workerCount)
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		if start >= len(pools) {
			break
		}
		end := start + chunkSize
		if end > len(pools) {
			end = len(pools)
		}

		wg.Add(1)
		go func(i int, chunk []ingest.DiscoveredPool) {
			defer wg.Done()
			results[i] = filterBasicCriteria(chunk, opts)
		}(i, pools[start:end])
	}
	wg.Wait()

	var valid []ingest.DiscoveredPool
	for _, chunk := range results {
		valid = append(valid, chunk...)
	}

	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}
	return valid
}

func filterBasicCriteria(pools []ingest.DiscoveredPool, opts ValidationOptions) []ingest.DiscoveredPool {
	valid := make([]ingest.DiscoveredPool, 0, len(pools))
	for _, p := range pools {
		if isValidPool(p, opts) {
			valid = append(valid, p)
		} else {
			logrus.WithFields(logrus.Fields{
				"source_id": p.SourceID,
				"apy":       p.ExternalAPY,
				"tvl":       p.ExternalTVL,
			}).Debug("Filtered invalid discovery record")
		}
	}
	return valid
}

func isValidPool(p ingest.DiscoveredPool, opts ValidationOptions) bool {
	if p.Address == "" || p.ChainID == 0 {
		return false
	}

	// negative yields are feed errors for lending and vault positions
	if p.ExternalAPY < 0 {
		return false
	}
	if p.ExternalAPY > opts.MaxAPY {
		return false
	}

	// low-liquidity pools are easy to manipulate
	if p.ExternalTVL < opts.MinTVL {
		return false
	}
	return true
}

// filterOutliers removes statistical outliers using the IQR method
func filterOutliers(pools []ingest.DiscoveredPool, iqrMultiplier float64) []ingest.DiscoveredPool {
	if len(pools) <= 3 {
		return pools
	}

	apys := make([]float64, len(pools))
	for i, p := range pools {
		apys[i] = p.ExternalAPY
	}

	sort.Float64s(apys)
	q1 := apys[len(apys)/4]
	q3 := apys[len(apys)*3/4]
	iqr := q3 - q1

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// near-identical yields would otherwise reject any variation at all
	if upperBound-lowerBound < 0.5 {
		mean := calculateMean(apys)
		lowerBound = mean * 0.5
		upperBound = mean * 2.0
	}

	valid := make([]ingest.DiscoveredPool, 0, len(pools))
	for _, p := range pools {
		if p.ExternalAPY >= lowerBound && p.ExternalAPY <= upperBound {
			valid = append(valid, p)
		} else {
			logrus.WithFields(logrus.Fields{
				"source_id": p.SourceID,
				"apy":       p.ExternalAPY,
				"bounds":    []float64{lowerBound, upperBound},
			}).Info("Filtered outlier discovery record")
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(pools),
		"filtered": len(pools) - len(valid),
		"bounds":   []float64{lowerBound, upperBound},
	}).Debug("Outlier filtering complete")

	return valid
}

func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
