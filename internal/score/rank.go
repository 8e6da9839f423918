package score

import (
	"sort"

	"github.com/yourorg/yield-intel/internal/model"
)

// DefaultStability stands in for a pool without a stability score. It is used for
// ranking only and never persisted.
const DefaultStability = 0.5

// Candidate is a pool with everything needed to rank it.
type Candidate struct {
	Pool      model.Pool
	Metrics   *model.PoolMetrics
	RiskScore float64
}

// AdjustedAPY discounts apy by volatility and protocol risk.
func AdjustedAPY(apy, stability, risk float64) float64 {
	return apy * stability * (1 - clampUnit(risk))
}

// Rank orders candidates by adjusted APY, descending. Ties go to the larger TVL, then
// to the lexically smaller pool id, so the order is deterministic.
func Rank(cands []Candidate) []model.RankedPool {
	out := make([]model.RankedPool, 0, len(cands))
	for _, c := range cands {
		stability, has := DefaultStability, false
		if c.Metrics != nil && c.Metrics.StabilityScore != nil {
			stability, has = *c.Metrics.StabilityScore, true
		}
		risk := clampUnit(c.RiskScore)

		out = append(out, model.RankedPool{
			PoolID:         c.Pool.ID,
			Name:           c.Pool.Name,
			ProtocolID:     c.Pool.ProtocolID,
			CurrentAPY:     c.Pool.CurrentAPY,
			CurrentTVL:     c.Pool.CurrentTVL,
			StabilityScore: stability,
			HasStability:   has,
			RiskScore:      risk,
			AdjustedAPY:    AdjustedAPY(c.Pool.CurrentAPY, stability, risk),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AdjustedAPY != b.AdjustedAPY {
			return a.AdjustedAPY > b.AdjustedAPY
		}
		if a.CurrentTVL != b.CurrentTVL {
			return a.CurrentTVL > b.CurrentTVL
		}
		return a.PoolID < b.PoolID
	})
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
