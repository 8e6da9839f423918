package score

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/model"
)

func TestStats(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		wantCV  *float64
		wantAvg float64
	}{
		{"empty window", nil, nil, 0},
		{"constant", []float64{5, 5, 5}, model.Float(0), 5},
		{"spread", []float64{4, 5, 6}, model.Float(0.163299), 5},
		{"wide spread", []float64{3, 5, 7}, model.Float(0.326599), 5},
		{"zero mean", []float64{-1, 1}, model.Float(0), 0},
		{"negative mean", []float64{-5, -3}, model.Float(0), -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Stats(tt.values)
			assert.Equal(t, len(tt.values), st.Count)
			assert.InDelta(t, tt.wantAvg, st.Mean, 1e-9)
			if tt.wantCV == nil {
				assert.Nil(t, st.CV)
				return
			}
			require.NotNil(t, st.CV)
			assert.InDelta(t, *tt.wantCV, *st.CV, 1e-5)
		})
	}
}

func TestStability(t *testing.T) {
	cvs := [3]*float64{
		Stats([]float64{5, 5, 5}).CV,
		Stats([]float64{4, 5, 6}).CV,
		Stats([]float64{3, 5, 7}).CV,
	}

	wcv, stab := Stability(cvs)
	require.NotNil(t, wcv)
	require.NotNil(t, stab)
	assert.InDelta(t, 0.1143, *wcv, 1e-4)
	assert.InDelta(t, 0.8857, *stab, 1e-4)

	t.Run("missing window", func(t *testing.T) {
		wcv, stab := Stability([3]*float64{model.Float(0), nil, model.Float(0.1)})
		assert.Nil(t, wcv)
		assert.Nil(t, stab)
	})

	t.Run("volatility is capped", func(t *testing.T) {
		wcv, stab := Stability([3]*float64{model.Float(3), model.Float(3), model.Float(3)})
		assert.InDelta(t, 3.0, *wcv, 1e-9)
		assert.Equal(t, 0.5, *stab)
	})
}

func TestCompute(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration, apy float64) Sample { return Sample{At: now.Add(-ago), APY: apy} }

	samples := []Sample{
		at(10*time.Minute, 5), at(20*time.Minute, 5), at(time.Hour, 5), // 1h bound is inclusive
		at(3*time.Hour, 4), at(4*time.Hour, 6),
		at(12*time.Hour, 3), at(20*time.Hour, 7),
		at(3*24*time.Hour, 10),
		at(8*24*time.Hour, 100), // outside every window
		{At: now.Add(time.Minute), APY: 50}, // future samples are ignored
	}

	m := Compute("42161:0xpool", samples, now)
	assert.Equal(t, "42161:0xpool", m.PoolID)
	assert.Equal(t, now, m.ComputedAt)

	require.NotNil(t, m.AvgAPY1h)
	assert.InDelta(t, 5.0, *m.AvgAPY1h, 1e-9)
	require.NotNil(t, m.CV1h)
	assert.InDelta(t, 0.0, *m.CV1h, 1e-9)

	want6h := Stats([]float64{5, 5, 5, 4, 6})
	require.NotNil(t, m.CV6h)
	assert.InDelta(t, *want6h.CV, *m.CV6h, 1e-9)

	want24h := Stats([]float64{5, 5, 5, 4, 6, 3, 7})
	require.NotNil(t, m.CV24h)
	assert.InDelta(t, *want24h.CV, *m.CV24h, 1e-9)

	wantW := 0.3*(*want6h.CV) + 0.2*(*want24h.CV)
	require.NotNil(t, m.WeightedCV)
	assert.InDelta(t, wantW, *m.WeightedCV, 1e-9)
	assert.InDelta(t, 1-wantW, *m.StabilityScore, 1e-9)

	require.NotNil(t, m.AvgAPY7d)
	assert.InDelta(t, 45.0/8.0, *m.AvgAPY7d, 1e-9)
	assert.Equal(t, 8, m.SampleCount)
}

func TestCompute_InsufficientHistory(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	samples := []Sample{{At: now.Add(-5 * time.Hour), APY: 4}}

	m := Compute("p", samples, now)
	assert.Nil(t, m.AvgAPY1h)
	assert.Nil(t, m.CV1h)
	assert.NotNil(t, m.CV6h)
	assert.Nil(t, m.WeightedCV)
	assert.Nil(t, m.StabilityScore)
	assert.Equal(t, 1, m.SampleCount)
}

func TestCompute_StabilityRange(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		var samples []Sample
		for j := 0; j < 40; j++ {
			ago := time.Duration(rng.Int63n(int64(24 * time.Hour)))
			samples = append(samples, Sample{At: now.Add(-ago), APY: rng.Float64()*40 - 10})
		}
		samples = append(samples, Sample{At: now, APY: rng.Float64() * 10})

		m := Compute("p", samples, now)
		if m.StabilityScore == nil {
			continue
		}
		assert.GreaterOrEqual(t, *m.StabilityScore, 0.5)
		assert.LessOrEqual(t, *m.StabilityScore, 1.0)
	}
}

func TestAdjustedAPY(t *testing.T) {
	assert.InDelta(t, 8.41, AdjustedAPY(10, 0.8857, 0.05), 0.005)
	assert.Equal(t, 0.0, AdjustedAPY(10, 0.9, 1.5))
	assert.InDelta(t, 9.0, AdjustedAPY(10, 0.9, -0.2), 1e-9)
}

func TestRank(t *testing.T) {
	stable := &model.PoolMetrics{StabilityScore: model.Float(0.8857)}

	cands := []Candidate{
		{Pool: model.Pool{ID: "c", Name: "C", CurrentAPY: 4, CurrentTVL: 100}, Metrics: nil, RiskScore: 0},
		{Pool: model.Pool{ID: "a", Name: "A", CurrentAPY: 10, CurrentTVL: 100}, Metrics: stable, RiskScore: 0.05},
		{Pool: model.Pool{ID: "b", Name: "B", CurrentAPY: 4, CurrentTVL: 500}, Metrics: nil, RiskScore: 0},
		{Pool: model.Pool{ID: "d", Name: "D", CurrentAPY: 4, CurrentTVL: 100}, Metrics: nil, RiskScore: 0},
		{Pool: model.Pool{ID: "e", Name: "E", CurrentAPY: -2, CurrentTVL: 100}, Metrics: nil, RiskScore: 0.1},
	}

	ranked := Rank(cands)
	require.Len(t, ranked, 5)

	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.PoolID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	assert.InDelta(t, 8.41, ranked[0].AdjustedAPY, 0.005)
	assert.True(t, ranked[0].HasStability)

	// missing stability ranks with the default but is reported as such
	assert.False(t, ranked[1].HasStability)
	assert.Equal(t, DefaultStability, ranked[1].StabilityScore)
	assert.InDelta(t, 2.0, ranked[1].AdjustedAPY, 1e-9)

	assert.Less(t, ranked[4].AdjustedAPY, 0.0)
}

func TestRank_AdjustedNeverNegativeForNonNegativeAPY(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var cands []Candidate
	for i := 0; i < 100; i++ {
		var metrics *model.PoolMetrics
		if i%2 == 0 {
			metrics = &model.PoolMetrics{StabilityScore: model.Float(0.5 + rng.Float64()/2)}
		}
		cands = append(cands, Candidate{
			Pool:      model.Pool{ID: string(rune('a' + i%26)), CurrentAPY: rng.Float64() * 30},
			Metrics:   metrics,
			RiskScore: rng.Float64()*1.4 - 0.2,
		})
	}

	for _, r := range Rank(cands) {
		assert.GreaterOrEqual(t, r.AdjustedAPY, 0.0)
		assert.GreaterOrEqual(t, r.RiskScore, 0.0)
		assert.LessOrEqual(t, r.RiskScore, 1.0)
	}
}
