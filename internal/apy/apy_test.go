package apy

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/model"
)

func wad(v float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e18))
	i, _ := f.Int(nil)
	return i
}

func mustInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "bad integer literal %q", s)
	return v
}

func TestFromIndexRate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"half ray", "500000000000000000000000000", 50.0},
		{"one ray", "1000000000000000000000000000", 100.0},
		{"zero", "0", 0},
		{"three percent", "30000000000000000000000000", 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, FromIndexRate(mustInt(t, tt.raw)), 1e-9)
		})
	}

	assert.Equal(t, 0.0, FromIndexRate(nil))
}

func TestFromSharePrice(t *testing.T) {
	opts := DefaultOptions()
	prev := mustInt(t, "1000000000000000000")
	cur := mustInt(t, "1000100000000000000")

	t.Run("below minimum interval", func(t *testing.T) {
		assert.Equal(t, 0.0, FromSharePrice(cur, prev, 1800*time.Second, opts))
	})

	t.Run("at minimum interval", func(t *testing.T) {
		want := (math.Exp(math.Log(1.0001)*31536000/3600) - 1) * 100
		got := FromSharePrice(cur, prev, 3600*time.Second, opts)
		assert.InDelta(t, want, got, 1e-6)
		assert.InDelta(t, 140.1, got, 0.05)
	})

	t.Run("non-positive prices", func(t *testing.T) {
		assert.Equal(t, 0.0, FromSharePrice(big.NewInt(0), prev, time.Hour, opts))
		assert.Equal(t, 0.0, FromSharePrice(cur, big.NewInt(-1), time.Hour, opts))
		assert.Equal(t, 0.0, FromSharePrice(nil, prev, time.Hour, opts))
	})

	t.Run("flat price", func(t *testing.T) {
		assert.Equal(t, 0.0, FromSharePrice(prev, prev, 24*time.Hour, opts))
	})

	t.Run("one year halving", func(t *testing.T) {
		got := FromSharePrice(wad(0.5), wad(1), SecondsPerYear*time.Second, opts)
		assert.InDelta(t, -50.0, got, 1e-9)
	})
}

func TestFromSharePrice_Clamp(t *testing.T) {
	opts := DefaultOptions()

	// doubling within an hour overflows exp and must report exactly the ceiling
	high := FromSharePrice(wad(2), wad(1), time.Hour, opts)
	assert.Equal(t, MaxAPY, high)

	// 50% growth over an hour is still far above the ceiling
	assert.Equal(t, MaxAPY, FromSharePrice(wad(1.5), wad(1), time.Hour, opts))

	low := FromSharePrice(big.NewInt(1), wad(1), time.Hour, opts)
	assert.Equal(t, MinAPY, low)
}

func TestFromPerPeriodRate(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		periods float64
		want    float64
	}{
		{"monthly one percent", 0.01, 12, (math.Pow(1.01, 12) - 1) * 100},
		{"zero rate", 0, SecondsPerYear, 0},
		{"no periods", 0.01, 0, 0},
		{"total loss rate", -1, 12, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, FromPerPeriodRate(tt.rate, tt.periods), 1e-9)
		})
	}
}

func TestPeriodsPerYear(t *testing.T) {
	assert.Equal(t, float64(SecondsPerYear), PeriodsPerYear(CadenceSecond, 0))
	assert.InDelta(t, 126_144_000.0, PeriodsPerYear(CadenceBlock, 250*time.Millisecond), 1e-6)
	assert.Equal(t, 0.0, PeriodsPerYear(CadenceBlock, 0))
	assert.Equal(t, 0.0, PeriodsPerYear(Cadence("epoch"), time.Second))
}

func TestToFloat(t *testing.T) {
	assert.InDelta(t, 1.5, ToFloat(mustInt(t, "1500000"), 6), 1e-12)
	assert.InDelta(t, 2.0, ToFloat(mustInt(t, "2000000000000000000"), 18), 1e-12)
	assert.Equal(t, 0.0, ToFloat(nil, 18))
}

func TestDerive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("index rate", func(t *testing.T) {
		res := Derive(Input{Kind: model.RateKindIndexRate, Raw: mustInt(t, "500000000000000000000000000"), Now: now})
		assert.True(t, res.Derived)
		assert.InDelta(t, 50.0, res.APY, 1e-9)
		assert.Nil(t, res.NextPrice)
	})

	t.Run("per period", func(t *testing.T) {
		// 1e9 per second, scaled by 1e18
		res := Derive(Input{
			Kind:           model.RateKindPerPeriod,
			Raw:            big.NewInt(1_000_000_000),
			PeriodsPerYear: PeriodsPerYear(CadenceSecond, 0),
			Now:            now,
		})
		want := (math.Pow(1+1e-9, SecondsPerYear) - 1) * 100
		assert.InDelta(t, want, res.APY, 1e-6)
	})

	t.Run("share price without history stores sample", func(t *testing.T) {
		res := Derive(Input{Kind: model.RateKindSharePrice, Raw: wad(1), Now: now})
		assert.False(t, res.Derived)
		assert.Equal(t, 0.0, res.APY)
		require.NotNil(t, res.NextPrice)
		assert.Equal(t, wad(1).String(), res.NextPrice.String())
	})

	t.Run("share price too recent keeps previous sample", func(t *testing.T) {
		res := Derive(Input{
			Kind:          model.RateKindSharePrice,
			Raw:           mustInt(t, "1000100000000000000"),
			PreviousPrice: wad(1),
			PreviousAt:    now.Add(-30 * time.Minute),
			Now:           now,
		})
		assert.Equal(t, 0.0, res.APY)
		assert.Nil(t, res.NextPrice)
	})

	t.Run("share price with history", func(t *testing.T) {
		res := Derive(Input{
			Kind:          model.RateKindSharePrice,
			Raw:           mustInt(t, "1000100000000000000"),
			PreviousPrice: wad(1),
			PreviousAt:    now.Add(-time.Hour),
			Now:           now,
		})
		assert.True(t, res.Derived)
		assert.InDelta(t, 140.1, res.APY, 0.05)
		require.NotNil(t, res.NextPrice)
	})

	t.Run("zero share price", func(t *testing.T) {
		res := Derive(Input{Kind: model.RateKindSharePrice, Raw: big.NewInt(0), Now: now})
		assert.Equal(t, Result{}, res)
	})

	t.Run("opaque", func(t *testing.T) {
		res := Derive(Input{Kind: model.RateKindOpaque, Raw: wad(5), Now: now})
		assert.Equal(t, Result{}, res)
	})
}

func TestParsePrice(t *testing.T) {
	assert.Nil(t, ParsePrice(""))
	assert.Nil(t, ParsePrice("1.5"))
	assert.Equal(t, "42", ParsePrice("42").String())
}
