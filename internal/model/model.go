// Package model defines the core data structures shared by the yield intelligence pipeline.
package model

import (
	"time"
)

// RateKind classifies how a protocol publishes its yield.
type RateKind string

// Rate representations understood by the APY engine.
const (
	RateKindIndexRate  RateKind = "index_rate"  // annualized rate scaled by 1e27 (RAY)
	RateKindSharePrice RateKind = "share_price" // monotonic price per share
	RateKindPerPeriod  RateKind = "per_period"  // rate per second or per block, scaled by 1e18
	RateKindOpaque     RateKind = "opaque"      // no on-chain rate, only TVL
)

// Family is the adapter classification of a protocol or pool. Every family maps to
// exactly one RateKind.
type Family string

// Supported adapter families
const (
	FamilyAaveV3     Family = "aave_v3"
	FamilyAToken     Family = "atoken"
	FamilyCompoundV3 Family = "compound_v3"
	FamilyVenus      Family = "venus"
	FamilyERC4626    Family = "erc4626"
	FamilyBeefy      Family = "beefy"
	FamilyGeneric    Family = "generic"
)

// AllFamilies lists every family in a stable order.
var AllFamilies = []Family{
	FamilyAaveV3,
	FamilyAToken,
	FamilyCompoundV3,
	FamilyVenus,
	FamilyERC4626,
	FamilyBeefy,
	FamilyGeneric,
}

// RateKind returns the rate representation published by the family.
func (f Family) RateKind() RateKind {
	switch f {
	case FamilyAaveV3, FamilyAToken:
		return RateKindIndexRate
	case FamilyERC4626, FamilyBeefy:
		return RateKindSharePrice
	case FamilyCompoundV3, FamilyVenus:
		return RateKindPerPeriod
	default:
		return RateKindOpaque
	}
}

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	for _, known := range AllFamilies {
		if f == known {
			return true
		}
	}
	return false
}

// PoolKind distinguishes lending markets from tokenized vaults.
type PoolKind string

const (
	PoolKindLending PoolKind = "lending"
	PoolKindVault   PoolKind = "vault"
)

// LifecycleState tracks whether a pool is still being indexed.
type LifecycleState string

const (
	StateUnknown  LifecycleState = "unknown"
	StateActive   LifecycleState = "active"
	StateInactive LifecycleState = "inactive"
)

// Protocol is a named yield venue with a static risk score in [0, 1].
type Protocol struct {
	// ID is the stable protocol slug, e.g. "aave_v3"
	ID string `json:"id"`

	// DisplayName is shown in rankings
	DisplayName string `json:"display_name"`

	// RiskScore is a manual assessment, 0 = safest, 1 = riskiest
	RiskScore float64 `json:"risk_score"`

	// Family selects the rate adapter for pools of this protocol
	Family Family `json:"family"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Pool is a single yield-bearing position.
type Pool struct {
	// ID is "chainId:address[:subKey]", lowercase, derived from immutable inputs only
	ID string `json:"id"`

	ChainID    int64  `json:"chain_id"`
	ProtocolID string `json:"protocol_id"`

	// Address is the contract that is queried (market, vault or comet)
	Address string `json:"address"`

	// SubKey discriminates several pools on one contract, e.g. the reserve asset of a lending market
	SubKey string `json:"sub_key,omitempty"`

	Name             string   `json:"name"`
	UnderlyingToken  string   `json:"underlying_token,omitempty"`
	UnderlyingSymbol string   `json:"underlying_symbol,omitempty"`
	Kind             PoolKind `json:"kind"`
	Family           Family   `json:"family"`

	// CurrentAPY is in percent, CurrentTVL in underlying units
	CurrentAPY float64 `json:"current_apy"`
	CurrentTVL float64 `json:"current_tvl"`

	// External figures reported by the discovery feed, used for opaque pools
	ExternalAPY *float64 `json:"external_apy,omitempty"`
	ExternalTVL *float64 `json:"external_tvl,omitempty"`

	LastUpdatedAt time.Time `json:"last_updated_at"`

	// LastPricePerShare is the previous share-price sample as a base-10 integer string
	LastPricePerShare string    `json:"last_price_per_share,omitempty"`
	LastPPSAt         time.Time `json:"last_pps_at"`

	State LifecycleState `json:"state"`

	// DiscoveredVia is the provenance tag of the feed that created the pool
	DiscoveredVia string `json:"discovered_via,omitempty"`

	// SourceID is the identifier used by the discovery feed
	SourceID string `json:"source_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of p.
func (p Pool) Clone() Pool {
	out := p
	if p.ExternalAPY != nil {
		v := *p.ExternalAPY
		out.ExternalAPY = &v
	}
	if p.ExternalTVL != nil {
		v := *p.ExternalTVL
		out.ExternalTVL = &v
	}
	return out
}

// YieldSnapshot is an immutable time-series sample. Written once, never updated.
type YieldSnapshot struct {
	// ID is "poolId:unixSeconds" for polled samples or "poolId:b<block>" for event samples
	ID          string    `json:"id"`
	PoolID      string    `json:"pool_id"`
	Timestamp   time.Time `json:"timestamp"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	APY         float64   `json:"apy"`
	TVL         float64   `json:"tvl"`
	RawRate     string    `json:"raw_rate,omitempty"`
}

// RawEvent is a decoded chain log. Written once, never updated.
type RawEvent struct {
	// ID is "chainId:txHash:logIndex"
	ID          string            `json:"id"`
	ChainID     int64             `json:"chain_id"`
	PoolID      string            `json:"pool_id"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    uint              `json:"log_index"`
	BlockNumber uint64            `json:"block_number"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        string            `json:"kind"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Clone returns a deep copy of e.
func (e RawEvent) Clone() RawEvent {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// PoolMetrics holds the derived stability statistics of a pool. Nil pointers mean
// "not enough data".
type PoolMetrics struct {
	PoolID string `json:"pool_id"`

	AvgAPY1h  *float64 `json:"avg_apy_1h"`
	AvgAPY6h  *float64 `json:"avg_apy_6h"`
	AvgAPY24h *float64 `json:"avg_apy_24h"`
	AvgAPY7d  *float64 `json:"avg_apy_7d"`

	CV1h  *float64 `json:"cv_1h"`
	CV6h  *float64 `json:"cv_6h"`
	CV24h *float64 `json:"cv_24h"`

	WeightedCV     *float64 `json:"weighted_cv"`
	StabilityScore *float64 `json:"stability_score"`

	SampleCount int       `json:"sample_count"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Clone returns a deep copy of m.
func (m PoolMetrics) Clone() PoolMetrics {
	out := m
	out.AvgAPY1h = cloneFloat(m.AvgAPY1h)
	out.AvgAPY6h = cloneFloat(m.AvgAPY6h)
	out.AvgAPY24h = cloneFloat(m.AvgAPY24h)
	out.AvgAPY7d = cloneFloat(m.AvgAPY7d)
	out.CV1h = cloneFloat(m.CV1h)
	out.CV6h = cloneFloat(m.CV6h)
	out.CV24h = cloneFloat(m.CV24h)
	out.WeightedCV = cloneFloat(m.WeightedCV)
	out.StabilityScore = cloneFloat(m.StabilityScore)
	return out
}

// RankedPool is one row of the ranking query.
type RankedPool struct {
	PoolID         string  `json:"poolId"`
	Name           string  `json:"name"`
	ProtocolID     string  `json:"protocolId"`
	CurrentAPY     float64 `json:"currentApy"`
	CurrentTVL     float64 `json:"currentTvl"`
	StabilityScore float64 `json:"stabilityScore"`
	HasStability   bool    `json:"hasStability"`
	RiskScore      float64 `json:"riskScore"`
	AdjustedAPY    float64 `json:"adjustedApy"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
