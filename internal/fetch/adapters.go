package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-intel/internal/apy"
	"github.com/yourorg/yield-intel/internal/model"
)

// Target identifies what to read for one pool.
type Target struct {
	Family model.Family

	// Address is the contract queried: lending market, comet, vault or receipt token
	Address common.Address

	// Underlying is the reserve asset for lending markets keyed by asset
	Underlying common.Address
}

// Reading is the raw output of an adapter.
type Reading struct {
	Family model.Family
	Kind   model.RateKind

	// Raw is in the scale of Kind: RAY for index rates, 1e18 otherwise. Nil when the
	// family publishes no rate or the read failed.
	Raw *big.Int

	// Cadence applies to per-period rates
	Cadence apy.Cadence

	// TVL in units of the underlying token
	TVL float64

	Degraded bool
	Reason   string
}

// Adapter reads one protocol family.
type Adapter interface {
	Family() model.Family
	Read(ctx context.Context, c Caller, t Target) (Reading, error)
}

// oneShare is the share amount priced by convertToAssets.
var oneShare = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func tokenAmount(raw *big.Int, decimals uint8) float64 {
	return apy.ToFloat(raw, int32(decimals))
}

// aaveAdapter reads Aave V3 style markets: one market contract, many reserves.
type aaveAdapter struct{}

func (aaveAdapter) Family() model.Family { return model.FamilyAaveV3 }

func (aaveAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	if t.Underlying == (common.Address{}) {
		return Reading{}, errors.New("aave_v3: reserve asset required")
	}
	return readAaveReserve(ctx, c, t.Address, t.Underlying, model.FamilyAaveV3)
}

const (
	reserveLiquidityRateIdx = 2
	reserveATokenIdx        = 8
)

func readAaveReserve(ctx context.Context, c Caller, market, asset common.Address, family model.Family) (Reading, error) {
	values, err := newContract(c, market).call(ctx, "getReserveData", asset)
	if err != nil {
		return Reading{}, err
	}
	rate, err := toBig(values, reserveLiquidityRateIdx, "getReserveData")
	if err != nil {
		return Reading{}, err
	}
	aToken, ok := values[reserveATokenIdx].(common.Address)
	if !ok {
		return Reading{}, fmt.Errorf("getReserveData: unexpected aToken type %T", values[reserveATokenIdx])
	}

	r := Reading{Family: family, Kind: model.RateKindIndexRate, Raw: rate}
	if aToken != (common.Address{}) {
		token := newContract(c, aToken)
		if supply, err := token.callBig(ctx, "totalSupply"); err == nil {
			r.TVL = tokenAmount(supply, token.decimals(ctx))
		}
	}
	return r, nil
}

// aTokenAdapter starts from the receipt token and resolves its market and reserve.
type aTokenAdapter struct{}

func (aTokenAdapter) Family() model.Family { return model.FamilyAToken }

func (aTokenAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	token := newContract(c, t.Address)
	supply, err := token.callBig(ctx, "totalSupply")
	if err != nil {
		return Reading{}, err
	}
	tvl := tokenAmount(supply, token.decimals(ctx))

	market, err := token.callAddress(ctx, "POOL")
	if err != nil {
		return supplyOnly(tvl, err), nil
	}
	asset, err := token.callAddress(ctx, "UNDERLYING_ASSET_ADDRESS")
	if err != nil {
		return supplyOnly(tvl, err), nil
	}

	r, err := readAaveReserve(ctx, c, market, asset, model.FamilyAToken)
	if err != nil {
		return supplyOnly(tvl, err), nil
	}
	r.TVL = tvl
	return r, nil
}

// supplyOnly keeps the TVL observation of an aToken whose reserve could not be read. The
// rate is unknown, not zero.
func supplyOnly(tvl float64, err error) Reading {
	return Reading{
		Family:   model.FamilyAToken,
		Kind:     model.RateKindIndexRate,
		TVL:      tvl,
		Degraded: true,
		Reason:   err.Error(),
	}
}

// erc4626Adapter prices one share of a tokenized vault.
type erc4626Adapter struct{}

func (erc4626Adapter) Family() model.Family { return model.FamilyERC4626 }

func (erc4626Adapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	vault := newContract(c, t.Address)
	pps, err := vault.callBig(ctx, "convertToAssets", oneShare)
	if err != nil {
		return Reading{}, err
	}

	decimals := vault.decimals(ctx)
	r := Reading{Family: model.FamilyERC4626, Kind: model.RateKindSharePrice, Raw: pps}
	if assets, err := vault.callBig(ctx, "totalAssets"); err == nil {
		r.TVL = tokenAmount(assets, decimals)
	} else if supply, err := vault.callBig(ctx, "totalSupply"); err == nil {
		r.TVL = tokenAmount(supply, decimals) * apy.ToFloat(pps, apy.WadDecimals)
	}
	return r, nil
}

// beefyAdapter reads Beefy vaults, which predate ERC-4626.
type beefyAdapter struct{}

func (beefyAdapter) Family() model.Family { return model.FamilyBeefy }

func (beefyAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	vault := newContract(c, t.Address)
	pps, err := vault.callBig(ctx, "getPricePerFullShare")
	if err != nil {
		return Reading{}, err
	}

	r := Reading{Family: model.FamilyBeefy, Kind: model.RateKindSharePrice, Raw: pps}
	if bal, err := vault.callBig(ctx, "balance"); err == nil {
		r.TVL = tokenAmount(bal, vault.decimals(ctx))
	}
	return r, nil
}

// cometAdapter reads Compound V3 markets. The supply rate is per second.
type cometAdapter struct{}

func (cometAdapter) Family() model.Family { return model.FamilyCompoundV3 }

func (cometAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	comet := newContract(c, t.Address)
	util, err := comet.callBig(ctx, "getUtilization")
	if err != nil {
		return Reading{}, err
	}
	rate, err := comet.callBig(ctx, "getSupplyRate", util)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{Family: model.FamilyCompoundV3, Kind: model.RateKindPerPeriod, Raw: rate, Cadence: apy.CadenceSecond}
	if supply, err := comet.callBig(ctx, "totalSupply"); err == nil {
		r.TVL = tokenAmount(supply, comet.decimals(ctx))
	}
	return r, nil
}

// venusAdapter reads Compound V2 style markets. The supply rate is per block.
type venusAdapter struct{}

func (venusAdapter) Family() model.Family { return model.FamilyVenus }

func (venusAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	market := newContract(c, t.Address)
	rate, err := market.callBig(ctx, "supplyRatePerBlock")
	if err != nil {
		return Reading{}, err
	}

	r := Reading{Family: model.FamilyVenus, Kind: model.RateKindPerPeriod, Raw: rate, Cadence: apy.CadenceBlock}
	supply, errSupply := market.callBig(ctx, "totalSupply")
	exchange, errRate := market.callBig(ctx, "exchangeRateStored")
	if errSupply == nil && errRate == nil {
		// exchangeRateStored is scaled by 1e18 on top of the underlying decimals
		underlying := new(big.Int).Mul(supply, exchange)
		underlying.Quo(underlying, oneShare)
		decimals := uint8(18)
		if t.Underlying != (common.Address{}) {
			decimals = newContract(c, t.Underlying).decimals(ctx)
		}
		r.TVL = tokenAmount(underlying, decimals)
	}
	return r, nil
}

// genericAdapter only observes supply. It never fails on a missing method.
type genericAdapter struct{}

func (genericAdapter) Family() model.Family { return model.FamilyGeneric }

func (genericAdapter) Read(ctx context.Context, c Caller, t Target) (Reading, error) {
	token := newContract(c, t.Address)
	supply, err := token.callBig(ctx, "totalAssets")
	if err != nil {
		supply, err = token.callBig(ctx, "totalSupply")
	}
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Family: model.FamilyGeneric,
		Kind:   model.RateKindOpaque,
		TVL:    tokenAmount(supply, token.decimals(ctx)),
	}, nil
}

// DefaultAdapters returns one adapter per family.
func DefaultAdapters() []Adapter {
	return []Adapter{
		aaveAdapter{},
		aTokenAdapter{},
		erc4626Adapter{},
		beefyAdapter{},
		cometAdapter{},
		venusAdapter{},
		genericAdapter{},
	}
}
