package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/model"
)

var vaultsFyiPages = []string{
	`{
  "itemsOnPage": 3,
  "nextPage": 1,
  "data": [
    {"address": "0x724dc807b04555b71ed48a6896b6F41593b8C637", "name": "Aave V3 USDC",
     "network": {"name": "arbitrum", "chainId": 42161},
     "asset": {"address": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "symbol": "USDC", "decimals": 6},
     "protocol": {"name": "Aave V3"},
     "apy": {"1day": {"total": 0.05}, "7day": {"base": 0.04, "reward": 0.002, "total": 0.042}},
     "tvl": {"usd": "2500000.5"}},
    {"address": "0x3333333333333333333333333333333333333333", "name": "Steakhouse USDC",
     "network": {"name": "arbitrum", "chainId": 42161},
     "asset": {"address": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "symbol": "USDC", "decimals": 6},
     "protocol": {"name": "Morpho Blue"},
     "apy": {"7day": {"total": 0.061}},
     "tvl": {"usd": "800000"}},
    {"address": "0x6666666666666666666666666666666666666666", "name": "Tiny USDC",
     "network": {"name": "arbitrum", "chainId": 42161},
     "asset": {"address": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "symbol": "USDC", "decimals": 6},
     "protocol": {"name": "Morpho Blue"},
     "apy": {"7day": {"total": 0.2}},
     "tvl": {"usd": "100"}}
  ]
}`,
	`{
  "itemsOnPage": 2,
  "nextPage": null,
  "data": [
    {"address": "0x4444444444444444444444444444444444444444", "name": "Euler USDT",
     "network": {"name": "arbitrum", "chainId": 42161},
     "asset": {"address": "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", "symbol": "USDT", "decimals": 6},
     "protocol": {"name": "Euler"},
     "apy": {"1day": {"total": 0.05}, "7day": {"total": 0}},
     "tvl": {"usd": "120000"}},
    {"address": "0x5555555555555555555555555555555555555555", "name": "",
     "network": {"name": "arbitrum", "chainId": 42161},
     "asset": {"address": "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", "symbol": "DAI", "decimals": 18},
     "protocol": {"name": "Some Vault Co"},
     "apy": {"7day": {"total": 0.03}},
     "tvl": {"usd": "90000"}}
  ]
}`,
}

func newTestVaultsFyi(t *testing.T, handler http.HandlerFunc) *VaultsFyiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := config.LoadRegistry("")
	require.NoError(t, err)
	return NewVaultsFyiClient(VaultsFyiConfig{BaseURL: srv.URL + "/", APIKey: "key", MinTVL: 50_000}, reg, nil)
}

func TestVaultsFyiClient_Fetch(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	c := newTestVaultsFyi(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detailed-vaults", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		q := r.URL.Query()
		assert.Equal(t, []string{"arbitrum"}, q["allowedNetworks"])
		assert.Contains(t, q["allowedAssets"], "USDC")
		assert.Equal(t, "50000", q.Get("minTvl"))

		page := q.Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case "0":
			_, _ = w.Write([]byte(vaultsFyiPages[0]))
		case "1":
			_, _ = w.Write([]byte(vaultsFyiPages[1]))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	assert.Equal(t, "vaultsfyi", c.Source())

	pools, err := c.Fetch(context.Background())
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"0", "1"}, pages)
	mu.Unlock()
	require.Len(t, pools, 4)

	byID := make(map[string]ingest.DiscoveredPool)
	for _, p := range pools {
		byID[p.SourceID] = p
	}

	aave := byID["arbitrum:0x724dc807b04555b71ed48a6896b6f41593b8c637"]
	assert.True(t, strings.EqualFold("0x794a61358D6845594F94dc1DB02A252b5b4814aD", aave.Address), "aave reads through its market")
	assert.Equal(t, "0xaf88d065e77c8cc2239327c5edb3a432268e5831", aave.SubKey)
	assert.Equal(t, "aave_v3", aave.ProtocolHint)
	assert.Equal(t, model.FamilyAaveV3, aave.Family)
	assert.Equal(t, model.PoolKindLending, aave.Kind)
	assert.Equal(t, int64(42161), aave.ChainID)
	assert.InDelta(t, 4.2, aave.ExternalAPY, 1e-9)
	assert.InDelta(t, 2500000.5, aave.ExternalTVL, 1e-9)

	morpho := byID["arbitrum:0x3333333333333333333333333333333333333333"]
	assert.Equal(t, "0x3333333333333333333333333333333333333333", morpho.Address)
	assert.Empty(t, morpho.SubKey)
	assert.Equal(t, "morpho", morpho.ProtocolHint)
	assert.Equal(t, model.FamilyERC4626, morpho.Family)
	assert.InDelta(t, 6.1, morpho.ExternalAPY, 1e-9)

	euler := byID["arbitrum:0x4444444444444444444444444444444444444444"]
	assert.Equal(t, "euler", euler.ProtocolHint)
	assert.Equal(t, model.FamilyGeneric, euler.Family)
	assert.InDelta(t, 5.0, euler.ExternalAPY, 1e-9, "falls back to the 1 day figure")
	assert.Equal(t, "USDT", euler.UnderlyingSymbol)

	other := byID["arbitrum:0x5555555555555555555555555555555555555555"]
	assert.Equal(t, "some_vault_co", other.ProtocolHint)
	assert.Equal(t, "Some Vault Co DAI", other.Name)
	assert.Equal(t, model.PoolKindVault, other.Kind)
	assert.Equal(t, model.FamilyERC4626, other.Family)

	assert.NotContains(t, byID, "arbitrum:0x6666666666666666666666666666666666666666", "below min TVL")
}

func TestVaultsFyiClient_RejectsFailedPage(t *testing.T) {
	c := newTestVaultsFyi(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.Fetch(context.Background())
	assert.ErrorContains(t, err, "401")

	c = newTestVaultsFyi(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	_, err = c.Fetch(context.Background())
	assert.Error(t, err)
}

func TestVaultsFyiClient_StopsAtPageLimit(t *testing.T) {
	var calls int32
	c := newTestVaultsFyi(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_, _ = fmt.Fprintf(w, `{"itemsOnPage": 0, "nextPage": %d, "data": []}`, n)
	})

	pools, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pools)
	assert.Equal(t, int32(vaultsFyiMaxPages), atomic.LoadInt32(&calls))
}

func TestNormalizeVaultProtocol(t *testing.T) {
	tests := []struct {
		name string
		want string
		kind model.PoolKind
	}{
		{"Aave V3", "aave_v3", model.PoolKindLending},
		{"compound", "compound_v3", model.PoolKindLending},
		{"Morpho Blue", "morpho", model.PoolKindLending},
		{"Yearn", "yearn_v3", model.PoolKindVault},
		{"Radiant V2", "radiant_v2", model.PoolKindLending},
		{"Gearbox", "gearbox", model.PoolKindVault},
		{"Some-Vault  Co", "some_vault_co", model.PoolKindVault},
		{"", ingest.UnknownProtocol, model.PoolKindVault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeVaultProtocol(tt.name))
			assert.Equal(t, tt.kind, vaultPoolKind(tt.name))
		})
	}
}
