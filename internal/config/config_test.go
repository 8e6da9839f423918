package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CALL_TIMEOUT", "not-a-duration")
	t.Setenv("EVENTS_ENABLED", "true")
	t.Setenv("SIGNING_KEY", "0xabc")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.True(t, cfg.EventsEnabled)
	assert.Equal(t, "abc", cfg.SigningKey)
	assert.Equal(t, 10.0, cfg.RPCRateLimit)
	assert.Equal(t, "0 0 * * * *", cfg.IndexSchedule)
	assert.Equal(t, time.Hour, cfg.SignatureValidity)
	assert.Zero(t, cfg.APIRateLimit)
	assert.Empty(t, cfg.ExportWebhookURL)
	assert.Empty(t, cfg.VaultsFyiAPIKey)
	assert.Equal(t, 50_000.0, cfg.VaultsFyiMinTVL)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "7")
	t.Setenv("X_BAD_INT", "seven")
	t.Setenv("X_FLOAT", "0.25")
	t.Setenv("X_BOOL", "false")

	assert.Equal(t, 7, GetEnvAsInt("X_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("X_BAD_INT", 1))
	assert.Equal(t, 0.25, GetEnvAsFloat("X_FLOAT", 1))
	assert.False(t, GetEnvAsBool("X_BOOL", true))
	assert.Equal(t, "fallback", GetEnvOrDefault("X_MISSING", "fallback"))
}

func TestLoadRegistry_Embedded(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	assert.Equal(t, int64(42161), reg.Chain.ChainID)
	assert.Equal(t, 250*time.Millisecond, reg.Chain.BlockTime)
	assert.Equal(t, 0.10, reg.DefaultRisk)

	protocols := reg.SeedProtocols()
	byID := map[string]model.Protocol{}
	for _, p := range protocols {
		byID[p.ID] = p
	}
	assert.Equal(t, 0.0, byID["aave_v3"].RiskScore)
	assert.Equal(t, 0.05, byID["radiant_v2"].RiskScore)
	assert.Equal(t, model.FamilyAaveV3, byID["radiant_v2"].Family)
	assert.Equal(t, 0.15, byID["unknown"].RiskScore)

	dep, ok := reg.Deployment("0x794A61358d6845594f94dc1db02a252b5b4814ad")
	require.True(t, ok)
	assert.Equal(t, model.FamilyAaveV3, dep.Family)

	addr, ok := reg.Stablecoin("usdc.e")
	require.True(t, ok)
	assert.Equal(t, "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8", addr)

	assert.Equal(t, model.PoolKindLending, reg.Discovery.Projects["aave-v3"].Kind)
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown family", "chain: {name: arbitrum}\nprotocols:\n  - {id: x, family: magic}\n"},
		{"dangling deployment", "chain: {name: arbitrum}\ndeployments:\n  - {address: '0x1', protocol: nope, family: generic}\n"},
		{"unknown chain", "chain: {name: moonchain}\n"},
		{"risk out of range", "chain: {name: arbitrum}\nprotocols:\n  - {id: x, family: generic, risk_score: 2}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain: {name: base}\nprotocols:\n  - {id: p, family: erc4626, risk_score: 0.2}\n"), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8453), reg.Chain.ChainID)
	require.Len(t, reg.Protocols, 1)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
