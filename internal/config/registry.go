package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/types"
)

//go:embed registry.yaml
var defaultRegistry []byte

// ProtocolEntry seeds one protocol.
type ProtocolEntry struct {
	ID          string       `yaml:"id"`
	DisplayName string       `yaml:"display_name"`
	RiskScore   float64      `yaml:"risk_score"`
	Family      model.Family `yaml:"family"`
}

// Deployment is a contract whose family is known without heuristics.
type Deployment struct {
	Address  string       `yaml:"address"`
	Protocol string       `yaml:"protocol"`
	Family   model.Family `yaml:"family"`
	Name     string       `yaml:"name"`
}

// Market is a lending market whose reserve updates are ingested from logs.
type Market struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"`
}

// Project maps a discovery feed project slug to a protocol.
type Project struct {
	Protocol string         `yaml:"protocol"`
	Kind     model.PoolKind `yaml:"kind"`
}

// Discovery holds the feed filters.
type Discovery struct {
	Source        string             `yaml:"source"`
	Chain         string             `yaml:"chain"`
	MinTVL        float64            `yaml:"min_tvl"`
	Projects      map[string]Project `yaml:"projects"`
	Symbols       []string           `yaml:"symbols"`
	SymbolAliases map[string]string  `yaml:"symbol_aliases"`
}

// Registry is the static description of what the pipeline tracks.
type Registry struct {
	Chain          types.ChainParams `yaml:"chain"`
	DefaultRisk    float64           `yaml:"default_risk"`
	Protocols      []ProtocolEntry   `yaml:"protocols"`
	Deployments    []Deployment      `yaml:"deployments"`
	LendingMarkets []Market          `yaml:"lending_markets"`
	Stablecoins    map[string]string `yaml:"stablecoins"`
	Discovery      Discovery         `yaml:"discovery"`
}

// LoadRegistry reads the registry from path, or the embedded default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	data := defaultRegistry
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry %s: %w", path, err)
		}
		data = raw
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a YAML registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the registry for references that cannot be resolved.
func (r *Registry) Validate() error {
	if r.Chain.ChainID == 0 {
		if known, ok := types.LookupChain(r.Chain.Name); ok {
			r.Chain = known
		} else {
			return fmt.Errorf("registry: chain %q has no chain_id", r.Chain.Name)
		}
	}
	if r.DefaultRisk < 0 || r.DefaultRisk > 1 {
		return fmt.Errorf("registry: default_risk %v outside [0,1]", r.DefaultRisk)
	}

	ids := make(map[string]bool, len(r.Protocols))
	for _, p := range r.Protocols {
		if p.ID == "" {
			return fmt.Errorf("registry: protocol without id")
		}
		if !p.Family.Valid() {
			return fmt.Errorf("registry: protocol %s has unknown family %q", p.ID, p.Family)
		}
		if p.RiskScore < 0 || p.RiskScore > 1 {
			return fmt.Errorf("registry: protocol %s risk %v outside [0,1]", p.ID, p.RiskScore)
		}
		ids[p.ID] = true
	}
	for _, d := range r.Deployments {
		if !d.Family.Valid() {
			return fmt.Errorf("registry: deployment %s has unknown family %q", d.Address, d.Family)
		}
		if !ids[d.Protocol] {
			return fmt.Errorf("registry: deployment %s references unknown protocol %s", d.Address, d.Protocol)
		}
	}
	for _, m := range r.LendingMarkets {
		if !ids[m.Protocol] {
			return fmt.Errorf("registry: market %s references unknown protocol %s", m.Address, m.Protocol)
		}
	}
	return nil
}

// SeedProtocols returns the protocol records inserted on start-up. Stored protocols keep
// their risk scores.
func (r *Registry) SeedProtocols() []model.Protocol {
	out := make([]model.Protocol, 0, len(r.Protocols))
	for _, p := range r.Protocols {
		out = append(out, model.Protocol{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			RiskScore:   p.RiskScore,
			Family:      p.Family,
		})
	}
	return out
}

// Deployment looks up a known contract, case-insensitively.
func (r *Registry) Deployment(address string) (Deployment, bool) {
	for _, d := range r.Deployments {
		if strings.EqualFold(d.Address, address) {
			return d, true
		}
	}
	return Deployment{}, false
}

// ProtocolDeployment returns the first known contract of a protocol.
func (r *Registry) ProtocolDeployment(protocol string) (Deployment, bool) {
	for _, d := range r.Deployments {
		if d.Protocol == protocol {
			return d, true
		}
	}
	return Deployment{}, false
}

// Stablecoin returns the token address of a tracked symbol.
func (r *Registry) Stablecoin(symbol string) (string, bool) {
	if addr, ok := r.Stablecoins[symbol]; ok {
		return addr, true
	}
	for s, addr := range r.Stablecoins {
		if strings.EqualFold(s, symbol) {
			return addr, true
		}
	}
	return "", false
}
