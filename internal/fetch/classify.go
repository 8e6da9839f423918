package fetch

import (
	"strings"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/model"
)

// ClassifyInput is what is known about a pool before its first read.
type ClassifyInput struct {
	Address    string
	ProtocolID string
	Name       string
	Kind       model.PoolKind
}

// Classifier resolves the adapter family of a pool.
type Classifier struct {
	deployments map[string]model.Family
	protocols   map[string]model.Family
}

func NewClassifier(reg *config.Registry) *Classifier {
	c := &Classifier{
		deployments: make(map[string]model.Family),
		protocols:   make(map[string]model.Family),
	}
	if reg == nil {
		return c
	}
	for _, d := range reg.Deployments {
		c.deployments[strings.ToLower(d.Address)] = d.Family
	}
	for _, p := range reg.Protocols {
		c.protocols[p.ID] = p.Family
	}
	return c
}

// nameRules are checked in order against the lower-cased pool name.
var nameRules = []struct {
	needles []string
	family  model.Family
}{
	{[]string{"aave v3", "aave-v3"}, model.FamilyAToken},
	{[]string{"moo ", "beefy"}, model.FamilyBeefy},
	{[]string{"venus"}, model.FamilyVenus},
	{[]string{"compound v3", "compound-v3"}, model.FamilyCompoundV3},
	{[]string{"stargate", "hop ", "overnight", "usd+", "savings usds", "susds", "sky "}, model.FamilyGeneric},
}

// Resolve never fails: anything unrecognized is generic.
func (c *Classifier) Resolve(in ClassifyInput) model.Family {
	if f, ok := c.deployments[strings.ToLower(in.Address)]; ok {
		return f
	}
	if f, ok := c.protocols[in.ProtocolID]; ok && f != model.FamilyGeneric {
		return f
	}

	name := strings.ToLower(in.Name)
	for _, rule := range nameRules {
		for _, needle := range rule.needles {
			if strings.Contains(name, needle) {
				return rule.family
			}
		}
	}

	if in.Kind == model.PoolKindVault {
		return model.FamilyERC4626
	}
	return model.FamilyGeneric
}
