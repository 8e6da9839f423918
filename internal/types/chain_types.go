// Package types contains shared type definitions used across multiple packages
package types

import "time"

// SupportedChain represents a blockchain network the pipeline can index
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum SupportedChain = "ethereum"
	ChainArbitrum SupportedChain = "arbitrum"
	ChainOptimism SupportedChain = "optimism"
	ChainBase     SupportedChain = "base"
)

// ChainParams holds the static parameters of the indexed chain
type ChainParams struct {
	Name    SupportedChain `json:"name" yaml:"name"`
	ChainID int64          `json:"chain_id" yaml:"chain_id"`

	// BlockTime is the average block interval, used to annualize per-block rates
	BlockTime time.Duration `json:"block_time" yaml:"block_time"`
}

// knownChains are the defaults for chains the pipeline has been run against
var knownChains = map[SupportedChain]ChainParams{
	ChainEthereum: {Name: ChainEthereum, ChainID: 1, BlockTime: 12 * time.Second},
	ChainArbitrum: {Name: ChainArbitrum, ChainID: 42161, BlockTime: 250 * time.Millisecond},
	ChainOptimism: {Name: ChainOptimism, ChainID: 10, BlockTime: 2 * time.Second},
	ChainBase:     {Name: ChainBase, ChainID: 8453, BlockTime: 2 * time.Second},
}

// LookupChain returns the default parameters for a chain name
func LookupChain(name SupportedChain) (ChainParams, bool) {
	p, ok := knownChains[name]
	return p, ok
}
