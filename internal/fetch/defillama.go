package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/ingest"
)

// DefaultDiscoveryURL is the DefiLlama yields endpoint.
const DefaultDiscoveryURL = "https://yields.llama.fi/pools"

type llamaPool struct {
	Pool             string   `json:"pool"`
	Chain            string   `json:"chain"`
	Project          string   `json:"project"`
	Symbol           string   `json:"symbol"`
	TVLUsd           float64  `json:"tvlUsd"`
	APY              *float64 `json:"apy"`
	UnderlyingTokens []string `json:"underlyingTokens"`
}

type llamaResponse struct {
	Status string      `json:"status"`
	Data   []llamaPool `json:"data"`
}

// DiscoveryClient turns the DefiLlama pool list into discovery records for the tracked
// chain, projects and stablecoins.
type DiscoveryClient struct {
	url        string
	client     *retryablehttp.Client
	registry   *config.Registry
	classifier *Classifier
}

func NewDiscoveryClient(url string, reg *config.Registry, classifier *Classifier) *DiscoveryClient {
	if url == "" {
		url = DefaultDiscoveryURL
	}
	if classifier == nil {
		classifier = NewClassifier(reg)
	}
	return &DiscoveryClient{
		url:        url,
		client:     NewRetryClient(30 * time.Second),
		registry:   reg,
		classifier: classifier,
	}
}

// Source is the provenance tag of pools created from this feed.
func (c *DiscoveryClient) Source() string {
	if c.registry.Discovery.Source != "" {
		return c.registry.Discovery.Source
	}
	return "defillama"
}

// Fetch downloads the feed. Records that cannot be mapped to a contract are dropped.
func (c *DiscoveryClient) Fetch(ctx context.Context) ([]ingest.DiscoveredPool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery feed returned status %d", resp.StatusCode)
	}

	var body llamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode discovery feed: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("discovery feed status %q", body.Status)
	}

	out := c.convert(body.Data)
	logrus.WithFields(logrus.Fields{
		"total":   len(body.Data),
		"tracked": len(out),
	}).Info("Fetched discovery feed")
	return out, nil
}

func (c *DiscoveryClient) convert(pools []llamaPool) []ingest.DiscoveredPool {
	d := c.registry.Discovery
	chain := d.Chain
	if chain == "" {
		chain = string(c.registry.Chain.Name)
	}

	out := make([]ingest.DiscoveredPool, 0)
	for _, p := range pools {
		if !strings.EqualFold(p.Chain, chain) {
			continue
		}
		project, ok := d.Projects[strings.ToLower(p.Project)]
		if !ok {
			continue
		}
		if p.APY == nil || !c.isSingleStablecoin(p.Symbol) {
			continue
		}

		symbol := c.stablecoinSymbol(p.Symbol)
		underlying := c.underlyingToken(symbol, p.UnderlyingTokens)
		address, subKey := c.contractAddress(project.Protocol, p.Pool, underlying)
		if address == "" || underlying == "" {
			logrus.WithFields(logrus.Fields{
				"project": p.Project,
				"symbol":  p.Symbol,
			}).Debug("Discovery record without resolvable contract")
			continue
		}

		name := p.Project + " " + p.Symbol
		out = append(out, ingest.DiscoveredPool{
			SourceID:         p.Pool,
			ChainID:          c.registry.Chain.ChainID,
			Address:          address,
			SubKey:           subKey,
			ProtocolHint:     project.Protocol,
			Name:             name,
			UnderlyingToken:  underlying,
			UnderlyingSymbol: symbol,
			Kind:             project.Kind,
			Family: c.classifier.Resolve(ClassifyInput{
				Address:    address,
				ProtocolID: project.Protocol,
				Name:       name,
				Kind:       project.Kind,
			}),
			ExternalAPY: *p.APY,
			ExternalTVL: p.TVLUsd,
		})
	}
	return out
}

var symbolSplit = regexp.MustCompile(`[-\s]`)

func (c *DiscoveryClient) isTracked(part string) bool {
	for _, s := range c.registry.Discovery.Symbols {
		if part == strings.ToUpper(s) {
			return true
		}
	}
	_, alias := c.registry.Discovery.SymbolAliases[part]
	return alias
}

// isSingleStablecoin rejects LP pairs and anything that is not a tracked stablecoin.
func (c *DiscoveryClient) isSingleStablecoin(symbol string) bool {
	upper := strings.ToUpper(symbol)
	if strings.Contains(upper, "/") || strings.Contains(upper, "-LP") || strings.Contains(upper, "LP-") {
		return false
	}
	parts := symbolSplit.Split(upper, -1)
	for _, part := range parts {
		if !c.isTracked(part) {
			return false
		}
	}
	return len(parts) > 0 && parts[0] != ""
}

// stablecoinSymbol normalizes the first tracked symbol, e.g. "USDCE" to "USDC.e".
func (c *DiscoveryClient) stablecoinSymbol(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, part := range symbolSplit.Split(upper, -1) {
		if alias, ok := c.registry.Discovery.SymbolAliases[part]; ok {
			return alias
		}
		if c.isTracked(part) {
			return part
		}
	}
	return upper
}

func (c *DiscoveryClient) underlyingToken(symbol string, feedTokens []string) string {
	if addr, ok := c.registry.Stablecoin(symbol); ok {
		return addr
	}
	for _, t := range feedTokens {
		if isHexAddress(t) {
			return t
		}
	}
	return ""
}

// contractAddress returns the contract to query. Lending markets with a known deployment
// hold many reserves and are keyed by the reserve; vaults must carry their address in the
// feed's pool id.
func (c *DiscoveryClient) contractAddress(protocol, poolID, underlying string) (address, subKey string) {
	if dep, ok := c.registry.ProtocolDeployment(protocol); ok {
		return dep.Address, underlying
	}
	for _, part := range strings.Split(poolID, "-") {
		if strings.HasPrefix(part, "0x") && len(part) >= 42 {
			return part[:42], ""
		}
	}
	return "", ""
}

func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && len(s) == 42
}
