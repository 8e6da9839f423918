package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/model"
)

const (
	// DefaultVaultsFyiURL is the vaults.fyi v2 API root.
	DefaultVaultsFyiURL = "https://api.vaults.fyi/v2"

	// VaultsFyiSource tags pools discovered through vaults.fyi.
	VaultsFyiSource = "vaultsfyi"

	vaultsFyiPerPage  = 100
	vaultsFyiMaxPages = 10
)

// VaultsFyiConfig holds the credentials and server-side filters of the vaults.fyi feed.
type VaultsFyiConfig struct {
	BaseURL string
	APIKey  string

	// MinTVL in USD, applied by the API and again on every record
	MinTVL float64

	// PageDelay spaces page requests to save API credits
	PageDelay time.Duration
}

type vaultsFyiAPY struct {
	Base   float64 `json:"base"`
	Reward float64 `json:"reward"`
	Total  float64 `json:"total"`
}

type vaultsFyiVault struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Network struct {
		Name    string `json:"name"`
		ChainID int64  `json:"chainId"`
	} `json:"network"`
	Asset struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"asset"`
	Protocol struct {
		Name    string `json:"name"`
		Product string `json:"product"`
		Version string `json:"version"`
	} `json:"protocol"`
	APY map[string]vaultsFyiAPY `json:"apy"`
	TVL struct {
		USD    string `json:"usd"`
		Native string `json:"native"`
	} `json:"tvl"`
}

type vaultsFyiPage struct {
	Data        []vaultsFyiVault `json:"data"`
	ItemsOnPage int              `json:"itemsOnPage"`
	NextPage    *int             `json:"nextPage"`
}

// VaultsFyiClient lists the tracked chain's stablecoin vaults from vaults.fyi.
type VaultsFyiClient struct {
	config     VaultsFyiConfig
	client     *retryablehttp.Client
	registry   *config.Registry
	classifier *Classifier
}

func NewVaultsFyiClient(cfg VaultsFyiConfig, reg *config.Registry, classifier *Classifier) *VaultsFyiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVaultsFyiURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if classifier == nil {
		classifier = NewClassifier(reg)
	}
	return &VaultsFyiClient{
		config:     cfg,
		client:     NewRetryClient(30 * time.Second),
		registry:   reg,
		classifier: classifier,
	}
}

func (c *VaultsFyiClient) Source() string { return VaultsFyiSource }

// Fetch walks /detailed-vaults until the API reports no next page.
func (c *VaultsFyiClient) Fetch(ctx context.Context) ([]ingest.DiscoveredPool, error) {
	var out []ingest.DiscoveredPool
	received := 0
	for page := 0; ; page++ {
		body, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		received += len(body.Data)
		out = append(out, c.convert(body.Data)...)

		if body.NextPage == nil {
			break
		}
		if page+1 >= vaultsFyiMaxPages {
			logrus.WithField("pages", vaultsFyiMaxPages).Warn("vaults.fyi page limit reached, stopping pagination")
			break
		}
		if err := sleepCtx(ctx, c.config.PageDelay); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":   received,
		"tracked": len(out),
	}).Info("Fetched vaults.fyi feed")
	return out, nil
}

func (c *VaultsFyiClient) fetchPage(ctx context.Context, page int) (vaultsFyiPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(vaultsFyiPerPage))
	q.Set("minTvl", strconv.FormatFloat(c.config.MinTVL, 'f', -1, 64))
	q.Add("allowedNetworks", c.network())
	for _, s := range c.registry.Discovery.Symbols {
		q.Add("allowedAssets", s)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/detailed-vaults?"+q.Encode(), nil)
	if err != nil {
		return vaultsFyiPage{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return vaultsFyiPage{}, fmt.Errorf("vaults.fyi request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return vaultsFyiPage{}, fmt.Errorf("vaults.fyi page %d returned status %d", page, resp.StatusCode)
	}

	var body vaultsFyiPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return vaultsFyiPage{}, fmt.Errorf("decode vaults.fyi page %d: %w", page, err)
	}
	return body, nil
}

func (c *VaultsFyiClient) network() string {
	if c.registry.Discovery.Chain != "" {
		return strings.ToLower(c.registry.Discovery.Chain)
	}
	return string(c.registry.Chain.Name)
}

func (c *VaultsFyiClient) convert(vaults []vaultsFyiVault) []ingest.DiscoveredPool {
	out := make([]ingest.DiscoveredPool, 0, len(vaults))
	for _, v := range vaults {
		tvl, err := strconv.ParseFloat(v.TVL.USD, 64)
		if err != nil || tvl < c.config.MinTVL {
			continue
		}
		if !isHexAddress(v.Address) || !isHexAddress(v.Asset.Address) {
			continue
		}

		protocol := normalizeVaultProtocol(v.Protocol.Name)
		kind := vaultPoolKind(v.Protocol.Name)
		symbol := v.Asset.Symbol
		if alias, ok := c.registry.Discovery.SymbolAliases[strings.ToUpper(symbol)]; ok {
			symbol = alias
		}
		name := v.Name
		if name == "" {
			name = v.Protocol.Name + " " + symbol
		}

		underlying := strings.ToLower(v.Asset.Address)
		d := ingest.DiscoveredPool{
			SourceID:         c.network() + ":" + strings.ToLower(v.Address),
			ChainID:          c.registry.Chain.ChainID,
			Address:          strings.ToLower(v.Address),
			ProtocolHint:     protocol,
			Name:             name,
			UnderlyingToken:  underlying,
			UnderlyingSymbol: symbol,
			Kind:             kind,
			ExternalAPY:      vaultAPY(v.APY) * 100,
			ExternalTVL:      tvl,
		}

		if dep, ok := c.registry.ProtocolDeployment(protocol); ok {
			// a market holding many reserves is keyed by the reserve, as in the llama feed
			d.Address = dep.Address
			d.SubKey = underlying
			d.Family = dep.Family
		} else {
			d.Family = c.vaultFamily(d)
		}
		out = append(out, d)
	}
	return out
}

// vaultFamily maps a vault without a known market. Aave forks list their receipt token
// and Compound lists the Comet itself.
func (c *VaultsFyiClient) vaultFamily(d ingest.DiscoveredPool) model.Family {
	switch d.ProtocolHint {
	case "aave_v3", "radiant_v2", "spark":
		return model.FamilyAToken
	case "compound_v3":
		return model.FamilyCompoundV3
	}
	return c.classifier.Resolve(ClassifyInput{
		Address:    d.Address,
		ProtocolID: d.ProtocolHint,
		Name:       d.Name,
		Kind:       d.Kind,
	})
}

// vaultAPY prefers the 7 day figure and falls back to 1 day. Values are fractions.
func vaultAPY(apy map[string]vaultsFyiAPY) float64 {
	if a, ok := apy["7day"]; ok && a.Total != 0 {
		return a.Total
	}
	return apy["1day"].Total
}

var vaultProtocols = map[string]string{
	"aave-v3":     "aave_v3",
	"aave v3":     "aave_v3",
	"aave":        "aave_v3",
	"compound-v3": "compound_v3",
	"compound v3": "compound_v3",
	"compound":    "compound_v3",
	"morpho-blue": "morpho",
	"morpho blue": "morpho",
	"yearn":       "yearn_v3",
	"yearn-v3":    "yearn_v3",
	"yearn v3":    "yearn_v3",
	"radiant":     "radiant_v2",
	"radiant-v2":  "radiant_v2",
	"radiant v2":  "radiant_v2",
}

var protocolSeparators = regexp.MustCompile(`[\s-]+`)

// normalizeVaultProtocol maps a vaults.fyi protocol name to a protocol id.
func normalizeVaultProtocol(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	if slug == "" {
		return ingest.UnknownProtocol
	}
	if id, ok := vaultProtocols[slug]; ok {
		return id
	}
	return protocolSeparators.ReplaceAllString(slug, "_")
}

var lendingProtocols = []string{"aave", "compound", "radiant", "silo", "euler", "morpho", "spark", "fluid"}

func vaultPoolKind(name string) model.PoolKind {
	lower := strings.ToLower(name)
	for _, p := range lendingProtocols {
		if strings.Contains(lower, p) {
			return model.PoolKindLending
		}
	}
	return model.PoolKindVault
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
