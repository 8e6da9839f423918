// Package export pushes the ranking to downstream consumers.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/fetch"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/security"
)

// WebhookConfig holds configuration for the ranking webhook
type WebhookConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Batch is the body posted to the webhook, or the payload of the signed envelope.
type Batch struct {
	Ranking    []model.RankedPool `json:"ranking"`
	ExportTime string             `json:"export_time"`
	Count      int                `json:"count"`
}

// WebhookExporter posts each ranking to a webhook, signed when a signer is configured.
type WebhookExporter struct {
	config WebhookConfig
	client *retryablehttp.Client
	signer *security.Signer
	now    func() time.Time

	mu         sync.RWMutex
	lastExport time.Time
	lastErr    error
	exported   int
}

func NewWebhookExporter(config WebhookConfig, signer *security.Signer) (*WebhookExporter, error) {
	if config.URL == "" {
		return nil, errors.New("webhook URL not configured")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookExporter{
		config: config,
		client: fetch.NewRetryClient(config.Timeout),
		signer: signer,
		now:    time.Now,
	}, nil
}

// Publish posts one ranking. A 4xx or 5xx answer after retries is an error.
func (e *WebhookExporter) Publish(ctx context.Context, ranked []model.RankedPool) error {
	err := e.post(ctx, ranked)

	e.mu.Lock()
	e.lastErr = err
	if err == nil {
		e.lastExport = e.now()
		e.exported += len(ranked)
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"pools":  len(ranked),
		"signed": e.signer != nil,
	}).Info("Ranking exported")
	return nil
}

func (e *WebhookExporter) post(ctx context.Context, ranked []model.RankedPool) error {
	if ranked == nil {
		ranked = []model.RankedPool{}
	}
	batch := Batch{
		Ranking:    ranked,
		ExportTime: e.now().UTC().Format(time.RFC3339),
		Count:      len(ranked),
	}

	var (
		body []byte
		err  error
	)
	if e.signer != nil {
		env, serr := e.signer.Sign(batch)
		if serr != nil {
			return serr
		}
		body, err = json.Marshal(env)
	} else {
		body, err = json.Marshal(batch)
	}
	if err != nil {
		return fmt.Errorf("marshal ranking: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status returns the current status of the exporter
func (e *WebhookExporter) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := map[string]interface{}{
		"signed":   e.signer != nil,
		"exported": e.exported,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	if e.lastErr != nil {
		status["last_error"] = e.lastErr.Error()
	}
	return status
}
