package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/security"
)

type captured struct {
	auth string
	body []byte
}

func webhook(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{auth: r.Header.Get("Authorization"), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

var ranking = []model.RankedPool{
	{PoolID: "42161:0xbbb", Name: "Beefy USDC", AdjustedAPY: 4.5},
	{PoolID: "42161:0xaaa", Name: "Aave V3 USDC", AdjustedAPY: 4.0},
}

func TestWebhookExporter_Publish(t *testing.T) {
	srv, got := webhook(t, http.StatusNoContent)
	e, err := NewWebhookExporter(WebhookConfig{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Publish(context.Background(), ranking))

	req := <-got
	assert.Equal(t, "Bearer secret", req.auth)
	var batch Batch
	require.NoError(t, json.Unmarshal(req.body, &batch))
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, "42161:0xbbb", batch.Ranking[0].PoolID)

	status := e.Status()
	assert.Equal(t, 2, status["exported"])
	assert.Contains(t, status, "last_export")
	assert.NotContains(t, status, "last_error")
}

func TestWebhookExporter_Signed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := security.NewSigner(hexutil.Encode(crypto.FromECDSA(key)), time.Hour)
	require.NoError(t, err)

	srv, got := webhook(t, http.StatusOK)
	e, err := NewWebhookExporter(WebhookConfig{URL: srv.URL}, signer)
	require.NoError(t, err)
	require.NoError(t, e.Publish(context.Background(), ranking))

	req := <-got
	assert.Empty(t, req.auth)
	var env security.Envelope
	require.NoError(t, json.Unmarshal(req.body, &env))
	addr, err := security.Verify(env, time.Now())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	var batch Batch
	require.NoError(t, json.Unmarshal(env.Payload, &batch))
	assert.Len(t, batch.Ranking, 2)
}

func TestWebhookExporter_Failure(t *testing.T) {
	srv, _ := webhook(t, http.StatusBadRequest)
	e, err := NewWebhookExporter(WebhookConfig{URL: srv.URL}, nil)
	require.NoError(t, err)
	e.client.RetryMax = 0

	err = e.Publish(context.Background(), nil)
	assert.ErrorContains(t, err, "400")
	assert.Equal(t, 0, e.Status()["exported"])
	assert.Contains(t, e.Status(), "last_error")

	_, err = NewWebhookExporter(WebhookConfig{}, nil)
	assert.Error(t, err)
}
