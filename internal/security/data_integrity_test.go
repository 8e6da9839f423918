package security

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T, at time.Time) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s, err := NewSigner("0x"+hex.EncodeToString(crypto.FromECDSA(key)), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
	s.now = func() time.Time { return at }
	return s
}

func TestSigner_RoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestSigner(t, at)

	env, err := s.Sign(map[string]float64{"adjustedApy": 4.2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"adjustedApy":4.2}`, string(env.Payload))
	assert.Equal(t, Algorithm, env.Signature.Algorithm)
	assert.Equal(t, at.Add(10*time.Minute).Unix(), env.Signature.ValidUntil)

	// survives a trip through JSON, as a consumer would receive it
	wire, err := json.Marshal(env)
	require.NoError(t, err)
	var fields struct {
		Signature map[string]json.RawMessage `json:"_signature"`
	}
	require.NoError(t, json.Unmarshal(wire, &fields))
	assert.ElementsMatch(t,
		[]string{"signature", "signer", "algorithm", "timestamp", "valid_until"},
		keys(fields.Signature))

	var got Envelope
	require.NoError(t, json.Unmarshal(wire, &got))

	signer, err := Verify(got, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), signer)
}

func TestVerify_Rejects(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestSigner(t, at)
	other := newTestSigner(t, at)

	env, err := s.Sign([]string{"pool-a", "pool-b"})
	require.NoError(t, err)

	tampered := env
	tampered.Payload = json.RawMessage(`["pool-b","pool-a"]`)

	wrongSigner := env
	wrongSigner.Signature.Signer = other.Address().Hex()

	extended := env
	extended.Signature.ValidUntil += 3600

	garbage := env
	garbage.Signature.Signature = "0x1234"

	tests := []struct {
		name string
		env  Envelope
		now  time.Time
		want error
	}{
		{"tampered payload", tampered, at, ErrInvalidSignature},
		{"wrong signer", wrongSigner, at, ErrInvalidSignature},
		{"extended validity", extended, at, ErrInvalidSignature},
		{"malformed signature", garbage, at, ErrInvalidSignature},
		{"expired", env, at.Add(11 * time.Minute), ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.env, tt.now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewSigner_BadKey(t *testing.T) {
	_, err := NewSigner("not-hex", time.Minute)
	assert.Error(t, err)
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
