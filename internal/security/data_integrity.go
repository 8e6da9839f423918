// Package security signs published payloads so consumers can check where they came from.
package security

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Algorithm names the signature scheme carried in every envelope.
const Algorithm = "secp256k1-keccak256"

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("signature expired")
)

// Signature is the metadata attached to a signed payload.
type Signature struct {
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
	Algorithm  string `json:"algorithm"`
	Timestamp  int64  `json:"timestamp"`
	ValidUntil int64  `json:"valid_until"`
}

// Envelope carries the exact payload bytes that were signed.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature Signature       `json:"_signature"`
}

// Signer signs payloads with an Ethereum key. The signature recovers to the signer
// address, so it can be checked on chain with ecrecover.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	validity time.Duration
	now      func() time.Time
}

// NewSigner parses a hex private key, with or without 0x. A zero validity defaults to
// one hour.
func NewSigner(hexKey string, validity time.Duration) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if validity <= 0 {
		validity = time.Hour
	}
	s := &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		validity: validity,
		now:      time.Now,
	}
	logrus.WithField("signer", s.address.Hex()).Info("Payload signing enabled")
	return s, nil
}

// Address is the account that signatures recover to.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign marshals payload and signs keccak256(payload || timestamp || valid_until).
func (s *Signer) Sign(payload interface{}) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.now()
	ts, until := now.Unix(), now.Add(s.validity).Unix()
	sig, err := crypto.Sign(digest(body, ts, until), s.key)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign payload: %w", err)
	}

	return Envelope{
		Payload: body,
		Signature: Signature{
			Signature:  hexutil.Encode(sig),
			Signer:     s.address.Hex(),
			Algorithm:  Algorithm,
			Timestamp:  ts,
			ValidUntil: until,
		},
	}, nil
}

// Verify checks that env was signed by its declared signer and has not expired at now.
// It returns the recovered signer.
func Verify(env Envelope, now time.Time) (common.Address, error) {
	meta := env.Signature
	if meta.Algorithm != Algorithm {
		return common.Address{}, fmt.Errorf("%w: algorithm %q", ErrInvalidSignature, meta.Algorithm)
	}
	if now.Unix() > meta.ValidUntil {
		return common.Address{}, fmt.Errorf("%w at %s", ErrExpired, time.Unix(meta.ValidUntil, 0).UTC().Format(time.RFC3339))
	}

	sig, err := hexutil.Decode(meta.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest(env.Payload, meta.Timestamp, meta.ValidUntil), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	signer := crypto.PubkeyToAddress(*pub)
	if !common.IsHexAddress(meta.Signer) || signer != common.HexToAddress(meta.Signer) {
		return common.Address{}, fmt.Errorf("%w: recovered %s", ErrInvalidSignature, signer.Hex())
	}
	return signer, nil
}

func digest(body []byte, ts, until int64) []byte {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(ts))
	binary.BigEndian.PutUint64(window[8:], uint64(until))
	return crypto.Keccak256(body, window[:])
}
