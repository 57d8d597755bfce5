// Package security provides secp256k1 payload signing and HTTP request authentication
package security

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingSignature = errors.New("security: missing signature")
	ErrBadSignature     = errors.New("security: signature verification failed")
	ErrExpired          = errors.New("security: signature expired")
	ErrReplay           = errors.New("security: signature already used")
	ErrTampered         = errors.New("security: payload hash mismatch")
)

// DefaultSignatureValidity bounds how long a signed envelope or request stays acceptable
const DefaultSignatureValidity = 5 * time.Minute

// Signer signs payloads with a secp256k1 key
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	validity time.Duration
	now      func() time.Time
}

// NewSigner wraps an existing private key
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		validity: DefaultSignatureValidity,
		now:      time.Now,
	}
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	s := NewSigner(key)
	logrus.WithField("address", s.address.Hex()).Info("Generated ephemeral signing key")
	return s, nil
}

// SignerFromHex parses a hex private key, with or without 0x prefix
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSigner(key), nil
}

// WithValidity sets how long produced envelopes remain valid
func (s *Signer) WithValidity(d time.Duration) *Signer {
	if d > 0 {
		s.validity = d
	}
	return s
}

// WithClock overrides the time source
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Address is the account the key controls
func (s *Signer) Address() common.Address { return s.address }

// SignDigest produces a 65-byte [R || S || V] signature over digest
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// Envelope is a tamper-evident wrapper around a JSON payload
type Envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Keccak256  common.Hash     `json:"keccak256"`
	Signature  hexutil.Bytes   `json:"signature"`
	Signer     common.Address  `json:"signer"`
	Timestamp  int64           `json:"timestamp"`
	ValidUntil int64           `json:"validUntil"`
}

// Wrap marshals payload and signs it
func (s *Signer) Wrap(payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := s.now()
	env := &Envelope{
		Payload:    raw,
		Keccak256:  crypto.Keccak256Hash(raw),
		Signer:     s.address,
		Timestamp:  now.Unix(),
		ValidUntil: now.Add(s.validity).Unix(),
	}
	env.Signature, err = s.SignDigest(env.digest())
	if err != nil {
		return nil, err
	}
	return env, nil
}

// VerifyEnvelope checks the payload hash, the validity window and that the signature
// recovers to the declared signer
func VerifyEnvelope(env *Envelope, now time.Time) error {
	if env == nil || len(env.Signature) == 0 {
		return ErrMissingSignature
	}
	if crypto.Keccak256Hash(env.Payload) != env.Keccak256 {
		return ErrTampered
	}
	if now.Unix() > env.ValidUntil {
		return fmt.Errorf("%w: valid until %s", ErrExpired, time.Unix(env.ValidUntil, 0).UTC().Format(time.RFC3339))
	}

	signer, err := Recover(env.digest(), env.Signature)
	if err != nil {
		return err
	}
	if signer != env.Signer {
		return fmt.Errorf("%w: recovered %s", ErrBadSignature, signer.Hex())
	}
	return nil
}

// Recover returns the address whose key produced sig over digest. Only the
// canonical form SignDigest produces is accepted: V is 0 or 1 and S is in the
// lower half of the curve order.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	v := sig[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: non-canonical signature", ErrBadSignature)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (e *Envelope) digest() common.Hash {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(e.Timestamp))
	binary.BigEndian.PutUint64(window[8:], uint64(e.ValidUntil))
	return crypto.Keccak256Hash(e.Keccak256.Bytes(), window[:])
}
