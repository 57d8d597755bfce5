package security

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Request headers carrying the caller's signature
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// RequestDigest is the hash a caller signs for one request
func RequestDigest(method, path string, timestamp int64, body []byte) common.Hash {
	prefix := fmt.Sprintf("%d\n%s %s\n", timestamp, method, path)
	return crypto.Keccak256Hash([]byte(prefix), body)
}

// SignRequest sets the signature headers on req for body
func SignRequest(req *http.Request, body []byte, s *Signer) error {
	ts := s.now().Unix()
	sig, err := s.SignDigest(RequestDigest(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// Authenticator recovers the calling address from signed requests and rejects
// requests outside the validity window or already accepted within it
type Authenticator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[common.Hash]time.Time
	now    func() time.Time
}

// NewAuthenticator creates an authenticator accepting timestamps within window of now
func NewAuthenticator(window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultSignatureValidity
	}
	return &Authenticator{
		window: window,
		seen:   make(map[common.Hash]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Authenticate returns the address that signed r with body
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (common.Address, error) {
	sigHex := r.Header.Get(HeaderSignature)
	tsRaw := r.Header.Get(HeaderTimestamp)
	if sigHex == "" || tsRaw == "" {
		return common.Address{}, ErrMissingSignature
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}

	now := a.now()
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > a.window || signedAt.Sub(now) > a.window {
		return common.Address{}, fmt.Errorf("%w: signed at %s", ErrExpired, signedAt.UTC().Format(time.RFC3339))
	}

	digest := RequestDigest(r.Method, r.URL.Path, ts, body)
	caller, err := Recover(digest, sig)
	if err != nil {
		return common.Address{}, err
	}

	// keyed on what was signed and by whom, not on the signature encoding
	key := crypto.Keccak256Hash(caller.Bytes(), digest.Bytes())
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)
	if _, dup := a.seen[key]; dup {
		logrus.WithFields(logrus.Fields{
			"caller": caller.Hex(),
			"path":   r.URL.Path,
		}).Warn("Replayed request signature rejected")
		return common.Address{}, ErrReplay
	}
	a.seen[key] = signedAt
	return caller, nil
}

// prune requires a.mu held
func (a *Authenticator) prune(now time.Time) {
	for k, at := range a.seen {
		if now.Sub(at) > a.window {
			delete(a.seen, k)
		}
	}
}
