package security

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known development key; address 0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf
const devKey = "0x0000000000000000000000000000000000000000000000000000000000000001"

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSignerFromHex(t *testing.T) {
	s, err := SignerFromHex(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"), s.Address())

	_, err = SignerFromHex("not-a-key")
	assert.Error(t, err)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s, err := GenerateSigner()
	require.NoError(t, err)
	s.WithClock(fixedClock(start)).WithValidity(time.Minute)

	env, err := s.Wrap(map[string]interface{}{"predictionId": 7, "accurate": true})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), env.Signer)
	assert.Equal(t, start.Add(time.Minute).Unix(), env.ValidUntil)

	require.NoError(t, VerifyEnvelope(env, start.Add(30*time.Second)))

	// survives a JSON round trip
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NoError(t, VerifyEnvelope(&decoded, start))
}

func TestEnvelope_Rejections(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	s, err := SignerFromHex(devKey)
	require.NoError(t, err)
	s.WithClock(fixedClock(start)).WithValidity(time.Minute)

	wrap := func() *Envelope {
		env, err := s.Wrap([]int{1, 2, 3})
		require.NoError(t, err)
		return env
	}

	env := wrap()
	env.Payload = json.RawMessage(`[1,2,4]`)
	assert.ErrorIs(t, VerifyEnvelope(env, start), ErrTampered)

	env = wrap()
	assert.ErrorIs(t, VerifyEnvelope(env, start.Add(2*time.Minute)), ErrExpired)

	env = wrap()
	env.Signer = common.HexToAddress("0x1234")
	assert.ErrorIs(t, VerifyEnvelope(env, start), ErrBadSignature)

	env = wrap()
	env.ValidUntil += 3600
	assert.ErrorIs(t, VerifyEnvelope(env, start), ErrBadSignature)

	assert.ErrorIs(t, VerifyEnvelope(nil, start), ErrMissingSignature)
}

// highS returns the (r, n-s, v^1) twin of sig, which recovers the same key
func highS(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	n := crypto.S256().Params().N
	s := new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64]))
	s.FillBytes(out[32:64])
	out[crypto.RecoveryIDOffset] ^= 1
	return out
}

func TestRecover_RejectsNonCanonical(t *testing.T) {
	s, err := SignerFromHex(devKey)
	require.NoError(t, err)

	digest := crypto.Keccak256Hash([]byte("hello"))
	sig, err := s.SignDigest(digest)
	require.NoError(t, err)

	got, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	legacy := make([]byte, len(sig))
	copy(legacy, sig)
	legacy[crypto.RecoveryIDOffset] += 27
	_, err = Recover(digest, legacy)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = Recover(digest, highS(sig))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = Recover(digest, sig[:64])
	assert.ErrorIs(t, err, ErrBadSignature)
}

func signedRequest(t *testing.T, s *Signer, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, SignRequest(req, body, s))
	return req
}

func TestAuthenticator_RecoversCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := GenerateSigner()
	require.NoError(t, err)
	s.WithClock(fixedClock(now))
	auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now.Add(10 * time.Second)))

	body := []byte(`{"amount":"100"}`)
	caller, err := auth.Authenticate(signedRequest(t, s, http.MethodPost, "/v1/pool/deposit", body), body)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), caller)
}

func TestAuthenticator_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := GenerateSigner()
	require.NoError(t, err)
	s.WithClock(fixedClock(now))
	body := []byte(`{"amount":"100"}`)

	t.Run("missing headers", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now))
		req := httptest.NewRequest(http.MethodPost, "/v1/pool/deposit", bytes.NewReader(body))
		_, err := auth.Authenticate(req, body)
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("body changed", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now))
		req := signedRequest(t, s, http.MethodPost, "/v1/pool/deposit", body)
		caller, err := auth.Authenticate(req, []byte(`{"amount":"999"}`))
		// a different digest recovers a different, unrelated address
		if err == nil {
			assert.NotEqual(t, s.Address(), caller)
		}
	})

	t.Run("path changed", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now))
		req := signedRequest(t, s, http.MethodPost, "/v1/pool/deposit", body)
		req.URL.Path = "/v1/admin/relayer"
		caller, err := auth.Authenticate(req, body)
		if err == nil {
			assert.NotEqual(t, s.Address(), caller)
		}
	})

	t.Run("expired", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now.Add(2 * time.Minute)))
		_, err := auth.Authenticate(signedRequest(t, s, http.MethodPost, "/x", body), body)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("from the future", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now.Add(-2 * time.Minute)))
		_, err := auth.Authenticate(signedRequest(t, s, http.MethodPost, "/x", body), body)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now))
		req := signedRequest(t, s, http.MethodPost, "/x", body)
		req.Header.Set(HeaderTimestamp, "yesterday")
		_, err := auth.Authenticate(req, body)
		assert.ErrorIs(t, err, ErrBadSignature)

		req = signedRequest(t, s, http.MethodPost, "/x", body)
		req.Header.Set(HeaderSignature, "zz")
		_, err = auth.Authenticate(req, body)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("replay", func(t *testing.T) {
		auth := NewAuthenticator(time.Minute).WithClock(fixedClock(now))
		req := signedRequest(t, s, http.MethodPost, "/x", body)
		_, err := auth.Authenticate(req, body)
		require.NoError(t, err)
		_, err = auth.Authenticate(req, body)
		assert.ErrorIs(t, err, ErrReplay)

		sig, err := hexutil.Decode(req.Header.Get(HeaderSignature))
		require.NoError(t, err)

		legacy := make([]byte, len(sig))
		copy(legacy, sig)
		legacy[crypto.RecoveryIDOffset] += 27
		req.Header.Set(HeaderSignature, hexutil.Encode(legacy))
		_, err = auth.Authenticate(req, body)
		assert.Error(t, err)

		req.Header.Set(HeaderSignature, hexutil.Encode(highS(sig)))
		_, err = auth.Authenticate(req, body)
		assert.Error(t, err)
		assert.Len(t, auth.seen, 1)
	})
}

func TestAuthenticator_PrunesOldSignatures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	s, err := GenerateSigner()
	require.NoError(t, err)
	s.WithClock(fixedClock(now))
	auth := NewAuthenticator(time.Minute).WithClock(func() time.Time { return clock })

	_, err = auth.Authenticate(signedRequest(t, s, http.MethodGet, "/a", nil), nil)
	require.NoError(t, err)
	assert.Len(t, auth.seen, 1)

	clock = now.Add(5 * time.Minute)
	s.WithClock(fixedClock(clock))
	_, err = auth.Authenticate(signedRequest(t, s, http.MethodGet, "/b", nil), nil)
	require.NoError(t, err)
	assert.Len(t, auth.seen, 1)
}
