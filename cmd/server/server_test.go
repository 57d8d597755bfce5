package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/slippage-rewards/internal/admin"
	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/config"
	"github.com/yourorg/slippage-rewards/internal/guard"
	"github.com/yourorg/slippage-rewards/internal/ledger"
	"github.com/yourorg/slippage-rewards/internal/oracle"
	"github.com/yourorg/slippage-rewards/internal/pool"
	"github.com/yourorg/slippage-rewards/internal/registry"
	"github.com/yourorg/slippage-rewards/internal/security"
	"github.com/yourorg/slippage-rewards/internal/timelock"
	"github.com/yourorg/slippage-rewards/internal/validation"
)

const ownerKey = "0x0000000000000000000000000000000000000000000000000000000000000001"

var (
	oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	tokenIn  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenOut = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	srv     *Server
	handler http.Handler
	clock   *fakeClock

	owner   *security.Signer
	relayer *security.Signer
	user    *security.Signer
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	owner, err := security.SignerFromHex(ownerKey)
	require.NoError(t, err)
	relayer, err := security.GenerateSigner()
	require.NoError(t, err)
	user, err := security.GenerateSigner()
	require.NoError(t, err)
	for _, s := range []*security.Signer{owner, relayer, user} {
		s.WithClock(clock.Now)
	}

	cfg := config.Config{
		Port:              "0",
		OwnerPrivateKey:   ownerKey,
		Relayer:           relayer.Address(),
		TimelockMinDelay:  72 * time.Hour,
		CircuitResetDelay: time.Minute,
		JournalPath:       filepath.Join(t.TempDir(), "journal.db"),
		GenesisAllocations: map[common.Address]*big.Int{
			user.Address(): new(big.Int).Set(oneToken),
		},
		PoolSeed:          new(big.Int).Set(oneToken),
		SignatureValidity: 5 * time.Minute,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		ExportInterval:    time.Minute,
		ExportBatchSize:   100,
		LogFormat:         "text",
		LogLevel:          "error",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := newServer(cfg, clock.Now)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &harness{
		t:       t,
		srv:     srv,
		handler: srv.Handler(),
		clock:   clock,
		owner:   owner,
		relayer: relayer,
		user:    user,
	}
}

// post sends a signed request one second after the previous one so signatures never repeat
func (h *harness) post(path string, signer *security.Signer, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	h.clock.Advance(time.Second)
	req := h.signedRequest(path, signer, body)
	return h.serve(req)
}

func (h *harness) signedRequest(path string, signer *security.Signer, body interface{}) *http.Request {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	require.NoError(h.t, security.SignRequest(req, raw, signer))
	return req
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.serve(httptest.NewRequest(http.MethodGet, path, nil))
}

func (h *harness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func submitBody(predictedBP uint64) map[string]interface{} {
	return map[string]interface{}{
		"tokenIn":             tokenIn,
		"tokenOut":            tokenOut,
		"amountIn":            1000,
		"predictedSlippageBP": predictedBP,
		"quotePrice":          2000,
		"expectedSwapTxHash":  common.HexToHash("0xbeef"),
	}
}

// submit approves the lock fee and submits one prediction for the user
func (h *harness) submit(predictedBP uint64) uint64 {
	h.t.Helper()
	rec := h.post("/v1/token/approve", h.user, map[string]interface{}{
		"spender": h.srv.d.registry.Address(),
		"amount":  h.srv.d.registry.LockFee(),
	})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.post("/v1/predictions", h.user, submitBody(predictedBP))
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SubmitResponse
	decodeBody(h.t, rec, &resp)
	return resp.PredictionID
}

func (h *harness) setOracle(value int64) {
	h.t.Helper()
	rec := h.post("/v1/oracle/value", h.owner, map[string]interface{}{"value": value})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) balance(addr common.Address) string {
	h.t.Helper()
	rec := h.get("/v1/accounts/" + addr.Hex() + "/balance")
	require.Equal(h.t, http.StatusOK, rec.Code)
	var resp struct {
		Balance *big.Int `json:"balance"`
	}
	decodeBody(h.t, rec, &resp)
	return resp.Balance.String()
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, version, body["version"])
}

func TestDeploy_BindsRegistryAndSeedsPool(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, h.srv.d.registry.Address(), h.srv.d.pool.GetRegistryAddress())
	assert.Equal(t, h.owner.Address(), h.srv.d.registry.Owner())
	assert.Equal(t, oneToken.String(), h.balance(h.user.Address()))

	rec := h.get("/v1/pool/balance")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Balance  *big.Int       `json:"balance"`
		Currency common.Address `json:"currency"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, oneToken.String(), resp.Balance.String())
	assert.Equal(t, h.srv.d.token.Address(), resp.Currency)
}

func TestPredictionLifecycle_AccuratePaysReward(t *testing.T) {
	h := newHarness(t)
	fee := h.srv.d.registry.LockFee()
	reward := h.srv.d.registry.Reward()

	id := h.submit(50)
	assert.Equal(t, uint64(1), id)

	rec := h.get("/v1/predictions/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var p struct {
		Predictor       common.Address `json:"predictor"`
		HasBeenVerified bool           `json:"hasBeenVerified"`
	}
	decodeBody(t, rec, &p)
	assert.Equal(t, h.user.Address(), p.Predictor)
	assert.False(t, p.HasBeenVerified)

	h.setOracle(52)
	verify := map[string]interface{}{"predictionId": id, "amountOutActual": 990, "actualSlippageBP": 52}
	rec = h.post("/v1/predictions/verify", h.relayer, verify)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		IsAccurate bool     `json:"isAccurate"`
		Difference uint64   `json:"difference"`
		Reward     *big.Int `json:"reward"`
	}
	decodeBody(t, rec, &result)
	assert.True(t, result.IsAccurate)
	assert.Equal(t, uint64(2), result.Difference)
	assert.Equal(t, reward.String(), result.Reward.String())

	rec = h.post("/v1/predictions/verify", h.relayer, verify)
	assert.Equal(t, http.StatusConflict, rec.Code)

	expectedUser := new(big.Int).Sub(oneToken, fee)
	expectedUser.Add(expectedUser, reward)
	assert.Equal(t, expectedUser.String(), h.balance(h.user.Address()))

	expectedPool := new(big.Int).Add(oneToken, fee)
	expectedPool.Sub(expectedPool, reward)
	assert.Equal(t, expectedPool.String(), h.balance(h.srv.d.pool.Address()))

	rec = h.get("/v1/users/" + h.user.Address().Hex() + "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Stats struct {
			Submitted     uint64   `json:"submitted"`
			Accurate      uint64   `json:"accurate"`
			TotalRewarded *big.Int `json:"totalRewarded"`
		} `json:"stats"`
		Pending uint64 `json:"pending"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, uint64(1), stats.Stats.Submitted)
	assert.Equal(t, uint64(1), stats.Stats.Accurate)
	assert.Equal(t, reward.String(), stats.Stats.TotalRewarded.String())
	assert.Equal(t, uint64(0), stats.Pending)

	rec = h.get("/v1/users/" + h.user.Address().Hex() + "/predictions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Predictions []uint64 `json:"predictions"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, []uint64{1}, list.Predictions)

	rec = h.get("/v1/events?name=CompensationPaid")
	require.Equal(t, http.StatusOK, rec.Code)
	var paid []map[string]interface{}
	decodeBody(t, rec, &paid)
	assert.Len(t, paid, 1)

	rec = h.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slippage_predictions_submitted_total 1")
}

func TestVerify_InaccurateKeepsFee(t *testing.T) {
	h := newHarness(t)
	id := h.submit(10)
	h.setOracle(80)

	rec := h.post("/v1/predictions/verify", h.relayer, map[string]interface{}{
		"predictionId": id, "amountOutActual": 990, "actualSlippageBP": 80,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		IsAccurate bool     `json:"isAccurate"`
		Reward     *big.Int `json:"reward"`
	}
	decodeBody(t, rec, &result)
	assert.False(t, result.IsAccurate)
	assert.Nil(t, result.Reward)

	expected := new(big.Int).Sub(oneToken, h.srv.d.registry.LockFee())
	assert.Equal(t, expected.String(), h.balance(h.user.Address()))

	rec = h.get("/v1/events?name=VerificationFailed")
	var failed []map[string]interface{}
	decodeBody(t, rec, &failed)
	assert.Len(t, failed, 1)
}

func TestVerify_Rejections(t *testing.T) {
	h := newHarness(t)
	id := h.submit(50)
	body := map[string]interface{}{"predictionId": id, "amountOutActual": 990, "actualSlippageBP": 50}

	// no oracle reading published yet
	rec := h.post("/v1/predictions/verify", h.relayer, body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.setOracle(70)
	rec = h.post("/v1/predictions/verify", h.relayer, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	h.setOracle(50)
	rec = h.post("/v1/predictions/verify", h.user, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/v1/predictions/verify", h.relayer, map[string]interface{}{
		"predictionId": 99, "amountOutActual": 990, "actualSlippageBP": 50,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.False(t, h.srv.d.registry.GetPrediction(id).HasBeenVerified)
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t)

	// no allowance
	rec := h.post("/v1/predictions", h.user, submitBody(50))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.post("/v1/predictions", h.user, submitBody(10001))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post("/v1/predictions", h.user, map[string]interface{}{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, uint64(0), h.srv.d.registry.PredictionCounter())
	assert.Equal(t, http.StatusNotFound, h.get("/v1/predictions/1").Code)
	assert.Equal(t, http.StatusBadRequest, h.get("/v1/predictions/abc").Code)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)
	body := map[string]interface{}{"amount": 1}

	t.Run("unsigned", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/pool/deposit", bytes.NewReader([]byte(`{"amount":1}`)))
		assert.Equal(t, http.StatusUnauthorized, h.serve(req).Code)
	})

	t.Run("replayed", func(t *testing.T) {
		h.clock.Advance(time.Second)
		req := h.signedRequest("/v1/token/approve", h.user, map[string]interface{}{
			"spender": h.srv.d.pool.Address(), "amount": 1,
		})
		replay := req.Clone(req.Context())
		raw, _ := json.Marshal(map[string]interface{}{"spender": h.srv.d.pool.Address(), "amount": 1})
		replay.Body = io.NopCloser(bytes.NewReader(raw))

		assert.Equal(t, http.StatusOK, h.serve(req).Code)
		assert.Equal(t, http.StatusUnauthorized, h.serve(replay).Code)
	})

	t.Run("expired", func(t *testing.T) {
		req := h.signedRequest("/v1/pool/deposit", h.user, body)
		h.clock.Advance(10 * time.Minute)
		assert.Equal(t, http.StatusUnauthorized, h.serve(req).Code)
	})

	t.Run("malformed signature", func(t *testing.T) {
		req := h.signedRequest("/v1/pool/deposit", h.user, body)
		req.Header.Set(security.HeaderSignature, "0xzz")
		assert.Equal(t, http.StatusUnauthorized, h.serve(req).Code)
	})
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/v1/pool/deposit", h.user, map[string]interface{}{"amount": 500})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.post("/v1/token/approve", h.user, map[string]interface{}{"spender": h.srv.d.pool.Address(), "amount": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.post("/v1/pool/deposit", h.user, map[string]interface{}{"amount": 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	expected := new(big.Int).Add(oneToken, big.NewInt(500))
	assert.Equal(t, expected.String(), h.balance(h.srv.d.pool.Address()))

	rec = h.post("/v1/pool/deposit", h.user, map[string]interface{}{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayerRotation_ThroughTimelock(t *testing.T) {
	h := newHarness(t)
	next, err := security.GenerateSigner()
	require.NoError(t, err)

	rec := h.post("/v1/admin/relayer", h.user, map[string]interface{}{"address": next.Address()})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/v1/admin/relayer", h.owner, map[string]interface{}{"address": next.Address()})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var scheduled ScheduledResponse
	decodeBody(t, rec, &scheduled)

	rec = h.get("/v1/timelock/operations")
	var pending []timelock.Operation
	decodeBody(t, rec, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, scheduled.OperationID, pending[0].ID)

	execute := map[string]interface{}{"operationId": scheduled.OperationID}
	rec = h.post("/v1/timelock/execute", h.user, execute)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, h.relayer.Address(), h.srv.d.registry.Relayer())

	h.clock.Advance(72 * time.Hour)
	rec = h.post("/v1/timelock/execute", h.user, execute)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, next.Address(), h.srv.d.registry.Relayer())

	rec = h.get("/v1/timelock/operations/" + scheduled.OperationID.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	var op timelock.Operation
	decodeBody(t, rec, &op)
	assert.Equal(t, timelock.StatusExecuted, op.Status)

	assert.Equal(t, http.StatusNotFound, h.get("/v1/timelock/operations/"+common.HexToHash("0x01").Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, h.get("/v1/timelock/operations/0x01").Code)
}

func TestRelayerRotation_OwnerDirect(t *testing.T) {
	h := newHarness(t)
	next := common.HexToAddress("0x00000000000000000000000000000000000000e2")

	rec := h.post("/v1/admin/relayer/execute", h.owner, map[string]interface{}{"address": next})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, next, h.srv.d.registry.Relayer())

	rec = h.post("/v1/admin/relayer/execute", h.owner, map[string]interface{}{"address": common.Address{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimelockCancel(t *testing.T) {
	h := newHarness(t)
	rec := h.post("/v1/admin/relayer", h.owner, map[string]interface{}{"address": h.user.Address()})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var scheduled ScheduledResponse
	decodeBody(t, rec, &scheduled)
	body := map[string]interface{}{"operationId": scheduled.OperationID}

	rec = h.post("/v1/timelock/cancel", h.user, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/v1/timelock/cancel", h.owner, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	h.clock.Advance(72 * time.Hour)
	rec = h.post("/v1/timelock/execute", h.owner, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegistryBinding_IsOneTime(t *testing.T) {
	h := newHarness(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	rec := h.post("/v1/admin/registry", h.owner, map[string]interface{}{"address": other})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.post("/v1/admin/registry/execute", h.owner, map[string]interface{}{"address": other})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, h.srv.d.registry.Address(), h.srv.d.pool.GetRegistryAddress())
}

func TestEmergencyWithdraw(t *testing.T) {
	h := newHarness(t)
	body := map[string]interface{}{"token": h.srv.d.token.Address(), "amount": 1000}

	rec := h.post("/v1/admin/emergency-withdraw", h.user, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/v1/admin/emergency-withdraw", h.owner, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000", h.balance(h.owner.Address()))

	rec = h.post("/v1/admin/emergency-withdraw", h.owner, map[string]interface{}{
		"token": h.srv.d.token.Address(), "amount": new(big.Int).Mul(oneToken, big.NewInt(2)),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransferOwnership(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/v1/admin/ownership", h.owner, map[string]interface{}{"contract": "vault", "newOwner": h.user.Address()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post("/v1/admin/ownership", h.owner, map[string]interface{}{"contract": "registry", "newOwner": h.user.Address()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, h.user.Address(), h.srv.d.registry.Owner())
	assert.Equal(t, h.owner.Address(), h.srv.d.pool.Owner())

	// the static oracle follows the registry owner
	rec = h.post("/v1/oracle/value", h.owner, map[string]interface{}{"value": 5})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.post("/v1/oracle/value", h.user, map[string]interface{}{"value": 5})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPriceFeedSwap(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": 42, "updatedAt": 1709294400}`)
	}))
	defer feed.Close()

	h := newHarness(t)
	assert.Equal(t, http.StatusServiceUnavailable, h.get("/v1/oracle/circuit").Code)

	rec := h.post("/v1/admin/price-feed", h.user, map[string]interface{}{"url": feed.URL})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/v1/admin/price-feed", h.owner, map[string]interface{}{"url": feed.URL})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, feed.URL, h.srv.d.registry.PriceFeed().Source())

	rec = h.get("/v1/oracle/circuit")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	decodeBody(t, rec, &status)
	assert.Equal(t, circuitbreaker.StateClosed.String(), status["state"])

	// the HTTP feed is not settable
	rec = h.post("/v1/oracle/value", h.owner, map[string]interface{}{"value": 5})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.post("/v1/oracle/circuit/reset", h.user, map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.post("/v1/oracle/circuit/reset", h.owner, map[string]interface{}{})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaderboardAndSummary(t *testing.T) {
	h := newHarness(t)
	h.submit(50)

	assert.Equal(t, http.StatusBadRequest, h.get("/v1/leaderboard?limit=0").Code)
	rec := h.get("/v1/leaderboard?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.get("/v1/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Predictions uint64 `json:"predictions"`
		Predictors  int    `json:"predictors"`
	}
	decodeBody(t, rec, &summary)
	assert.Equal(t, uint64(1), summary.Predictions)
	assert.Equal(t, 1, summary.Predictors)

	rec = h.get("/v1/summary?replay=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var replayed struct {
		Predictions uint64 `json:"predictions"`
	}
	decodeBody(t, rec, &replayed)
	assert.Equal(t, uint64(1), replayed.Predictions)

	rec = h.get("/v1/stats?predictor=" + h.user.Address().Hex() + "&predictor=" + h.owner.Address().Hex())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch map[string]struct {
		Submitted uint64 `json:"submitted"`
	}
	decodeBody(t, rec, &batch)
	require.Len(t, batch, 2)
	for addr, stats := range batch {
		if common.HexToAddress(addr) == h.user.Address() {
			assert.Equal(t, uint64(1), stats.Submitted)
		} else {
			assert.Equal(t, uint64(0), stats.Submitted)
		}
	}
	assert.Equal(t, http.StatusBadRequest, h.get("/v1/stats").Code)
	assert.Equal(t, http.StatusBadRequest, h.get("/v1/stats?predictor=nope").Code)

	assert.Equal(t, http.StatusBadRequest, h.get("/v1/events?since=x").Code)
	rec = h.get("/v1/events?since=0")
	var all []map[string]interface{}
	decodeBody(t, rec, &all)
	assert.Equal(t, h.srv.log.Len(), len(all))
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.get("/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	decodeBody(t, rec, &status)
	assert.Equal(t, "operational", status["status"])
	assert.Contains(t, status, "journal_head")
	assert.Contains(t, status, "pool_balance")
	contracts := status["contracts"].(map[string]interface{})
	assert.Equal(t, h.srv.d.registry.Address(), common.HexToAddress(contracts["registry"].(string)))
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, h.get("/v1/summary").Code)
	assert.Equal(t, http.StatusTooManyRequests, h.get("/v1/summary").Code)
	// health is not rate limited
	assert.Equal(t, http.StatusOK, h.get("/health").Code)
}

func TestJournal_ArchivesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first := newHarness(t, func(cfg *config.Config) { cfg.JournalPath = path })
	first.srv.Close()

	second := newHarness(t, func(cfg *config.Config) { cfg.JournalPath = path })
	require.NotNil(t, second.srv.journal)
	assert.NoError(t, second.srv.journal.Verify())

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest},
		{validation.ErrZeroToken, http.StatusBadRequest},
		{pool.ErrInvalidAmount, http.StatusBadRequest},
		{security.ErrReplay, http.StatusUnauthorized},
		{admin.ErrNotOwner, http.StatusForbidden},
		{registry.ErrNotRelayer, http.StatusForbidden},
		{registry.ErrPredictionNotFound, http.StatusNotFound},
		{timelock.ErrUnknownOperation, http.StatusNotFound},
		{registry.ErrAlreadyVerified, http.StatusConflict},
		{guard.ErrReentrantCall, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ledger.ErrInsufficientAllowance), http.StatusUnprocessableEntity},
		{registry.ErrOracleMismatch, http.StatusUnprocessableEntity},
		{oracle.ErrNoValue, http.StatusServiceUnavailable},
		{circuitbreaker.ErrOpen, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
