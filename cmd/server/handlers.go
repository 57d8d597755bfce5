package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/slippage-rewards/internal/admin"
	"github.com/yourorg/slippage-rewards/internal/aggregate"
	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/model"
	"github.com/yourorg/slippage-rewards/internal/oracle"
	"github.com/yourorg/slippage-rewards/internal/registry"
)

const (
	// defaultLeaderboardSize applies when ?limit= is absent
	defaultLeaderboardSize = 10

	maxBatchPredictors = 50
)

type approveRequest struct {
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

type depositRequest struct {
	Amount *big.Int `json:"amount"`
}

type addressRequest struct {
	Address common.Address `json:"address"`
}

type priceFeedRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey,omitempty"`
}

type withdrawRequest struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

type ownershipRequest struct {
	// Contract is "pool" or "registry"
	Contract string         `json:"contract"`
	NewOwner common.Address `json:"newOwner"`
}

type oracleValueRequest struct {
	Value *big.Int `json:"value"`
	// UpdatedAt defaults to the server clock when zero
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

type operationRequest struct {
	OperationID common.Hash `json:"operationId"`
}

// SubmitResponse is returned for an accepted prediction
type SubmitResponse struct {
	PredictionID uint64   `json:"predictionId"`
	LockFee      *big.Int `json:"lockFee"`
}

// ScheduledResponse is returned when an administrative call is queued on the delay gate
type ScheduledResponse struct {
	OperationID common.Hash `json:"operationId"`
	ReadyAt     time.Time   `json:"readyAt"`
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := s.d.registry
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"settlement": map[string]interface{}{
			"token":        s.d.token.Address(),
			"symbol":       s.d.token.Symbol(),
			"decimals":     s.d.token.Decimals(),
			"total_supply": s.d.token.TotalSupply(),
		},
		"contracts": map[string]interface{}{
			"owner":    reg.Owner(),
			"token":    s.d.token.Address(),
			"timelock": s.d.gate.Address(),
			"pool":     s.d.pool.Address(),
			"registry": reg.Address(),
		},
		"configuration": map[string]interface{}{
			"relayer":           reg.Relayer(),
			"price_feed":        reg.PriceFeed().Source(),
			"lock_fee":          reg.LockFee(),
			"reward":            reg.Reward(),
			"timelock_delay":    s.d.gate.MinDelay().String(),
			"oracle_max_age":    s.config.OracleMaxAge.String(),
			"signature_window":  s.config.SignatureValidity.String(),
			"pool_registry_set": s.d.pool.GetRegistryAddress() == reg.Address(),
		},
		"prediction_counter": reg.PredictionCounter(),
		"events":             s.log.Len(),
	}

	if balance, err := s.d.pool.GetPoolBalance(r.Context()); err == nil {
		status["pool_balance"] = balance
	}
	if cb := s.breaker(); cb != nil {
		status["circuit_state"] = cb.GetState().String()
	}
	if s.journal != nil {
		if head, err := s.journal.Head(); err == nil {
			status["journal_head"] = head
		}
	}
	if s.exporter != nil {
		status["export"] = s.exporter.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSubmitPrediction(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req model.SubmitRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}

	var id uint64
	err := s.exec(func() (err error) {
		id, err = s.d.registry.SubmitPredictionState(r.Context(), caller, req)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.refreshGauges(r.Context())

	writeJSON(w, http.StatusCreated, SubmitResponse{
		PredictionID: id,
		LockFee:      s.d.registry.LockFee(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req model.VerifyRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}

	var result model.Verification
	err := s.exec(func() (err error) {
		result, err = s.d.registry.VerifyAndPayout(r.Context(), caller, req)
		return err
	})
	s.refreshGauges(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(r, "id")
	if err != nil {
		s.fail(w, err)
		return
	}
	p := s.d.registry.GetPrediction(id)
	if !p.Exists() {
		s.fail(w, fmt.Errorf("%w: id %d", registry.ErrPredictionNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUserPredictions(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(r, "address")
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":        user,
		"predictions": s.d.registry.GetUserPredictions(user),
	})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(r, "address")
	if err != nil {
		s.fail(w, err)
		return
	}
	stats := s.tracker.Stats(user)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   stats,
		"pending": stats.Pending(),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.tracker.Leaderboard(limit))
}

// handleSummary reports service-wide totals. ?replay=true rebuilds them from the event log.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("replay") == "true" {
		writeJSON(w, http.StatusOK, aggregate.FromRecords(s.log.Records()).Summary())
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Summary())
}

// handleBatchStats recomputes statistics for every ?predictor= from the event log
func (s *Server) handleBatchStats(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["predictor"]
	if len(raw) == 0 || len(raw) > maxBatchPredictors {
		s.fail(w, fmt.Errorf("%w: between 1 and %d predictors required", errBadRequest, maxBatchPredictors))
		return
	}
	predictors := make([]common.Address, 0, len(raw))
	for _, p := range raw {
		if !common.IsHexAddress(p) {
			s.fail(w, fmt.Errorf("%w: %s is not a hex address", errBadRequest, p))
			return
		}
		predictors = append(predictors, common.HexToAddress(p))
	}
	writeJSON(w, http.StatusOK, aggregate.SummarizeParallel(r.Context(), s.log.Records(), predictors))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req approveRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}

	err := s.exec(func() error {
		return s.d.token.Approve(r.Context(), caller, req.Spender, req.Amount)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":     caller,
		"spender":   req.Spender,
		"allowance": s.d.token.Allowance(caller, req.Spender),
	})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress(r, "address")
	if err != nil {
		s.fail(w, err)
		return
	}
	balance, err := s.d.token.BalanceOf(r.Context(), holder)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": holder,
		"token":   s.d.token.Address(),
		"symbol":  s.d.token.Symbol(),
		"balance": balance,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req depositRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}

	err := s.exec(func() error {
		return s.d.pool.Deposit(r.Context(), caller, req.Amount)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.refreshGauges(r.Context())
	s.writePoolBalance(r.Context(), w)
}

func (s *Server) handlePoolBalance(w http.ResponseWriter, r *http.Request) {
	s.writePoolBalance(r.Context(), w)
}

func (s *Server) writePoolBalance(ctx context.Context, w http.ResponseWriter) {
	balance, err := s.d.pool.GetPoolBalance(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":     s.d.pool.Address(),
		"currency": s.d.pool.Currency(),
		"balance":  balance,
	})
}

func (s *Server) handleScheduleRelayer(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req addressRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.schedule(w, func() (common.Hash, error) {
		return s.d.registry.SetRelayerAddress(r.Context(), caller, req.Address)
	})
}

func (s *Server) handleExecuteRelayer(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req addressRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.exec(func() error {
		return s.d.registry.ExecuteSetRelayer(r.Context(), caller, req.Address)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relayer": s.d.registry.Relayer()})
}

func (s *Server) handleScheduleRegistry(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req addressRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.schedule(w, func() (common.Hash, error) {
		return s.d.pool.SetRegistryAddress(r.Context(), caller, req.Address)
	})
}

func (s *Server) handleExecuteRegistry(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req addressRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.exec(func() error {
		return s.d.pool.ExecuteSetRegistry(r.Context(), caller, req.Address)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"registry": s.d.pool.GetRegistryAddress()})
}

// schedule queues an administrative call and reports when it becomes executable
func (s *Server) schedule(w http.ResponseWriter, fn func() (common.Hash, error)) {
	var id common.Hash
	err := s.exec(func() (err error) {
		id, err = fn()
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	op, err := s.d.gate.Operation(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ScheduledResponse{OperationID: id, ReadyAt: op.ReadyAt})
}

func (s *Server) handleSetPriceFeed(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req priceFeedRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.URL == "" {
		s.fail(w, fmt.Errorf("%w: url is required", errBadRequest))
		return
	}

	cfg := s.config
	cfg.OracleAPIKey = req.APIKey
	feed := newHTTPFeed(cfg, req.URL, s.now, s.onBreakerTrip)

	err := s.exec(func() error {
		return s.d.registry.SetPriceFeed(r.Context(), caller, feed)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.refreshGauges(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"priceFeed": feed.Source()})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req withdrawRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.exec(func() error {
		return s.d.pool.EmergencyWithdraw(r.Context(), caller, req.Token, req.Amount)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.refreshGauges(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":  req.Token,
		"amount": req.Amount,
		"to":     caller,
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req ownershipRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}

	var transfer func(context.Context, common.Address, common.Address) error
	switch req.Contract {
	case "pool":
		transfer = s.d.pool.TransferOwnership
	case "registry":
		transfer = s.d.registry.TransferOwnership
	default:
		s.fail(w, fmt.Errorf("%w: contract must be pool or registry", errBadRequest))
		return
	}

	err := s.exec(func() error {
		return transfer(r.Context(), caller, req.NewOwner)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract": req.Contract,
		"owner":    req.NewOwner,
	})
}

// handleSetOracleValue publishes a reading on the static feed; only the registry owner may call it
func (s *Server) handleSetOracleValue(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req oracleValueRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Value == nil {
		s.fail(w, fmt.Errorf("%w: value is required", errBadRequest))
		return
	}
	if caller != s.d.registry.Owner() {
		s.fail(w, admin.ErrNotOwner)
		return
	}

	feed, ok := s.d.registry.PriceFeed().(*oracle.StaticFeed)
	if !ok {
		s.errorResponse(w, http.StatusConflict, "Price feed is not settable")
		return
	}

	at := s.now()
	if req.UpdatedAt != 0 {
		at = time.Unix(req.UpdatedAt, 0)
	}
	feed.Set(req.Value, at)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feed":      feed.Source(),
		"value":     req.Value,
		"updatedAt": at.UTC(),
	})
}

// handleCircuitStatus reports the oracle circuit breaker state
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	cb := s.breaker()
	if cb == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}
	writeJSON(w, http.StatusOK, circuitStatus(cb))
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	if caller != s.d.registry.Owner() {
		s.fail(w, admin.ErrNotOwner)
		return
	}
	cb := s.breaker()
	if cb == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}
	cb.Reset()
	s.metrics.SetBreakerState(cb.GetState())

	response := circuitStatus(cb)
	response["message"] = "Circuit breaker reset"
	writeJSON(w, http.StatusOK, response)
}

func circuitStatus(cb *circuitbreaker.CircuitBreaker) map[string]interface{} {
	response := map[string]interface{}{
		"state": cb.GetState().String(),
	}
	if last, ok := cb.LastGood(); ok {
		response["last_good_value"] = last.Value
		response["last_good_timestamp"] = last.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return response
}

func (s *Server) handleTimelockExecute(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req operationRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.exec(func() error {
		return s.d.gate.Execute(r.Context(), caller, req.OperationID)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeOperation(w, req.OperationID)
}

func (s *Server) handleTimelockCancel(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	var req operationRequest
	if err := decode(body, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.exec(func() error {
		return s.d.gate.Cancel(r.Context(), caller, req.OperationID)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeOperation(w, req.OperationID)
}

func (s *Server) handlePendingOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.gate.Pending())
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r, "id")
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeOperation(w, id)
}

func (s *Server) writeOperation(w http.ResponseWriter, id common.Hash) {
	op, err := s.d.gate.Operation(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleEvents lists log records, optionally after ?since= and restricted to ?name=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, fmt.Errorf("%w: since must be an unsigned integer", errBadRequest))
			return
		}
		since = n
	}

	name := r.URL.Query().Get("name")
	var records []events.Record
	switch {
	case name == "":
		records = s.log.Since(since)
	case since == 0:
		records = s.log.Filter(name)
	default:
		for _, rec := range s.log.Since(since) {
			if rec.Name == name {
				records = append(records, rec)
			}
		}
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// breaker returns the circuit breaker of the active feed, nil for feeds without one
func (s *Server) breaker() *circuitbreaker.CircuitBreaker {
	if f, ok := s.d.registry.PriceFeed().(*oracle.HTTPFeed); ok {
		return f.Breaker()
	}
	return nil
}
