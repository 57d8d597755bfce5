package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/slippage-rewards/internal/admin"
	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/guard"
	"github.com/yourorg/slippage-rewards/internal/ledger"
	"github.com/yourorg/slippage-rewards/internal/oracle"
	"github.com/yourorg/slippage-rewards/internal/otel"
	"github.com/yourorg/slippage-rewards/internal/pool"
	"github.com/yourorg/slippage-rewards/internal/registry"
	"github.com/yourorg/slippage-rewards/internal/security"
	"github.com/yourorg/slippage-rewards/internal/timelock"
	"github.com/yourorg/slippage-rewards/internal/validation"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("malformed request")

// signedHandler receives the authenticated caller and the raw body
type signedHandler func(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// route registers h behind the rate limiter, request metrics and a trace span
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if !s.rateLimit.Allow() {
			s.metrics.RateLimited()
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			s.metrics.ObserveRequest(pattern, http.StatusTooManyRequests, time.Since(start))
			return
		}

		ctx, span := otel.Tracer().Start(r.Context(), pattern)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.metrics.ObserveRequest(pattern, rec.status, time.Since(start))
	})
}

// signed authenticates the request signature and passes the recovered caller on
func (s *Server) signed(h signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}

		caller, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		h(w, r, caller, body)
	}
}

// exec runs fn with every other state-changing call excluded
func (s *Server) exec(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// errorResponse returns a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Error(errorMsg)
	} else {
		logrus.Warn(errorMsg)
	}
	writeJSON(w, statusCode, ErrorResponse{
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
	})
}

// fail maps err onto a status code and writes it
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.errorResponse(w, statusFor(err), err.Error())
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		validation.IsValidationError(err),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrZeroAddress),
		errors.Is(err, registry.ErrZeroAddress),
		errors.Is(err, admin.ErrZeroAddress),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrZeroAddress),
		errors.Is(err, timelock.ErrBadPayload),
		errors.Is(err, timelock.ErrDelayTooShort):
		return http.StatusBadRequest

	case errors.Is(err, security.ErrMissingSignature),
		errors.Is(err, security.ErrBadSignature),
		errors.Is(err, security.ErrExpired),
		errors.Is(err, security.ErrReplay):
		return http.StatusUnauthorized

	case errors.Is(err, admin.ErrNotOwner),
		errors.Is(err, admin.ErrNotAuthorized),
		errors.Is(err, registry.ErrNotRelayer),
		errors.Is(err, pool.ErrNotRegistry),
		errors.Is(err, timelock.ErrNotAdmin),
		errors.Is(err, timelock.ErrNotProposer):
		return http.StatusForbidden

	case errors.Is(err, registry.ErrPredictionNotFound),
		errors.Is(err, timelock.ErrUnknownOperation),
		errors.Is(err, timelock.ErrUnknownTarget),
		errors.Is(err, ledger.ErrUnknownToken):
		return http.StatusNotFound

	case errors.Is(err, registry.ErrAlreadyVerified),
		errors.Is(err, pool.ErrRegistryAlreadySet),
		errors.Is(err, timelock.ErrNotReady),
		errors.Is(err, timelock.ErrNotPending),
		errors.Is(err, guard.ErrReentrantCall):
		return http.StatusConflict

	case errors.Is(err, registry.ErrOracleMismatch),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, pool.ErrInsufficientPoolBalance):
		return http.StatusUnprocessableEntity

	case errors.Is(err, registry.ErrInvalidOracleValue),
		errors.Is(err, registry.ErrStaleOracleValue),
		errors.Is(err, registry.ErrPriceFeedNotSet),
		errors.Is(err, oracle.ErrNoValue),
		errors.Is(err, oracle.ErrBadResponse),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, circuitbreaker.ErrTripped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode unmarshals a JSON body, rejecting unknown fields
func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// parseAddress reads a hex address path value
func parseAddress(r *http.Request, name string) (common.Address, error) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s is not a hex address", errBadRequest, name)
	}
	return common.HexToAddress(raw), nil
}

// parseUint reads a positive integer path value
func parseUint(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, name)
	}
	return v, nil
}

// parseHash reads a 32-byte hex path value
func parseHash(r *http.Request, name string) (common.Hash, error) {
	raw := r.PathValue(name)
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s must be a 32-byte hex string", errBadRequest, name)
	}
	return common.BytesToHash(b), nil
}
