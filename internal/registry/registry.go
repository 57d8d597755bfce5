// Package registry implements the prediction registry: predictors lock a fee into the
// compensation pool when submitting a slippage prediction, and the relayer later verifies the
// prediction against the realized outcome, cross-checked with an oracle. Accurate predictions
// are paid 150% of the lock fee out of the pool.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/slippage-rewards/internal/admin"
	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/guard"
	"github.com/yourorg/slippage-rewards/internal/ledger"
	"github.com/yourorg/slippage-rewards/internal/model"
	"github.com/yourorg/slippage-rewards/internal/oracle"
	"github.com/yourorg/slippage-rewards/internal/otel"
	"github.com/yourorg/slippage-rewards/internal/timelock"
	"github.com/yourorg/slippage-rewards/internal/types"
	"github.com/yourorg/slippage-rewards/internal/validation"
)

const (
	// SlippageToleranceBP is the inclusive accuracy tolerance between predicted and actual slippage
	SlippageToleranceBP types.BasisPoints = 10

	// OracleToleranceBP is the largest allowed gap between the relayer's and the oracle's reading
	OracleToleranceBP = types.OracleToleranceBP

	// MethodExecuteSetRelayer is the gate-dispatchable relayer rotation
	MethodExecuteSetRelayer = "executeSetRelayer"
)

// DefaultLockFee is the fixed submission fee in raw settlement units (0.001 of an 18-decimal token)
var DefaultLockFee = big.NewInt(1_000_000_000_000_000)

var (
	ErrNotRelayer         = errors.New("registry: caller is not the relayer")
	ErrPredictionNotFound = errors.New("registry: prediction not found")
	ErrAlreadyVerified    = errors.New("registry: prediction already verified")
	ErrOracleMismatch     = errors.New("registry: actual slippage mismatch with oracle")
	ErrInvalidOracleValue = errors.New("registry: negative oracle value")
	ErrStaleOracleValue   = errors.New("registry: stale oracle value")
	ErrPriceFeedNotSet    = errors.New("registry: price feed not configured")
	ErrZeroAddress        = errors.New("registry: zero address")
	ErrUnknownMethod      = errors.New("registry: unknown dispatched method")
	ErrMissingDependency  = errors.New("registry: pool and settlement token are required")
)

// Pool is the compensation capability the registry pays rewards through
type Pool interface {
	Address() common.Address
	PayCompensation(ctx context.Context, caller, recipient common.Address, amount *big.Int, predictionID uint64) error
}

// Config wires a registry to its collaborators
type Config struct {
	// Address is the registry's identity; the pool only pays when called from it
	Address common.Address

	Owner common.Address

	// Relayer is the initial verifier, zero leaves verification disabled until one is set
	Relayer common.Address

	Pool       Pool
	Settlement ledger.Token
	Feed       oracle.Feed
	Gate       admin.Gate

	// LockFee defaults to DefaultLockFee
	LockFee *big.Int

	// MaxOracleAge rejects oracle readings older than this; 0 accepts any age
	MaxOracleAge time.Duration

	// Clock defaults to time.Now
	Clock func() time.Time

	// Events defaults to discarding
	Events events.Emitter
}

// PredictionRegistry records predictions and settles them exactly once
type PredictionRegistry struct {
	address      common.Address
	pool         Pool
	settlement   ledger.Token
	lockFee      *big.Int
	maxOracleAge time.Duration
	now          func() time.Time
	control      *admin.Control
	events       events.Emitter
	guard        guard.Reentrancy

	mu          sync.RWMutex
	relayer     common.Address
	feed        oracle.Feed
	counter     uint64
	predictions map[uint64]*model.Prediction
}

// New creates a registry bound to its pool. The pool still has to bind back to the registry
// before rewards can be paid.
func New(cfg Config) (*PredictionRegistry, error) {
	if cfg.Pool == nil || cfg.Settlement == nil {
		return nil, ErrMissingDependency
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if cfg.LockFee == nil {
		cfg.LockFee = DefaultLockFee
	}
	if !types.WithinBounds(cfg.LockFee) {
		return nil, fmt.Errorf("registry: lock fee %s out of bounds", cfg.LockFee)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}

	return &PredictionRegistry{
		address:      cfg.Address,
		pool:         cfg.Pool,
		settlement:   cfg.Settlement,
		lockFee:      new(big.Int).Set(cfg.LockFee),
		maxOracleAge: cfg.MaxOracleAge,
		now:          cfg.Clock,
		control:      admin.NewControl(cfg.Address, cfg.Owner, cfg.Gate, cfg.Events),
		events:       cfg.Events,
		relayer:      cfg.Relayer,
		feed:         cfg.Feed,
		predictions:  make(map[uint64]*model.Prediction),
	}, nil
}

// Address returns the registry's identity
func (r *PredictionRegistry) Address() common.Address { return r.address }

// Owner returns the current owner
func (r *PredictionRegistry) Owner() common.Address { return r.control.Owner() }

// LockFee returns the submission fee
func (r *PredictionRegistry) LockFee() *big.Int { return new(big.Int).Set(r.lockFee) }

// Reward returns the payout for an accurate prediction, LockFee + LockFee/2
func (r *PredictionRegistry) Reward() *big.Int {
	half := new(big.Int).Quo(r.lockFee, big.NewInt(2))
	return half.Add(half, r.lockFee)
}

// Relayer returns the current verifier
func (r *PredictionRegistry) Relayer() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayer
}

// PriceFeed returns the current oracle source, possibly nil
func (r *PredictionRegistry) PriceFeed() oracle.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feed
}

// PredictionCounter returns the last issued id, 0 when none
func (r *PredictionRegistry) PredictionCounter() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counter
}

// GetPrediction returns a copy of the record for id. Absent records have a zero Predictor.
func (r *PredictionRegistry) GetPrediction(id uint64) model.Prediction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.predictions[id]; ok {
		return p.Clone()
	}
	return model.Prediction{}
}

// SubmitPredictionState records a prediction after moving the lock fee from caller to the pool.
// The caller must have approved the registry as spender. It returns the new id.
func (r *PredictionRegistry) SubmitPredictionState(ctx context.Context, caller common.Address, req model.SubmitRequest) (uint64, error) {
	ctx, span := otel.Tracer().Start(ctx, "registry.SubmitPredictionState")
	defer span.End()

	release, err := r.guard.Enter("submitPredictionState")
	if err != nil {
		return 0, err
	}
	defer release()

	if err := validation.CheckSubmission(req); err != nil {
		return 0, err
	}
	if caller == (common.Address{}) {
		return 0, ErrZeroAddress
	}

	if err := r.settlement.TransferFrom(ctx, r.address, caller, r.pool.Address(), r.lockFee); err != nil {
		otel.RecordError(ctx, err)
		return 0, fmt.Errorf("registry: lock fee transfer: %w", err)
	}

	r.mu.Lock()
	r.counter++
	id := r.counter
	r.predictions[id] = &model.Prediction{
		ID:                  id,
		Predictor:           caller,
		TokenIn:             req.TokenIn,
		TokenOut:            req.TokenOut,
		AmountIn:            new(big.Int).Set(req.AmountIn),
		PredictedSlippageBP: req.PredictedSlippageBP,
		QuotePrice:          new(big.Int).Set(req.QuotePrice),
		ExpectedSwapTxHash:  req.ExpectedSwapTxHash,
		SubmittedAt:         r.now().UTC(),
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int64("prediction.id", int64(id)))
	logrus.WithFields(logrus.Fields{
		"prediction_id": id,
		"predictor":     caller.Hex(),
		"predicted_bp":  req.PredictedSlippageBP,
		"swap_tx":       req.ExpectedSwapTxHash.Hex(),
	}).Info("Prediction submitted")

	r.events.Emit(ctx, r.address, events.PredictionSubmitted{
		PredictionID:        id,
		Predictor:           caller,
		PredictedSlippageBP: req.PredictedSlippageBP,
		ExpectedSwapTxHash:  req.ExpectedSwapTxHash,
	})
	return id, nil
}

// VerifyAndPayout settles a prediction against the relayer-reported outcome. The oracle
// cross-check runs before the record is looked up. A failed payout leaves the record unverified.
func (r *PredictionRegistry) VerifyAndPayout(ctx context.Context, caller common.Address, req model.VerifyRequest) (model.Verification, error) {
	ctx, span := otel.Tracer().Start(ctx, "registry.VerifyAndPayout")
	defer span.End()
	span.SetAttributes(attribute.Int64("prediction.id", int64(req.PredictionID)))

	release, err := r.guard.Enter("verifyAndPayout")
	if err != nil {
		return model.Verification{}, err
	}
	defer release()

	r.mu.RLock()
	relayer, feed := r.relayer, r.feed
	r.mu.RUnlock()

	if relayer == (common.Address{}) || caller != relayer {
		logrus.WithField("caller", caller.Hex()).Warn("Rejected verification from non-relayer")
		return model.Verification{}, ErrNotRelayer
	}
	if err := validation.CheckVerification(req); err != nil {
		return model.Verification{}, err
	}

	oracleBP, err := r.crossCheck(ctx, feed, req.ActualSlippageBP)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.Verification{}, err
	}

	r.mu.RLock()
	stored, ok := r.predictions[req.PredictionID]
	var p model.Prediction
	if ok {
		p = stored.Clone()
	}
	r.mu.RUnlock()

	if !ok || !p.Exists() {
		return model.Verification{}, fmt.Errorf("%w: id %d", ErrPredictionNotFound, req.PredictionID)
	}
	if p.HasBeenVerified {
		return model.Verification{}, fmt.Errorf("%w: id %d", ErrAlreadyVerified, req.PredictionID)
	}

	difference := types.AbsDiff(req.ActualSlippageBP, p.PredictedSlippageBP)
	result := model.Verification{
		PredictionID:     p.ID,
		Predictor:        p.Predictor,
		IsAccurate:       difference <= SlippageToleranceBP,
		ActualSlippageBP: req.ActualSlippageBP,
		OracleSlippageBP: oracleBP,
		Difference:       difference,
	}

	if result.IsAccurate {
		reward := r.Reward()
		if err := r.pool.PayCompensation(ctx, r.address, p.Predictor, reward, p.ID); err != nil {
			otel.RecordError(ctx, err)
			return model.Verification{}, fmt.Errorf("registry: payout: %w", err)
		}
		result.Reward = reward
	}

	r.mu.Lock()
	stored.HasBeenVerified = true
	r.mu.Unlock()

	fields := logrus.Fields{
		"prediction_id": p.ID,
		"predictor":     p.Predictor.Hex(),
		"predicted_bp":  p.PredictedSlippageBP,
		"actual_bp":     req.ActualSlippageBP,
		"oracle_bp":     oracleBP,
		"accurate":      result.IsAccurate,
	}
	if result.IsAccurate {
		logrus.WithFields(fields).WithField("reward", result.Reward.String()).Info("Prediction verified and rewarded")
	} else {
		logrus.WithFields(fields).Info("Prediction verified as inaccurate")
		r.events.Emit(ctx, r.address, events.VerificationFailed{
			PredictionID: p.ID,
			Predictor:    p.Predictor,
			Reason: fmt.Sprintf("slippage difference %d bp exceeds tolerance %d bp",
				difference, SlippageToleranceBP),
			Difference: difference,
			Tolerance:  SlippageToleranceBP,
		})
	}

	r.events.Emit(ctx, r.address, events.VerificationResult{
		PredictionID:     p.ID,
		Predictor:        p.Predictor,
		IsAccurate:       result.IsAccurate,
		ActualSlippageBP: req.ActualSlippageBP,
	})
	return result, nil
}

// crossCheck reads the oracle and requires it to agree with actual within OracleToleranceBP
func (r *PredictionRegistry) crossCheck(ctx context.Context, feed oracle.Feed, actual types.BasisPoints) (types.BasisPoints, error) {
	if feed == nil {
		return 0, ErrPriceFeedNotSet
	}
	value, updatedAt, err := feed.LatestValue(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: oracle read: %w", err)
	}
	if value == nil || value.Sign() < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOracleValue, value)
	}
	if r.maxOracleAge > 0 {
		if age := r.now().Sub(updatedAt); age > r.maxOracleAge {
			return 0, fmt.Errorf("%w: age %s exceeds %s", ErrStaleOracleValue, age.Truncate(time.Second), r.maxOracleAge)
		}
	}

	gap := new(big.Int).Sub(value, new(big.Int).SetUint64(uint64(actual)))
	if gap.Abs(gap).Cmp(new(big.Int).SetUint64(uint64(OracleToleranceBP))) > 0 {
		logrus.WithFields(logrus.Fields{
			"oracle_bp": value.String(),
			"actual_bp": actual,
		}).Warn("Relayer report diverges from oracle")
		return 0, fmt.Errorf("%w: oracle %s, actual %d", ErrOracleMismatch, value, actual)
	}
	// value is within 5 of a value <= 10000, so it fits
	return types.BasisPoints(value.Uint64()), nil
}

// GetUserPredictions returns the ids submitted by user in ascending order
func (r *PredictionRegistry) GetUserPredictions(user common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for id := uint64(1); id <= r.counter; id++ {
		if p, ok := r.predictions[id]; ok && p.Predictor == user {
			count++
		}
	}

	ids := make([]uint64, 0, count)
	for id := uint64(1); id <= r.counter && len(ids) < count; id++ {
		if p, ok := r.predictions[id]; ok && p.Predictor == user {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetRelayerAddress lets the owner schedule a relayer rotation on the gate
func (r *PredictionRegistry) SetRelayerAddress(ctx context.Context, caller, relayer common.Address) (common.Hash, error) {
	if relayer == (common.Address{}) {
		return common.Hash{}, ErrZeroAddress
	}
	return r.control.ScheduleAddressCall(ctx, caller, MethodExecuteSetRelayer, relayer)
}

// ExecuteSetRelayer rotates the relayer. Callable by the gate or the owner, any number of times.
func (r *PredictionRegistry) ExecuteSetRelayer(ctx context.Context, caller, relayer common.Address) error {
	if err := r.control.OnlyOwnerOrGate(caller); err != nil {
		return err
	}
	if relayer == (common.Address{}) {
		return ErrZeroAddress
	}

	r.mu.Lock()
	previous := r.relayer
	r.relayer = relayer
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"previous": previous.Hex(),
		"relayer":  relayer.Hex(),
		"via":      caller.Hex(),
	}).Info("Relayer updated")
	r.events.Emit(ctx, r.address, events.RelayerUpdated{Previous: previous, Current: relayer})
	return nil
}

// SetPriceFeed swaps the oracle source immediately. Owner only.
func (r *PredictionRegistry) SetPriceFeed(ctx context.Context, caller common.Address, feed oracle.Feed) error {
	if err := r.control.OnlyOwner(caller); err != nil {
		return err
	}
	if feed == nil {
		return ErrPriceFeedNotSet
	}

	r.mu.Lock()
	r.feed = feed
	r.mu.Unlock()

	logrus.WithField("feed", feed.Source()).Info("Price feed updated")
	r.events.Emit(ctx, r.address, events.PriceFeedUpdated{Feed: feed.Source()})
	return nil
}

// TransferOwnership hands the registry to newOwner
func (r *PredictionRegistry) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return r.control.TransferOwnership(ctx, caller, newOwner)
}

// Dispatch implements timelock.Target
func (r *PredictionRegistry) Dispatch(ctx context.Context, caller common.Address, method string, args []byte) error {
	switch method {
	case MethodExecuteSetRelayer:
		addr, err := timelock.DecodeAddress(args)
		if err != nil {
			return err
		}
		return r.ExecuteSetRelayer(ctx, caller, addr)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Compile-time interface check.
var _ timelock.Target = (*PredictionRegistry)(nil)
