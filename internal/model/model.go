// Package model defines the core data structures for the prediction registry and compensation pool.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/slippage-rewards/internal/types"
)

// Prediction is one recorded slippage claim.
// A record with a zero Predictor is absent.
type Prediction struct {
	// ID is the monotonically increasing identifier, starting at 1
	ID uint64 `json:"id"`

	// Predictor is the identity that submitted the prediction and paid the lock fee
	Predictor common.Address `json:"predictor"`

	// TokenIn and TokenOut identify the two assets of the predicted swap
	TokenIn  common.Address `json:"tokenIn"`
	TokenOut common.Address `json:"tokenOut"`

	// AmountIn is the quantity of TokenIn the swap will consume
	AmountIn *big.Int `json:"amountIn"`

	// PredictedSlippageBP is the predicted slippage in basis points
	PredictedSlippageBP types.BasisPoints `json:"predictedSlippageBP"`

	// QuotePrice is the reference price at prediction time; informational only
	QuotePrice *big.Int `json:"quotePrice"`

	// ExpectedSwapTxHash correlates the prediction with the swap off-chain
	ExpectedSwapTxHash common.Hash `json:"expectedSwapTxHash"`

	// HasBeenVerified flips false -> true exactly once
	HasBeenVerified bool `json:"hasBeenVerified"`

	// SubmittedAt is the wall clock time of submission
	SubmittedAt time.Time `json:"submittedAt"`
}

// Exists reports whether the record is present
func (p Prediction) Exists() bool {
	return p.Predictor != (common.Address{})
}

// Clone returns a deep copy so callers cannot mutate stored amounts
func (p Prediction) Clone() Prediction {
	c := p
	if p.AmountIn != nil {
		c.AmountIn = new(big.Int).Set(p.AmountIn)
	}
	if p.QuotePrice != nil {
		c.QuotePrice = new(big.Int).Set(p.QuotePrice)
	}
	return c
}

// SubmitRequest carries the arguments of submitPredictionState
type SubmitRequest struct {
	TokenIn             common.Address    `json:"tokenIn"`
	TokenOut            common.Address    `json:"tokenOut"`
	AmountIn            *big.Int          `json:"amountIn"`
	PredictedSlippageBP types.BasisPoints `json:"predictedSlippageBP"`
	QuotePrice          *big.Int          `json:"quotePrice"`
	ExpectedSwapTxHash  common.Hash       `json:"expectedSwapTxHash"`
}

// VerifyRequest carries the arguments of verifyAndPayout
type VerifyRequest struct {
	PredictionID     uint64            `json:"predictionId"`
	AmountOutActual  *big.Int          `json:"amountOutActual"`
	ActualSlippageBP types.BasisPoints `json:"actualSlippageBP"`
}

// Verification is the outcome of a successful verifyAndPayout call
type Verification struct {
	PredictionID     uint64            `json:"predictionId"`
	Predictor        common.Address    `json:"predictor"`
	IsAccurate       bool              `json:"isAccurate"`
	ActualSlippageBP types.BasisPoints `json:"actualSlippageBP"`
	OracleSlippageBP types.BasisPoints `json:"oracleSlippageBP"`
	Difference       types.BasisPoints `json:"difference"`

	// Reward is nil when the prediction was inaccurate
	Reward *big.Int `json:"reward,omitempty"`
}

// PredictorStats summarizes one predictor's track record
type PredictorStats struct {
	Predictor  common.Address `json:"predictor"`
	Submitted  uint64         `json:"submitted"`
	Verified   uint64         `json:"verified"`
	Accurate   uint64         `json:"accurate"`
	Inaccurate uint64         `json:"inaccurate"`

	// TotalRewarded is the sum of compensation paid to the predictor
	TotalRewarded *big.Int `json:"totalRewarded"`

	// AccuracyRate is Accurate/Verified, 0 when nothing was verified
	AccuracyRate float64 `json:"accuracyRate"`

	// MedianMissBP is the median difference of inaccurate predictions
	MedianMissBP float64 `json:"medianMissBP"`
}

// Pending returns the number of submitted but unverified predictions
func (s PredictorStats) Pending() uint64 {
	return s.Submitted - s.Verified
}

// Summary is the service-wide aggregate of the event log
type Summary struct {
	Predictions    uint64   `json:"predictions"`
	Verified       uint64   `json:"verified"`
	Accurate       uint64   `json:"accurate"`
	Predictors     int      `json:"predictors"`
	TotalDeposited *big.Int `json:"totalDeposited"`
	TotalRewarded  *big.Int `json:"totalRewarded"`
}
