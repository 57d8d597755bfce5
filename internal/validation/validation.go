// Package validation checks prediction submissions and verification reports before they touch
// any state. Each violated precondition maps to its own sentinel error so callers and HTTP
// clients can branch on the exact failure.
package validation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/model"
	"github.com/yourorg/slippage-rewards/internal/types"
)

var (
	// Submission checks
	ErrZeroToken          = errors.New("validation: token address is zero")
	ErrInvalidAmountIn    = errors.New("validation: amountIn must be positive and within bounds")
	ErrSlippageOutOfRange = errors.New("validation: slippage exceeds 10000 bp")
	ErrInvalidQuotePrice  = errors.New("validation: quote price must be positive")
	ErrZeroSwapTxHash     = errors.New("validation: expected swap tx hash is zero")

	// Verification checks
	ErrInvalidPredictionID = errors.New("validation: prediction id must be positive")
	ErrInvalidAmountOut    = errors.New("validation: amountOutActual must be positive")
)

// CheckSubmission validates every field of req and returns the first violation
func CheckSubmission(req model.SubmitRequest) error {
	var err error
	switch {
	case types.IsZeroAddress(req.TokenIn):
		err = fmt.Errorf("%w: tokenIn", ErrZeroToken)
	case types.IsZeroAddress(req.TokenOut):
		err = fmt.Errorf("%w: tokenOut", ErrZeroToken)
	case !types.WithinBounds(req.AmountIn):
		err = ErrInvalidAmountIn
	case !req.PredictedSlippageBP.Valid():
		err = fmt.Errorf("%w: predicted %d", ErrSlippageOutOfRange, req.PredictedSlippageBP)
	case req.QuotePrice == nil || req.QuotePrice.Sign() <= 0:
		err = ErrInvalidQuotePrice
	case req.ExpectedSwapTxHash == (common.Hash{}):
		err = ErrZeroSwapTxHash
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"token_in":  req.TokenIn.Hex(),
			"token_out": req.TokenOut.Hex(),
			"error":     err,
		}).Debug("Rejected submission")
	}
	return err
}

// CheckVerification validates the relayer-reported outcome
func CheckVerification(req model.VerifyRequest) error {
	var err error
	switch {
	case req.PredictionID == 0:
		err = ErrInvalidPredictionID
	case req.AmountOutActual == nil || req.AmountOutActual.Sign() <= 0:
		err = ErrInvalidAmountOut
	case !req.ActualSlippageBP.Valid():
		err = fmt.Errorf("%w: actual %d", ErrSlippageOutOfRange, req.ActualSlippageBP)
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"prediction_id": req.PredictionID,
			"error":         err,
		}).Debug("Rejected verification")
	}
	return err
}

// IsValidationError reports whether err came from one of the checks in this package
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrZeroToken, ErrInvalidAmountIn, ErrSlippageOutOfRange, ErrInvalidQuotePrice,
		ErrZeroSwapTxHash, ErrInvalidPredictionID, ErrInvalidAmountOut,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
