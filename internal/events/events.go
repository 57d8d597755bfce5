// Package events implements the append-only event log emitted by the pool, the registry and the
// delay gate. Records are ordered by a monotonically increasing sequence number.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/slippage-rewards/internal/types"
)

// Event names
const (
	NamePredictionSubmitted  = "PredictionSubmitted"
	NameVerificationResult   = "VerificationResult"
	NameVerificationFailed   = "VerificationFailed"
	NameFundsDeposited       = "FundsDeposited"
	NameCompensationPaid     = "CompensationPaid"
	NameEmergencyWithdrawal  = "EmergencyWithdrawal"
	NameRegistryAddressSet   = "RegistryAddressSet"
	NameRelayerUpdated       = "RelayerUpdated"
	NamePriceFeedUpdated     = "PriceFeedUpdated"
	NameOwnershipTransferred = "OwnershipTransferred"
	NameCallScheduled        = "CallScheduled"
	NameCallExecuted         = "CallExecuted"
	NameCallCancelled        = "CallCancelled"
)

// Event is any payload that can be appended to the log
type Event interface {
	EventName() string
}

// PredictionSubmitted is emitted once per accepted submission
type PredictionSubmitted struct {
	PredictionID        uint64            `json:"predictionId"`
	Predictor           common.Address    `json:"predictor"`
	PredictedSlippageBP types.BasisPoints `json:"predictedSlippageBP"`
	ExpectedSwapTxHash  common.Hash       `json:"expectedSwapTxHash"`
}

// VerificationResult is emitted exactly once per prediction id
type VerificationResult struct {
	PredictionID     uint64            `json:"predictionId"`
	Predictor        common.Address    `json:"predictor"`
	IsAccurate       bool              `json:"isAccurate"`
	ActualSlippageBP types.BasisPoints `json:"actualSlippageBP"`
}

// VerificationFailed carries the reason an inaccurate prediction was not rewarded
type VerificationFailed struct {
	PredictionID uint64            `json:"predictionId"`
	Predictor    common.Address    `json:"predictor"`
	Reason       string            `json:"reason"`
	Difference   types.BasisPoints `json:"difference"`
	Tolerance    types.BasisPoints `json:"tolerance"`
}

// FundsDeposited is emitted by the pool on deposit
type FundsDeposited struct {
	Currency common.Address `json:"currency"`
	Payer    common.Address `json:"payer"`
	Amount   *big.Int       `json:"amount"`
}

// CompensationPaid is emitted by the pool on a registry payout
type CompensationPaid struct {
	Recipient    common.Address `json:"recipient"`
	Amount       *big.Int       `json:"amount"`
	PredictionID uint64         `json:"predictionId"`
}

// EmergencyWithdrawal is emitted when the owner recovers funds
type EmergencyWithdrawal struct {
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// RegistryAddressSet is emitted once, when the pool binds its registry
type RegistryAddressSet struct {
	Registry common.Address `json:"registry"`
}

// RelayerUpdated is emitted on every relayer rotation
type RelayerUpdated struct {
	Previous common.Address `json:"previous"`
	Current  common.Address `json:"current"`
}

// PriceFeedUpdated is emitted when the owner swaps the oracle source
type PriceFeedUpdated struct {
	Feed string `json:"feed"`
}

// OwnershipTransferred is emitted by either contract on owner change
type OwnershipTransferred struct {
	Previous common.Address `json:"previous"`
	Current  common.Address `json:"current"`
}

// CallScheduled is emitted by the delay gate
type CallScheduled struct {
	OperationID common.Hash    `json:"operationId"`
	Target      common.Address `json:"target"`
	Method      string         `json:"method"`
	Args        []byte         `json:"args"`
	ReadyAt     int64          `json:"readyAt"`
}

// CallExecuted is emitted by the delay gate after a successful dispatch
type CallExecuted struct {
	OperationID common.Hash    `json:"operationId"`
	Target      common.Address `json:"target"`
	Method      string         `json:"method"`
}

// CallCancelled is emitted by the delay gate when a pending call is dropped
type CallCancelled struct {
	OperationID common.Hash `json:"operationId"`
}

func (PredictionSubmitted) EventName() string  { return NamePredictionSubmitted }
func (VerificationResult) EventName() string   { return NameVerificationResult }
func (VerificationFailed) EventName() string   { return NameVerificationFailed }
func (FundsDeposited) EventName() string       { return NameFundsDeposited }
func (CompensationPaid) EventName() string     { return NameCompensationPaid }
func (EmergencyWithdrawal) EventName() string  { return NameEmergencyWithdrawal }
func (RegistryAddressSet) EventName() string   { return NameRegistryAddressSet }
func (RelayerUpdated) EventName() string       { return NameRelayerUpdated }
func (PriceFeedUpdated) EventName() string     { return NamePriceFeedUpdated }
func (OwnershipTransferred) EventName() string { return NameOwnershipTransferred }
func (CallScheduled) EventName() string        { return NameCallScheduled }
func (CallExecuted) EventName() string         { return NameCallExecuted }
func (CallCancelled) EventName() string        { return NameCallCancelled }
