// Package ledger provides the balance-transfer capability the pool and registry consume, plus an
// in-memory ERC20-style implementation used by the service and its tests.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance is returned when the sender holds less than the amount
	ErrInsufficientBalance = errors.New("ledger: transfer amount exceeds balance")

	// ErrInsufficientAllowance is returned when the spender was approved for less than the amount
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")

	// ErrInvalidAmount is returned for nil or negative amounts
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrZeroAddress is returned when transferring to or from the zero address
	ErrZeroAddress = errors.New("ledger: zero address")

	// ErrUnknownToken is returned when an asset resolver has no token at the address
	ErrUnknownToken = errors.New("ledger: unknown token")
)

// Token is the settlement-currency capability. Every method either fully succeeds or leaves
// balances untouched.
type Token interface {
	// Address is the token's identity
	Address() common.Address

	// Transfer moves amount from `from` to `to`; `from` is the authenticated caller
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error

	// TransferFrom moves amount from `from` to `to` using spender's allowance
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error

	// BalanceOf returns holder's balance
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
}

// Assets resolves arbitrary tokens and the native asset for emergency recovery
type Assets interface {
	// Token returns the token at addr or ErrUnknownToken
	Token(addr common.Address) (Token, error)

	// NativeBalanceOf returns holder's native balance
	NativeBalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)

	// TransferNative moves native currency from `from` to `to`
	TransferNative(ctx context.Context, from, to common.Address, amount *big.Int) error
}
