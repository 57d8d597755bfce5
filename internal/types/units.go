// Package types contains shared type definitions used across multiple packages
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BasisPoints is 1/100 of a percentage point. Slippage values live in [0, MaxBasisPoints].
type BasisPoints uint64

// MaxBasisPoints is 100% expressed in basis points
const MaxBasisPoints BasisPoints = 10000

// OracleToleranceBP is the largest allowed gap between a relayer's reading and the oracle's
const OracleToleranceBP BasisPoints = 5

// Valid reports whether the value is within [0, MaxBasisPoints]
func (b BasisPoints) Valid() bool {
	return b <= MaxBasisPoints
}

// AbsDiff returns |a - b| without wrapping
func AbsDiff(a, b BasisPoints) BasisPoints {
	if a > b {
		return a - b
	}
	return b - a
}

// NativeAsset is the sentinel token identity for the chain's native currency
var NativeAsset = common.Address{}

// UpperBound caps every raw amount accepted by the contracts (1e30 raw units)
var UpperBound = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// WithinBounds reports whether 0 < amount <= UpperBound
func WithinBounds(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0 && amount.Cmp(UpperBound) <= 0
}

// IsZeroAddress reports whether addr is the zero address
func IsZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}
