package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank holds native balances and a directory of tokens
type Bank struct {
	mu     sync.RWMutex
	native map[common.Address]*big.Int
	tokens map[common.Address]Token
}

// Compile-time interface check.
var _ Assets = (*Bank)(nil)

// NewBank creates an empty bank
func NewBank() *Bank {
	return &Bank{
		native: make(map[common.Address]*big.Int),
		tokens: make(map[common.Address]Token),
	}
}

// RegisterToken adds tok to the directory under its address
func (b *Bank) RegisterToken(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tok.Address()] = tok
}

// Token returns the registered token at addr
func (b *Bank) Token(addr common.Address) (Token, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tok, ok := b.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return tok, nil
}

// CreditNative adds native currency to holder, as if received from outside
func (b *Bank) CreditNative(holder common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.native[holder] == nil {
		b.native[holder] = new(big.Int)
	}
	b.native[holder].Add(b.native[holder], amount)
	return nil
}

// NativeBalanceOf returns holder's native balance
func (b *Bank) NativeBalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.native[holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// TransferNative moves native currency between holders
func (b *Bank) TransferNative(_ context.Context, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.native[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: native balance of %s", ErrInsufficientBalance, from.Hex())
	}
	bal.Sub(bal, amount)
	if b.native[to] == nil {
		b.native[to] = new(big.Int)
	}
	b.native[to].Add(b.native[to], amount)
	return nil
}
