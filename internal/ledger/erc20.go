package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ERC20 is an in-memory fungible token with allowances
type ERC20 struct {
	address  common.Address
	symbol   string
	decimals uint8

	mu          sync.RWMutex
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	totalSupply *big.Int
}

// Compile-time interface check.
var _ Token = (*ERC20)(nil)

// NewERC20 creates an empty token
func NewERC20(address common.Address, symbol string, decimals uint8) *ERC20 {
	return &ERC20{
		address:     address,
		symbol:      symbol,
		decimals:    decimals,
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
		totalSupply: new(big.Int),
	}
}

// Address returns the token identity
func (t *ERC20) Address() common.Address { return t.address }

// Symbol returns the ticker
func (t *ERC20) Symbol() string { return t.symbol }

// Decimals returns the number of decimals of one display unit
func (t *ERC20) Decimals() uint8 { return t.decimals }

// Mint credits amount to `to`. Used for genesis allocations and tests.
func (t *ERC20) Mint(to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
	t.totalSupply.Add(t.totalSupply, amount)
	return nil
}

// TotalSupply returns the minted supply
func (t *ERC20) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

// Approve sets spender's allowance over owner's balance
func (t *ERC20) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns what spender may still move from owner
func (t *ERC20) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Transfer moves amount from `from` to `to`
func (t *ERC20) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from `from` to `to`, consuming spender's allowance
func (t *ERC20) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	allowance, ok := t.allowances[from][spender]
	if !ok || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s may not move %s from %s", ErrInsufficientAllowance, spender.Hex(), amount, from.Hex())
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

// BalanceOf returns holder's balance
func (t *ERC20) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// move requires t.mu held
func (t *ERC20) move(from, to common.Address, amount *big.Int) error {
	bal := t.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds less than %s %s", ErrInsufficientBalance, from.Hex(), amount, t.symbol)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)

	logrus.WithFields(logrus.Fields{
		"token":  t.symbol,
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	}).Debug("Token transfer")
	return nil
}

func (t *ERC20) credit(to common.Address, amount *big.Int) {
	if t.balances[to] == nil {
		t.balances[to] = new(big.Int)
	}
	t.balances[to].Add(t.balances[to], amount)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
