// Package pool implements the compensation pool: it custodies the settlement currency and releases
// it only to the owner (emergency path) or on request of the bound registry (compensation path).
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/slippage-rewards/internal/admin"
	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/guard"
	"github.com/yourorg/slippage-rewards/internal/ledger"
	"github.com/yourorg/slippage-rewards/internal/otel"
	"github.com/yourorg/slippage-rewards/internal/timelock"
	"github.com/yourorg/slippage-rewards/internal/types"
)

// MethodExecuteSetRegistry is the gate-dispatchable method binding the registry
const MethodExecuteSetRegistry = "executeSetRegistry"

var (
	ErrNotRegistry             = errors.New("pool: caller is not the registry")
	ErrRegistryAlreadySet      = errors.New("pool: registry address already set")
	ErrZeroAddress             = errors.New("pool: zero address")
	ErrInvalidAmount           = errors.New("pool: amount must be positive and within bounds")
	ErrInsufficientPoolBalance = errors.New("pool: insufficient balance for withdrawal")
	ErrUnknownMethod           = errors.New("pool: unknown dispatched method")
	ErrSettlementTokenNotSet   = errors.New("pool: settlement token not configured")
)

// Config wires a pool to its collaborators
type Config struct {
	// Address is the pool's identity on the ledger
	Address common.Address

	// Owner may schedule the registry binding and withdraw in emergencies
	Owner common.Address

	// Settlement is the currency fees are paid in and compensation is paid out of
	Settlement ledger.Token

	// Assets resolves any token, and the native asset, for emergency withdrawal
	Assets ledger.Assets

	// Gate is the delay gate used for the registry binding
	Gate admin.Gate

	// Events defaults to discarding
	Events events.Emitter
}

// CompensationPool custodies funds. The registry reference is written exactly once.
type CompensationPool struct {
	address    common.Address
	settlement ledger.Token
	assets     ledger.Assets
	control    *admin.Control
	events     events.Emitter
	guard      guard.Reentrancy

	mu       sync.RWMutex
	registry common.Address
}

// New creates a pool with no registry bound
func New(cfg Config) (*CompensationPool, error) {
	if cfg.Settlement == nil {
		return nil, ErrSettlementTokenNotSet
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &CompensationPool{
		address:    cfg.Address,
		settlement: cfg.Settlement,
		assets:     cfg.Assets,
		control:    admin.NewControl(cfg.Address, cfg.Owner, cfg.Gate, cfg.Events),
		events:     cfg.Events,
	}, nil
}

// Address returns the pool's identity
func (p *CompensationPool) Address() common.Address { return p.address }

// Owner returns the current owner
func (p *CompensationPool) Owner() common.Address { return p.control.Owner() }

// Currency returns the settlement token address
func (p *CompensationPool) Currency() common.Address { return p.settlement.Address() }

// GetRegistryAddress returns the bound registry, zero while unset
func (p *CompensationPool) GetRegistryAddress() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry
}

// Deposit moves amount of settlement currency from caller into the pool. The caller must have
// approved the pool as spender.
func (p *CompensationPool) Deposit(ctx context.Context, caller common.Address, amount *big.Int) error {
	ctx, span := otel.Tracer().Start(ctx, "pool.Deposit")
	defer span.End()

	release, err := p.guard.Enter("deposit")
	if err != nil {
		return err
	}
	defer release()

	if !types.WithinBounds(amount) {
		return ErrInvalidAmount
	}
	if err := p.settlement.TransferFrom(ctx, p.address, caller, p.address, amount); err != nil {
		otel.RecordError(ctx, err)
		return fmt.Errorf("pool: deposit transfer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"payer":  caller.Hex(),
		"amount": amount.String(),
	}).Info("Funds deposited")

	p.events.Emit(ctx, p.address, events.FundsDeposited{
		Currency: p.settlement.Address(),
		Payer:    caller,
		Amount:   new(big.Int).Set(amount),
	})
	return nil
}

// PayCompensation transfers amount to recipient. Only the bound registry may call it.
func (p *CompensationPool) PayCompensation(ctx context.Context, caller, recipient common.Address, amount *big.Int, predictionID uint64) error {
	ctx, span := otel.Tracer().Start(ctx, "pool.PayCompensation")
	defer span.End()
	span.SetAttributes(attribute.Int64("prediction.id", int64(predictionID)))

	release, err := p.guard.Enter("payCompensation")
	if err != nil {
		return err
	}
	defer release()

	registry := p.GetRegistryAddress()
	if registry == (common.Address{}) || caller != registry {
		logrus.WithField("caller", caller.Hex()).Warn("Rejected payout from non-registry caller")
		return ErrNotRegistry
	}
	if recipient == (common.Address{}) {
		return ErrZeroAddress
	}
	if !types.WithinBounds(amount) {
		return ErrInvalidAmount
	}

	if err := p.settlement.Transfer(ctx, p.address, recipient, amount); err != nil {
		otel.RecordError(ctx, err)
		return fmt.Errorf("pool: compensation transfer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"recipient":     recipient.Hex(),
		"amount":        amount.String(),
		"prediction_id": predictionID,
	}).Info("Compensation paid")

	p.events.Emit(ctx, p.address, events.CompensationPaid{
		Recipient:    recipient,
		Amount:       new(big.Int).Set(amount),
		PredictionID: predictionID,
	})
	return nil
}

// SetRegistryAddress lets the owner schedule the one-time registry binding on the gate
func (p *CompensationPool) SetRegistryAddress(ctx context.Context, caller, registry common.Address) (common.Hash, error) {
	if p.GetRegistryAddress() != (common.Address{}) {
		return common.Hash{}, ErrRegistryAlreadySet
	}
	if registry == (common.Address{}) {
		return common.Hash{}, ErrZeroAddress
	}
	return p.control.ScheduleAddressCall(ctx, caller, MethodExecuteSetRegistry, registry)
}

// ExecuteSetRegistry binds the registry. Callable by the gate or the owner, and only while unset.
func (p *CompensationPool) ExecuteSetRegistry(ctx context.Context, caller, registry common.Address) error {
	if err := p.control.OnlyOwnerOrGate(caller); err != nil {
		return err
	}
	if registry == (common.Address{}) {
		return ErrZeroAddress
	}

	p.mu.Lock()
	if p.registry != (common.Address{}) {
		p.mu.Unlock()
		return ErrRegistryAlreadySet
	}
	p.registry = registry
	p.mu.Unlock()

	logrus.WithField("registry", registry.Hex()).Info("Pool bound to registry")
	p.events.Emit(ctx, p.address, events.RegistryAddressSet{Registry: registry})
	return nil
}

// EmergencyWithdraw sends amount of token (or the native asset) held by the pool to the owner
func (p *CompensationPool) EmergencyWithdraw(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	ctx, span := otel.Tracer().Start(ctx, "pool.EmergencyWithdraw")
	defer span.End()

	if err := p.control.OnlyOwner(caller); err != nil {
		return err
	}

	release, err := p.guard.Enter("emergencyWithdraw")
	if err != nil {
		return err
	}
	defer release()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	owner := p.control.Owner()

	if token == types.NativeAsset {
		if p.assets == nil {
			return fmt.Errorf("pool: native asset: %w", ledger.ErrUnknownToken)
		}
		held, err := p.assets.NativeBalanceOf(ctx, p.address)
		if err != nil {
			return fmt.Errorf("pool: native balance: %w", err)
		}
		if amount.Cmp(held) > 0 {
			return fmt.Errorf("%w: requested %s, held %s", ErrInsufficientPoolBalance, amount, held)
		}
		if err := p.assets.TransferNative(ctx, p.address, owner, amount); err != nil {
			return fmt.Errorf("pool: native transfer: %w", err)
		}
	} else {
		tok, err := p.resolveToken(token)
		if err != nil {
			return err
		}
		held, err := tok.BalanceOf(ctx, p.address)
		if err != nil {
			return fmt.Errorf("pool: token balance: %w", err)
		}
		if amount.Cmp(held) > 0 {
			return fmt.Errorf("%w: requested %s, held %s", ErrInsufficientPoolBalance, amount, held)
		}
		if err := tok.Transfer(ctx, p.address, owner, amount); err != nil {
			return fmt.Errorf("pool: token transfer: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"token":  token.Hex(),
		"amount": amount.String(),
		"owner":  owner.Hex(),
	}).Warn("Emergency withdrawal executed")

	p.events.Emit(ctx, p.address, events.EmergencyWithdrawal{
		Token:  token,
		To:     owner,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// GetPoolBalance returns the pool's settlement-currency balance
func (p *CompensationPool) GetPoolBalance(ctx context.Context) (*big.Int, error) {
	return p.settlement.BalanceOf(ctx, p.address)
}

// TransferOwnership hands the pool to newOwner
func (p *CompensationPool) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return p.control.TransferOwnership(ctx, caller, newOwner)
}

// Dispatch implements timelock.Target
func (p *CompensationPool) Dispatch(ctx context.Context, caller common.Address, method string, args []byte) error {
	switch method {
	case MethodExecuteSetRegistry:
		addr, err := timelock.DecodeAddress(args)
		if err != nil {
			return err
		}
		return p.ExecuteSetRegistry(ctx, caller, addr)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (p *CompensationPool) resolveToken(token common.Address) (ledger.Token, error) {
	if token == p.settlement.Address() {
		return p.settlement, nil
	}
	if p.assets == nil {
		return nil, fmt.Errorf("pool: %w: %s", ledger.ErrUnknownToken, token.Hex())
	}
	tok, err := p.assets.Token(token)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	return tok, nil
}

// Compile-time interface check.
var _ timelock.Target = (*CompensationPool)(nil)
