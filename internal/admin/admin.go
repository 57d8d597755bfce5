// Package admin holds the ownership and delay-gate authorization shared by the pool and the
// registry. Privileged writes are scheduled through the gate by the owner and later executed
// either by the gate itself or, immediately, by the current owner.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/timelock"
)

var (
	// ErrNotOwner is returned when an owner-only function is called by someone else
	ErrNotOwner = errors.New("admin: caller is not the owner")

	// ErrNotAuthorized is returned when a privileged function is called by neither owner nor gate
	ErrNotAuthorized = errors.New("admin: caller is neither owner nor timelock")

	// ErrZeroAddress is returned for zero address arguments
	ErrZeroAddress = errors.New("admin: zero address")

	// ErrNoGate is returned when scheduling without a configured delay gate
	ErrNoGate = errors.New("admin: timelock not configured")
)

// Gate is the delay-gate capability
type Gate interface {
	Address() common.Address
	MinDelay() time.Duration
	Schedule(ctx context.Context, caller common.Address, call timelock.Call, delay time.Duration) (common.Hash, error)
}

// Control is the owner/gate state of one contract
type Control struct {
	self   common.Address
	gate   Gate
	events events.Emitter

	mu    sync.RWMutex
	owner common.Address
}

// NewControl creates the control block for the contract at self
func NewControl(self, owner common.Address, gate Gate, em events.Emitter) *Control {
	if em == nil {
		em = events.Discard{}
	}
	return &Control{self: self, owner: owner, gate: gate, events: em}
}

// Owner returns the current owner
func (c *Control) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Gate returns the configured delay gate, possibly nil
func (c *Control) Gate() Gate { return c.gate }

// OnlyOwner fails unless caller is the owner
func (c *Control) OnlyOwner(caller common.Address) error {
	if caller != c.Owner() {
		return ErrNotOwner
	}
	return nil
}

// OnlyOwnerOrGate is the single authorization predicate for delayed writes: the gate after its
// delay, or the owner immediately.
func (c *Control) OnlyOwnerOrGate(caller common.Address) error {
	if caller == c.Owner() {
		return nil
	}
	if c.gate != nil && caller == c.gate.Address() {
		return nil
	}
	return ErrNotAuthorized
}

// ScheduleAddressCall lets the owner queue method(addr) against this contract on the gate
func (c *Control) ScheduleAddressCall(ctx context.Context, caller common.Address, method string, addr common.Address) (common.Hash, error) {
	if err := c.OnlyOwner(caller); err != nil {
		return common.Hash{}, err
	}
	if addr == (common.Address{}) {
		return common.Hash{}, ErrZeroAddress
	}
	if c.gate == nil {
		return common.Hash{}, ErrNoGate
	}

	args, err := timelock.EncodeAddress(addr)
	if err != nil {
		return common.Hash{}, err
	}
	id, err := c.gate.Schedule(ctx, c.self, timelock.Call{Target: c.self, Method: method, Args: args}, c.gate.MinDelay())
	if err != nil {
		return common.Hash{}, fmt.Errorf("admin: schedule %s: %w", method, err)
	}

	logrus.WithFields(logrus.Fields{
		"contract":  c.self.Hex(),
		"method":    method,
		"argument":  addr.Hex(),
		"operation": id.Hex(),
	}).Info("Privileged call scheduled")
	return id, nil
}

// TransferOwnership hands the contract to newOwner
func (c *Control) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}

	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner
	}
	previous := c.owner
	c.owner = newOwner
	c.mu.Unlock()

	c.events.Emit(ctx, c.self, events.OwnershipTransferred{Previous: previous, Current: newOwner})
	return nil
}
