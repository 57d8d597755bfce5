// Package timelock implements the delay gate guarding one-time administrative writes. A proposer
// schedules a call against a registered target; anyone may execute it once MinDelay has elapsed.
// Dispatched calls reach the target with the gate's own address as caller.
package timelock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/guard"
)

// DefaultMinDelay is the minimum time between schedule and execute
const DefaultMinDelay = 72 * time.Hour

var (
	ErrNotAdmin         = errors.New("timelock: caller is not admin")
	ErrNotProposer      = errors.New("timelock: caller is not a proposer")
	ErrDelayTooShort    = errors.New("timelock: insufficient delay")
	ErrUnknownTarget    = errors.New("timelock: unknown target")
	ErrUnknownOperation = errors.New("timelock: operation does not exist")
	ErrNotReady         = errors.New("timelock: operation is not ready")
	ErrNotPending       = errors.New("timelock: operation is not pending")
	ErrBadPayload       = errors.New("timelock: malformed call payload")
)

// Status of a scheduled operation
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuted  Status = "EXECUTED"
	StatusCancelled Status = "CANCELLED"
)

// Call is the payload the gate dispatches
type Call struct {
	Target common.Address `json:"target"`
	Method string         `json:"method"`
	Args   []byte         `json:"args"`
}

// Target is a component that accepts dispatched privileged calls
type Target interface {
	Address() common.Address
	Dispatch(ctx context.Context, caller common.Address, method string, args []byte) error
}

// Operation is one scheduled call
type Operation struct {
	ID          common.Hash    `json:"id"`
	Call        Call           `json:"call"`
	Proposer    common.Address `json:"proposer"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	ReadyAt     time.Time      `json:"readyAt"`
	Status      Status         `json:"status"`
}

// Config configures a Timelock
type Config struct {
	// Address is the gate's identity; dispatched calls carry it as caller
	Address common.Address

	// Admin may register targets, grant proposers and cancel operations
	Admin common.Address

	// MinDelay defaults to DefaultMinDelay when zero
	MinDelay time.Duration

	// Clock defaults to time.Now
	Clock func() time.Time

	// Events defaults to discarding
	Events events.Emitter
}

// Timelock is the delay gate
type Timelock struct {
	address  common.Address
	admin    common.Address
	minDelay time.Duration
	now      func() time.Time
	events   events.Emitter
	guard    guard.Reentrancy

	mu        sync.RWMutex
	proposers map[common.Address]bool
	targets   map[common.Address]Target
	ops       map[common.Hash]*Operation
	nonce     uint64
}

// New creates a gate from cfg
func New(cfg Config) *Timelock {
	if cfg.MinDelay == 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	return &Timelock{
		address:   cfg.Address,
		admin:     cfg.Admin,
		minDelay:  cfg.MinDelay,
		now:       cfg.Clock,
		events:    cfg.Events,
		proposers: make(map[common.Address]bool),
		targets:   make(map[common.Address]Target),
		ops:       make(map[common.Hash]*Operation),
	}
}

// Address returns the gate's identity
func (t *Timelock) Address() common.Address { return t.address }

// MinDelay returns the minimum schedule-to-execute delay
func (t *Timelock) MinDelay() time.Duration { return t.minDelay }

// RegisterTarget makes target dispatchable and lets it propose calls against itself
func (t *Timelock) RegisterTarget(caller common.Address, target Target) error {
	if caller != t.admin {
		return ErrNotAdmin
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Address()] = target
	t.proposers[target.Address()] = true

	logrus.WithField("target", target.Address().Hex()).Info("Timelock target registered")
	return nil
}

// GrantProposer allows addr to schedule calls
func (t *Timelock) GrantProposer(caller, addr common.Address) error {
	if caller != t.admin {
		return ErrNotAdmin
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposers[addr] = true
	return nil
}

// IsProposer reports whether addr may schedule
func (t *Timelock) IsProposer(addr common.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proposers[addr]
}

// Schedule queues call to become executable after delay
func (t *Timelock) Schedule(ctx context.Context, caller common.Address, call Call, delay time.Duration) (common.Hash, error) {
	if delay < t.minDelay {
		return common.Hash{}, fmt.Errorf("%w: %s < %s", ErrDelayTooShort, delay, t.minDelay)
	}

	t.mu.Lock()
	if !t.proposers[caller] {
		t.mu.Unlock()
		return common.Hash{}, ErrNotProposer
	}
	if _, ok := t.targets[call.Target]; !ok {
		t.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownTarget, call.Target.Hex())
	}

	t.nonce++
	now := t.now()
	op := &Operation{
		ID:          operationID(call, t.nonce),
		Call:        call,
		Proposer:    caller,
		ScheduledAt: now,
		ReadyAt:     now.Add(delay),
		Status:      StatusPending,
	}
	t.ops[op.ID] = op
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"operation": op.ID.Hex(),
		"target":    call.Target.Hex(),
		"method":    call.Method,
		"ready_at":  op.ReadyAt.Format(time.RFC3339),
	}).Info("Call scheduled")

	t.events.Emit(ctx, t.address, events.CallScheduled{
		OperationID: op.ID,
		Target:      call.Target,
		Method:      call.Method,
		Args:        call.Args,
		ReadyAt:     op.ReadyAt.Unix(),
	})
	return op.ID, nil
}

// Execute dispatches a ready operation. The operation stays pending if the target rejects it.
func (t *Timelock) Execute(ctx context.Context, caller common.Address, id common.Hash) error {
	release, err := t.guard.Enter("execute")
	if err != nil {
		return err
	}
	defer release()

	t.mu.RLock()
	op, ok := t.ops[id]
	var call Call
	var target Target
	var status Status
	var readyAt time.Time
	if ok {
		call, status, readyAt = op.Call, op.Status, op.ReadyAt
		target = t.targets[call.Target]
	}
	t.mu.RUnlock()

	if !ok {
		return ErrUnknownOperation
	}
	if status != StatusPending {
		return fmt.Errorf("%w: %s", ErrNotPending, status)
	}
	if t.now().Before(readyAt) {
		return fmt.Errorf("%w: ready at %s", ErrNotReady, readyAt.Format(time.RFC3339))
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, call.Target.Hex())
	}

	if err := target.Dispatch(ctx, t.address, call.Method, call.Args); err != nil {
		return fmt.Errorf("timelock: dispatch %s: %w", call.Method, err)
	}

	t.mu.Lock()
	op.Status = StatusExecuted
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"operation": id.Hex(),
		"executor":  caller.Hex(),
		"method":    call.Method,
	}).Info("Call executed")

	t.events.Emit(ctx, t.address, events.CallExecuted{
		OperationID: id,
		Target:      call.Target,
		Method:      call.Method,
	})
	return nil
}

// Cancel drops a pending operation
func (t *Timelock) Cancel(ctx context.Context, caller common.Address, id common.Hash) error {
	if caller != t.admin {
		return ErrNotAdmin
	}

	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownOperation
	}
	if op.Status != StatusPending {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPending, op.Status)
	}
	op.Status = StatusCancelled
	t.mu.Unlock()

	t.events.Emit(ctx, t.address, events.CallCancelled{OperationID: id})
	return nil
}

// Operation returns a copy of the operation with the given id
func (t *Timelock) Operation(id common.Hash) (Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, ErrUnknownOperation
	}
	return *op, nil
}

// Pending returns pending operations ordered by ReadyAt
func (t *Timelock) Pending() []Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Operation
	for _, op := range t.ops {
		if op.Status == StatusPending {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadyAt.Before(out[j].ReadyAt) })
	return out
}

func operationID(call Call, nonce uint64) common.Hash {
	n := make([]byte, 8)
	binary.BigEndian.PutUint64(n, nonce)
	return crypto.Keccak256Hash(call.Target.Bytes(), []byte(call.Method), call.Args, n)
}
