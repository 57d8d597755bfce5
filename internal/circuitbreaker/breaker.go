// Package circuitbreaker guards consumers of an external oracle against erroneous readings.
// Out-of-range values or drastic jumps between consecutive readings trip the breaker; while open,
// every reading is refused until the reset delay has passed and the feed proves healthy again.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/types"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, readings refused
	StateHalfOpen              // Testing if the feed has recovered
)

// String returns the state name for logs and status output
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker refuses readings
	ErrOpen = errors.New("circuit breaker open: oracle protection engaged")

	// ErrTripped is returned by the check that trips the breaker
	ErrTripped = errors.New("circuit breaker tripped")
)

// Reading is one oracle observation
type Reading struct {
	Value     *big.Int
	UpdatedAt time.Time
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MinValue and MaxValue bound acceptable readings (inclusive)
	MinValue int64 `json:"min_value"`
	MaxValue int64 `json:"max_value"`

	// MaxJump is the largest allowed absolute change between consecutive readings, 0 disables
	MaxJump int64 `json:"max_jump,omitempty"`
}

// DefaultThresholds accepts slippage readings up to 100% plus the oracle tolerance, so an
// oracle reporting just above a legitimate 100% reading still reaches the cross-check.
// No jump limit.
func DefaultThresholds() Thresholds {
	return Thresholds{MinValue: 0, MaxValue: int64(types.MaxBasisPoints + types.OracleToleranceBP)}
}

// CircuitBreaker implements the circuit breaker pattern over oracle readings
type CircuitBreaker struct {
	thresholds Thresholds

	// Duration before auto-reset attempt
	resetDelay time.Duration

	// Number of good readings in HalfOpen required to close
	successThreshold int

	now func() time.Time

	// Event callback for monitoring/alerting
	onTripCallback func(reason string, reading Reading)

	mu           sync.RWMutex
	state        State
	lastTrip     time.Time
	lastGood     *Reading
	successCount int
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of good readings needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, reading Reading)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock overrides the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Check evaluates r against the thresholds. A violating reading trips the breaker.
func (cb *CircuitBreaker) Check(r Reading) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing oracle recovery")
	}

	if r.Value == nil {
		return cb.trip("missing oracle value", r)
	}
	if r.Value.Cmp(big.NewInt(cb.thresholds.MinValue)) < 0 || r.Value.Cmp(big.NewInt(cb.thresholds.MaxValue)) > 0 {
		return cb.trip(fmt.Sprintf("reading %s outside [%d, %d]", r.Value, cb.thresholds.MinValue, cb.thresholds.MaxValue), r)
	}

	// A recovering feed re-establishes its baseline, so jumps are only judged while closed
	if cb.thresholds.MaxJump > 0 && cb.lastGood != nil && cb.state == StateClosed {
		jump := new(big.Int).Sub(r.Value, cb.lastGood.Value)
		if jump.Abs(jump).Cmp(big.NewInt(cb.thresholds.MaxJump)) > 0 {
			return cb.trip(fmt.Sprintf("reading moved %s, limit %d", jump, cb.thresholds.MaxJump), r)
		}
	}

	good := Reading{Value: new(big.Int).Set(r.Value), UpdatedAt: r.UpdatedAt}
	cb.lastGood = &good

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: oracle has recovered")
		}
	}
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the most recent accepted reading
func (cb *CircuitBreaker) LastGood() (Reading, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.lastGood == nil {
		return Reading{}, false
	}
	return Reading{Value: new(big.Int).Set(cb.lastGood.Value), UpdatedAt: cb.lastGood.UpdatedAt}, true
}

// trip requires cb.mu held
func (cb *CircuitBreaker) trip(reason string, r Reading) error {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, r)
	}
	return fmt.Errorf("%w: %s", ErrTripped, reason)
}
