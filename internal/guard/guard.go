// Package guard provides reentrancy exclusion for contract-style components that hand control
// to external code (token transfers, payout calls) in the middle of an operation.
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrReentrantCall is returned when a guarded function is entered while another is in flight
var ErrReentrantCall = errors.New("guard: reentrant call")

// Reentrancy is a single in-flight flag shared by every guarded function of one instance.
// The zero value is ready to use.
type Reentrancy struct {
	mu     sync.Mutex
	active string
}

// Enter acquires the flag for op. The returned release func must be called on every exit path,
// normally with defer.
func (g *Reentrancy) Enter(op string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != "" {
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"active":    g.active,
		}).Warn("Rejected reentrant call")
		return nil, fmt.Errorf("%w: %s while %s in progress", ErrReentrantCall, op, g.active)
	}

	g.active = op
	return g.release, nil
}

// Do runs fn while holding the flag
func (g *Reentrancy) Do(op string, fn func() error) error {
	release, err := g.Enter(op)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Active returns the name of the in-flight operation, or "" when idle
func (g *Reentrancy) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Reentrancy) release() {
	g.mu.Lock()
	g.active = ""
	g.mu.Unlock()
}
