// Package oracle provides the read-only slippage feed consulted during verification.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// ErrNoValue is returned by a feed that has never been given a value
var ErrNoValue = errors.New("oracle: no value published")

// Feed exposes the latest signed value and the time it was published
type Feed interface {
	LatestValue(ctx context.Context) (*big.Int, time.Time, error)

	// Source identifies the feed in events and logs
	Source() string
}

// StaticFeed is a settable in-process feed
type StaticFeed struct {
	name string

	mu        sync.RWMutex
	value     *big.Int
	updatedAt time.Time
}

// NewStaticFeed creates a feed publishing nothing yet
func NewStaticFeed(name string) *StaticFeed {
	return &StaticFeed{name: name}
}

// Set publishes value at time at
func (f *StaticFeed) Set(value *big.Int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = new(big.Int).Set(value)
	f.updatedAt = at
}

// SetInt64 publishes v stamped with the current time
func (f *StaticFeed) SetInt64(v int64) {
	f.Set(big.NewInt(v), time.Now())
}

// LatestValue implements Feed
func (f *StaticFeed) LatestValue(context.Context) (*big.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.value == nil {
		return nil, time.Time{}, ErrNoValue
	}
	return new(big.Int).Set(f.value), f.updatedAt, nil
}

// Source implements Feed
func (f *StaticFeed) Source() string { return "static:" + f.name }
