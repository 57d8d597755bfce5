package events

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Record is one entry of the log
type Record struct {
	Seq       uint64         `json:"seq"`
	Contract  common.Address `json:"contract"`
	Name      string         `json:"name"`
	Event     Event          `json:"event"`
	EmittedAt time.Time      `json:"emittedAt"`
}

// Emitter is the capability contracts use to publish events
type Emitter interface {
	Emit(ctx context.Context, contract common.Address, ev Event)
}

// Subscriber receives every record after it has been appended
type Subscriber func(Record)

// Log is an in-memory append-only event log. Subscribers run synchronously, in order,
// after the record is visible to readers.
type Log struct {
	mu          sync.RWMutex
	records     []Record
	subscribers []Subscriber
	now         func() time.Time
}

// NewLog creates an empty log
func NewLog() *Log {
	return &Log{now: time.Now}
}

// WithClock overrides the timestamp source and returns the log
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Subscribe registers fn for all future records
func (l *Log) Subscribe(fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Emit appends ev. Sequence numbers start at 1.
func (l *Log) Emit(_ context.Context, contract common.Address, ev Event) {
	l.mu.Lock()
	rec := Record{
		Seq:       uint64(len(l.records)) + 1,
		Contract:  contract,
		Name:      ev.EventName(),
		Event:     ev,
		EmittedAt: l.now().UTC(),
	}
	l.records = append(l.records, rec)
	subs := make([]Subscriber, len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"seq":      rec.Seq,
		"event":    rec.Name,
		"contract": contract.Hex(),
	}).Debug("Event emitted")

	for _, fn := range subs {
		fn(rec)
	}
}

// Records returns a copy of every record
func (l *Log) Records() []Record {
	return l.Since(0)
}

// Since returns records with Seq > seq
func (l *Log) Since(seq uint64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq >= uint64(len(l.records)) {
		return []Record{}
	}
	out := make([]Record, len(l.records)-int(seq))
	copy(out, l.records[seq:])
	return out
}

// Filter returns records with the given event name, in order
func (l *Log) Filter(name string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.records {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Discard is an Emitter that drops everything
type Discard struct{}

// Emit does nothing
func (Discard) Emit(context.Context, common.Address, Event) {}
