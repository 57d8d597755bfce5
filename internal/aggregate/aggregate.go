// Package aggregate folds the event log into per-predictor statistics
package aggregate

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/model"
	"github.com/yourorg/slippage-rewards/internal/types"
)

// Tracker maintains statistics incrementally. Observe can be subscribed to an events.Log.
type Tracker struct {
	mu        sync.RWMutex
	stats     map[common.Address]*model.PredictorStats
	misses    map[common.Address][]types.BasisPoints
	deposited *big.Int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		stats:     make(map[common.Address]*model.PredictorStats),
		misses:    make(map[common.Address][]types.BasisPoints),
		deposited: new(big.Int),
	}
}

// FromRecords builds a tracker from a replayed log
func FromRecords(records []events.Record) *Tracker {
	t := NewTracker()
	for _, rec := range records {
		t.Observe(rec)
	}
	return t
}

// Observe folds one record into the statistics
func (t *Tracker) Observe(rec events.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := rec.Event.(type) {
	case events.PredictionSubmitted:
		t.entry(ev.Predictor).Submitted++
	case events.VerificationResult:
		s := t.entry(ev.Predictor)
		s.Verified++
		if ev.IsAccurate {
			s.Accurate++
		} else {
			s.Inaccurate++
		}
	case events.VerificationFailed:
		t.misses[ev.Predictor] = append(t.misses[ev.Predictor], ev.Difference)
	case events.CompensationPaid:
		s := t.entry(ev.Recipient)
		s.TotalRewarded.Add(s.TotalRewarded, ev.Amount)
	case events.FundsDeposited:
		t.deposited.Add(t.deposited, ev.Amount)
	}
}

// Stats returns the statistics for predictor. Unknown predictors get zero counts.
func (t *Tracker) Stats(predictor common.Address) model.PredictorStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[predictor]
	if !ok {
		return model.PredictorStats{Predictor: predictor, TotalRewarded: new(big.Int)}
	}
	return t.snapshot(s)
}

// Leaderboard returns up to n predictors ordered by accuracy rate, then accurate count,
// then total rewarded. n <= 0 returns all.
func (t *Tracker) Leaderboard(n int) []model.PredictorStats {
	t.mu.RLock()
	out := make([]model.PredictorStats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, t.snapshot(s))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AccuracyRate != b.AccuracyRate {
			return a.AccuracyRate > b.AccuracyRate
		}
		if a.Accurate != b.Accurate {
			return a.Accurate > b.Accurate
		}
		if c := a.TotalRewarded.Cmp(b.TotalRewarded); c != 0 {
			return c > 0
		}
		return a.Predictor.Hex() < b.Predictor.Hex()
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summary returns service-wide totals
func (t *Tracker) Summary() model.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := model.Summary{
		Predictors:     len(t.stats),
		TotalDeposited: new(big.Int).Set(t.deposited),
		TotalRewarded:  new(big.Int),
	}
	for _, s := range t.stats {
		sum.Predictions += s.Submitted
		sum.Verified += s.Verified
		sum.Accurate += s.Accurate
		sum.TotalRewarded.Add(sum.TotalRewarded, s.TotalRewarded)
	}
	return sum
}

// SummarizeParallel computes stats for the given predictors concurrently from records.
// Cancelled work leaves the corresponding entries out of the result.
func SummarizeParallel(ctx context.Context, records []events.Record, predictors []common.Address) map[common.Address]model.PredictorStats {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[common.Address]model.PredictorStats, len(predictors))
	)

	for _, p := range predictors {
		wg.Add(1)
		go func(predictor common.Address) {
			defer wg.Done()

			t := NewTracker()
			for _, rec := range records {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if involves(rec, predictor) {
					t.Observe(rec)
				}
			}

			mu.Lock()
			out[predictor] = t.Stats(predictor)
			mu.Unlock()
		}(p)
	}

	wg.Wait()
	return out
}

// MedianBP returns the median of values, 0 for none
func MedianBP(values []types.BasisPoints) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]types.BasisPoints, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return float64(sorted[mid-1]+sorted[mid]) / 2
	}
	return float64(sorted[mid])
}

// entry requires t.mu held
func (t *Tracker) entry(predictor common.Address) *model.PredictorStats {
	s, ok := t.stats[predictor]
	if !ok {
		s = &model.PredictorStats{Predictor: predictor, TotalRewarded: new(big.Int)}
		t.stats[predictor] = s
	}
	return s
}

// snapshot requires t.mu held for reading
func (t *Tracker) snapshot(s *model.PredictorStats) model.PredictorStats {
	c := *s
	c.TotalRewarded = new(big.Int).Set(s.TotalRewarded)
	if c.Verified > 0 {
		c.AccuracyRate = float64(c.Accurate) / float64(c.Verified)
	}
	c.MedianMissBP = MedianBP(t.misses[s.Predictor])
	return c
}

func involves(rec events.Record, predictor common.Address) bool {
	switch ev := rec.Event.(type) {
	case events.PredictionSubmitted:
		return ev.Predictor == predictor
	case events.VerificationResult:
		return ev.Predictor == predictor
	case events.VerificationFailed:
		return ev.Predictor == predictor
	case events.CompensationPaid:
		return ev.Recipient == predictor
	}
	return false
}
