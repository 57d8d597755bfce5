package aggregate

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/types"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func rec(ev events.Event) events.Record {
	return events.Record{Name: ev.EventName(), Event: ev}
}

func history() []events.Record {
	return []events.Record{
		rec(events.FundsDeposited{Payer: carol, Amount: big.NewInt(1000)}),
		rec(events.PredictionSubmitted{PredictionID: 1, Predictor: alice}),
		rec(events.PredictionSubmitted{PredictionID: 2, Predictor: bob}),
		rec(events.PredictionSubmitted{PredictionID: 3, Predictor: alice}),
		rec(events.PredictionSubmitted{PredictionID: 4, Predictor: alice}),
		rec(events.CompensationPaid{Recipient: alice, Amount: big.NewInt(15), PredictionID: 1}),
		rec(events.VerificationResult{PredictionID: 1, Predictor: alice, IsAccurate: true}),
		rec(events.VerificationFailed{PredictionID: 2, Predictor: bob, Difference: 30}),
		rec(events.VerificationResult{PredictionID: 2, Predictor: bob, IsAccurate: false}),
		rec(events.VerificationFailed{PredictionID: 3, Predictor: alice, Difference: 12}),
		rec(events.VerificationResult{PredictionID: 3, Predictor: alice, IsAccurate: false}),
	}
}

func TestTracker_Stats(t *testing.T) {
	tr := FromRecords(history())

	a := tr.Stats(alice)
	if a.Submitted != 3 || a.Verified != 2 || a.Accurate != 1 || a.Inaccurate != 1 {
		t.Errorf("alice counts got = %+v", a)
	}
	if a.Pending() != 1 {
		t.Errorf("alice pending got = %d, want 1", a.Pending())
	}
	if a.AccuracyRate != 0.5 {
		t.Errorf("alice accuracy got = %v, want 0.5", a.AccuracyRate)
	}
	if a.TotalRewarded.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("alice rewarded got = %s, want 15", a.TotalRewarded)
	}
	if a.MedianMissBP != 12 {
		t.Errorf("alice median miss got = %v, want 12", a.MedianMissBP)
	}

	b := tr.Stats(bob)
	if b.AccuracyRate != 0 || b.TotalRewarded.Sign() != 0 || b.MedianMissBP != 30 {
		t.Errorf("bob got = %+v", b)
	}

	unknown := tr.Stats(carol)
	if unknown.Submitted != 0 || unknown.TotalRewarded == nil || unknown.Predictor != carol {
		t.Errorf("unknown predictor got = %+v", unknown)
	}
}

func TestTracker_StatsAreSnapshots(t *testing.T) {
	tr := FromRecords(history())
	s := tr.Stats(alice)
	s.TotalRewarded.SetInt64(999)

	if got := tr.Stats(alice).TotalRewarded; got.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("stored reward mutated through snapshot: %s", got)
	}
}

func TestTracker_SubscribedToLog(t *testing.T) {
	log := events.NewLog()
	tr := NewTracker()
	log.Subscribe(tr.Observe)

	ctx := context.Background()
	log.Emit(ctx, common.Address{}, events.PredictionSubmitted{PredictionID: 1, Predictor: bob})
	log.Emit(ctx, common.Address{}, events.VerificationResult{PredictionID: 1, Predictor: bob, IsAccurate: true})

	s := tr.Stats(bob)
	if s.Submitted != 1 || s.Accurate != 1 || s.AccuracyRate != 1 {
		t.Errorf("bob got = %+v", s)
	}
}

func TestTracker_Leaderboard(t *testing.T) {
	tr := FromRecords(history())

	board := tr.Leaderboard(0)
	if len(board) != 2 {
		t.Fatalf("leaderboard size got = %d, want 2", len(board))
	}
	if board[0].Predictor != alice || board[1].Predictor != bob {
		t.Errorf("leaderboard order got = %s, %s", board[0].Predictor.Hex(), board[1].Predictor.Hex())
	}

	if top := tr.Leaderboard(1); len(top) != 1 || top[0].Predictor != alice {
		t.Errorf("top-1 got = %+v", top)
	}
}

func TestTracker_Summary(t *testing.T) {
	sum := FromRecords(history()).Summary()
	if sum.Predictions != 4 || sum.Verified != 3 || sum.Accurate != 1 || sum.Predictors != 2 {
		t.Errorf("summary counts got = %+v", sum)
	}
	if sum.TotalDeposited.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("deposited got = %s, want 1000", sum.TotalDeposited)
	}
	if sum.TotalRewarded.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("rewarded got = %s, want 15", sum.TotalRewarded)
	}
}

func TestSummarizeParallel(t *testing.T) {
	records := history()
	got := SummarizeParallel(context.Background(), records, []common.Address{alice, bob, carol})

	if len(got) != 3 {
		t.Fatalf("result size got = %d, want 3", len(got))
	}
	serial := FromRecords(records)
	for _, p := range []common.Address{alice, bob} {
		want := serial.Stats(p)
		if got[p].Submitted != want.Submitted || got[p].Accurate != want.Accurate || got[p].MedianMissBP != want.MedianMissBP {
			t.Errorf("%s got = %+v, want %+v", p.Hex(), got[p], want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := SummarizeParallel(ctx, records, []common.Address{alice}); len(got) != 0 {
		t.Errorf("cancelled summary got = %+v", got)
	}
}

func TestMedianBP(t *testing.T) {
	tests := []struct {
		name   string
		values []types.BasisPoints
		want   float64
	}{
		{name: "empty", values: nil, want: 0},
		{name: "odd", values: []types.BasisPoints{30, 11, 20}, want: 20},
		{name: "even", values: []types.BasisPoints{11, 40, 20, 13}, want: 16.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MedianBP(tt.values); got != tt.want {
				t.Errorf("MedianBP got = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkFromRecords(b *testing.B) {
	records := make([]events.Record, 0, 3000)
	for i := 0; i < 1000; i++ {
		p := common.BigToAddress(big.NewInt(int64(i%50 + 1)))
		records = append(records,
			rec(events.PredictionSubmitted{PredictionID: uint64(i + 1), Predictor: p}),
			rec(events.VerificationResult{PredictionID: uint64(i + 1), Predictor: p, IsAccurate: i%3 == 0}),
			rec(events.CompensationPaid{Recipient: p, Amount: big.NewInt(15), PredictionID: uint64(i + 1)}),
		)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		FromRecords(records)
	}
}
