package classify

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/klingon-exchange/indexer/internal/aggregate"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/internal/upstream"
)

const (
	testPool  = "EQpool1"
	testAsset = "EQlambo"
)

type fakeUpstream struct {
	events map[string]*upstream.Event
	errs   map[string]error
	prices []upstream.PricePoint
}

func (f *fakeUpstream) ListPoolTransactions(ctx context.Context, poolAddress string, beforeLT uint64) (upstream.TxPage, error) {
	return upstream.TxPage{}, nil
}
func (f *fakeUpstream) FetchEvent(ctx context.Context, txHash string) (*upstream.Event, error) {
	if err, ok := f.errs[txHash]; ok {
		return nil, err
	}
	ev, ok := f.events[txHash]
	if !ok {
		return nil, nil
	}
	return ev, nil
}
func (f *fakeUpstream) FetchPriceChart(ctx context.Context, token, currency string, start, end int64, points int) ([]upstream.PricePoint, error) {
	return f.prices, nil
}
func (f *fakeUpstream) Subscribe(ctx context.Context, poolAddress string) (<-chan upstream.StreamEvent, <-chan error, error) {
	return nil, nil, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmp, err := os.MkdirTemp("", "classify-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmp) })
	s, err := store.New(&store.Config{DataDir: tmp})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func swapEvent(eventID string, ts int64, user string, tonIn, tonOut int64, amountIn, amountOut string) *upstream.Event {
	swap := &upstream.SwapAction{
		TonIn:     tonIn,
		TonOut:    tonOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
	}
	swap.UserWallet.Address = user
	swap.JettonMasterIn.Address = testAsset
	swap.JettonMasterOut.Address = testAsset
	return &upstream.Event{
		EventID:   eventID,
		Timestamp: ts,
		Actions:   []upstream.Action{{Type: "swap", Swap: swap}},
	}
}

func setup(t *testing.T, fu *fakeUpstream) (*store.Store, *Classifier) {
	t.Helper()
	s := newTestStore(t)
	if err := s.CreatePool(testPool, testAsset); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAddress("EQuser1"); err != nil {
		t.Fatal(err)
	}
	agg := aggregate.New(s, nil, nil)
	c := New(s, fu, agg, nil, map[string]string{testPool: testAsset}, 10)
	return s, c
}

// TestFirstRunBuyClassification covers spec.md §8 scenario 1: a swap
// with ton_in set and amount_out populated promotes as a buy.
func TestFirstRunBuyClassification(t *testing.T) {
	fu := &fakeUpstream{
		events: map[string]*upstream.Event{
			"tx1": swapEvent("evt1", 1000, "EQuser1", 2_000_000_000, 0, "", "500000000000"),
		},
		prices: []upstream.PricePoint{{Timestamp: 1000, Price: 2.5}},
	}
	s, c := setup(t, fu)
	if err := s.InsertCandidate(store.Candidate{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	n, err := c.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunBatch processed = %d, want 1", n)
	}

	snap, err := s.GetAddress("EQuser1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.BuyTON != 2 {
		t.Errorf("BuyTON = %v, want 2", snap.BuyTON)
	}
	if snap.BuyLambo != 500 {
		t.Errorf("BuyLambo = %v, want 500", snap.BuyLambo)
	}
	if snap.BuyUSD != 5 {
		t.Errorf("BuyUSD = %v, want 5 (2 TON * 2.5)", snap.BuyUSD)
	}
}

// TestDirectionSwitchToSell covers spec.md §8 scenario 2: a swap with
// ton_out set and amount_in populated promotes as a sell.
func TestDirectionSwitchToSell(t *testing.T) {
	fu := &fakeUpstream{
		events: map[string]*upstream.Event{
			"tx1": swapEvent("evt1", 1000, "EQuser1", 0, 3_000_000_000, "600000000000", ""),
		},
		prices: []upstream.PricePoint{{Timestamp: 1000, Price: 1.0}},
	}
	s, c := setup(t, fu)
	if err := s.InsertCandidate(store.Candidate{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	snap, err := s.GetAddress("EQuser1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.SellTON != 3 || snap.SellLambo != 600 {
		t.Errorf("sell totals = %+v, want ton 3 lambo 600", snap)
	}
	if snap.TotalUSD != 3 {
		t.Errorf("TotalUSD = %v, want 3", snap.TotalUSD)
	}
}

// TestDiscardNonSwap covers spec.md §8 scenario 3: an event with no
// swap action is discarded outright, never promoted.
func TestDiscardNonSwap(t *testing.T) {
	fu := &fakeUpstream{
		events: map[string]*upstream.Event{
			"tx1": {EventID: "evt1", Timestamp: 1000, Actions: []upstream.Action{{Type: "transfer"}}},
		},
	}
	s, c := setup(t, fu)
	if err := s.InsertCandidate(store.Candidate{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	has, err := s.HasTx("tx1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected discarded candidate to be removed from the transactions table")
	}
}

// TestDuplicateEventIDDiscarded covers spec.md §8 scenario 4: a second
// candidate resolving to an event_id already classified is discarded,
// never double counted.
func TestDuplicateEventIDDiscarded(t *testing.T) {
	fu := &fakeUpstream{
		events: map[string]*upstream.Event{
			"tx1": swapEvent("evt-dup", 1000, "EQuser1", 1_000_000_000, 0, "", "100000000000"),
			"tx2": swapEvent("evt-dup", 1001, "EQuser1", 1_000_000_000, 0, "", "100000000000"),
		},
		prices: []upstream.PricePoint{{Timestamp: 1000, Price: 1.0}},
	}
	s, c := setup(t, fu)
	for _, cand := range []store.Candidate{
		{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000},
		{TxHash: "tx2", PoolID: testPool, LT: 11, Timestamp: 1001},
	} {
		if err := s.InsertCandidate(cand); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	snap, err := s.GetAddress("EQuser1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.BuyUSD != 1 {
		t.Errorf("BuyUSD = %v, want 1 (only the first duplicate counted)", snap.BuyUSD)
	}

	has2, err := s.HasTx("tx2")
	if err != nil {
		t.Fatal(err)
	}
	if has2 {
		t.Error("expected the duplicate candidate to be discarded")
	}
}

// TestTransientUpstreamErrorLeavesCandidatePending covers spec.md §7's
// "Upstream transient" policy: a 5xx or network error from FetchEvent
// must never be mistaken for a genuinely absent event. The candidate
// stays pending so a later batch retries it.
func TestTransientUpstreamErrorLeavesCandidatePending(t *testing.T) {
	fu := &fakeUpstream{
		errs: map[string]error{
			"tx1": &upstream.UpstreamError{Status: 503, Body: "service unavailable"},
			"tx2": fmt.Errorf("dial tcp: connection refused"),
		},
	}
	s, c := setup(t, fu)
	for _, cand := range []store.Candidate{
		{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000},
		{TxHash: "tx2", PoolID: testPool, LT: 11, Timestamp: 1001},
	} {
		if err := s.InsertCandidate(cand); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	for _, hash := range []string{"tx1", "tx2"} {
		has, err := s.HasTx(hash)
		if err != nil {
			t.Fatal(err)
		}
		if !has {
			t.Errorf("expected candidate %s to remain pending after a transient upstream error", hash)
		}
	}

	pending, err := s.PendingCandidates(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("PendingCandidates() = %d, want 2 still pending", len(pending))
	}
}

// TestRateLimitedEventFetchLeavesCandidatePending covers spec.md §5's
// 2/R backoff on a 429 from FetchEvent: the candidate is left pending,
// never discarded.
func TestRateLimitedEventFetchLeavesCandidatePending(t *testing.T) {
	fu := &fakeUpstream{
		errs: map[string]error{"tx1": upstream.ErrRateLimited},
	}
	s, c := setup(t, fu)
	if err := s.InsertCandidate(store.Candidate{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	has, err := s.HasTx("tx1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("expected rate-limited candidate to remain pending")
	}
}

// TestEventNotFoundIsDiscarded covers the genuine "event absent" case:
// a 404 from FetchEvent is a discard, not a retry.
func TestEventNotFoundIsDiscarded(t *testing.T) {
	fu := &fakeUpstream{
		errs: map[string]error{"tx1": &upstream.UpstreamError{Status: 404, Body: "not found"}},
	}
	s, c := setup(t, fu)
	if err := s.InsertCandidate(store.Candidate{TxHash: "tx1", PoolID: testPool, LT: 10, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}

	has, err := s.HasTx("tx1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected a 404 event fetch to be discarded, not retried")
	}
}
