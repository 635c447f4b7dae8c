package aggregate

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/klingon-exchange/indexer/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmp, err := os.MkdirTemp("", "aggregate-test-*")
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

func TestApplyInTxAccumulatesAndReportsTotal(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateAddress("EQuser1"); err != nil {
		t.Fatal(err)
	}
	agg := New(s, nil, nil)

	var total float64
	var applied bool
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		total, applied, err = agg.ApplyInTx(tx, "EQuser1", "buy", 10, 500, 25)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyInTx error = %v", err)
	}
	if !applied {
		t.Fatal("expected applied = true for a registered address")
	}
	if total != 25 {
		t.Errorf("total = %v, want 25", total)
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		var err error
		total, applied, err = agg.ApplyInTx(tx, "EQuser1", "sell", 4, 200, 10)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyInTx error = %v", err)
	}
	if total != 35 {
		t.Errorf("total after sell = %v, want 35", total)
	}

	snap, err := agg.Snapshot("EQuser1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.BuyUSD != 25 || snap.SellUSD != 10 || snap.TotalUSD != 35 {
		t.Errorf("snapshot = %+v, want buy 25 sell 10 total 35", snap)
	}
}

func TestApplyInTxDropsUnregisteredAddress(t *testing.T) {
	s := newTestStore(t)
	agg := New(s, nil, nil)

	var applied bool
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		_, applied, err = agg.ApplyInTx(tx, "EQghost", "buy", 1, 1, 1)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyInTx error = %v, want nil (silent drop)", err)
	}
	if applied {
		t.Error("expected applied = false for an unregistered address")
	}
}

func TestUpdateIndexNilIsNoOp(t *testing.T) {
	s := newTestStore(t)
	agg := New(s, nil, nil)
	if err := agg.UpdateIndex(context.Background(), "EQuser1", 10); err != nil {
		t.Fatalf("UpdateIndex with nil index should be a no-op, got %v", err)
	}
}
