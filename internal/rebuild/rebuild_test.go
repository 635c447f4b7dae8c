package rebuild

import (
	"context"
	"os"
	"testing"

	"github.com/klingon-exchange/indexer/internal/index"
	"github.com/klingon-exchange/indexer/internal/store"
)

// fakeIndex is an in-memory stand-in for index.Ordered, since no
// in-memory Redis is available to the test suite.
type fakeIndex struct {
	scores map[string]float64
}

func newFakeIndex() *fakeIndex { return &fakeIndex{scores: map[string]float64{}} }

func (f *fakeIndex) Upsert(ctx context.Context, address string, totalUSD float64) error {
	f.scores[address] = totalUSD
	return nil
}
func (f *fakeIndex) Remove(ctx context.Context, address string) error {
	delete(f.scores, address)
	return nil
}
func (f *fakeIndex) Clear(ctx context.Context) error {
	f.scores = map[string]float64{}
	return nil
}
func (f *fakeIndex) RankDesc(ctx context.Context, address string) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeIndex) RangeDesc(ctx context.Context, offset, limit int64) ([]index.Entry, error) {
	return nil, nil
}
func (f *fakeIndex) Card(ctx context.Context) (int64, error) {
	return int64(len(f.scores)), nil
}

var _ index.Ordered = (*fakeIndex)(nil)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmp, err := os.MkdirTemp("", "rebuild-test-*")
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

func TestRunRewritesIndexFromStore(t *testing.T) {
	s := newTestStore(t)
	for _, a := range []string{"EQuser1", "EQuser2", "EQuser3"} {
		if err := s.CreateAddress(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetTotals("EQuser1", 1, 0, 10, 0, 5, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTotals("EQuser2", 2, 0, 20, 0, 50, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTotals("EQuser3", 0, 0, 0, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	idx := newFakeIndex()
	idx.scores["stale"] = 999 // should be cleared, not carried over

	r := New(s, idx)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run error = %v", err)
	}

	if _, ok := idx.scores["stale"]; ok {
		t.Error("expected stale entry to be cleared on rebuild")
	}
	if idx.scores["EQuser1"] != 5 {
		t.Errorf("EQuser1 score = %v, want 5", idx.scores["EQuser1"])
	}
	if idx.scores["EQuser2"] != 50 {
		t.Errorf("EQuser2 score = %v, want 50", idx.scores["EQuser2"])
	}
	if idx.scores["EQuser3"] != 0 {
		t.Errorf("EQuser3 score = %v, want 0", idx.scores["EQuser3"])
	}
}
