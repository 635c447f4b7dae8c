// Package tail implements the live subscription to a pool's
// server-sent-event transaction stream, per spec.md §4.3.
package tail

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/internal/upstream"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// State is one of the live tail's state machine states.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// reconnectDelay is the pause before retrying a dropped subscription.
const reconnectDelay = 10 * time.Second

// Tail runs one pool's live subscription to completion (until Stop is
// called).
type Tail struct {
	pool     string
	store    *store.Store
	upstream upstream.Client
	metrics  *metrics.Collectors
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Tail for one pool.
func New(poolAddress string, st *store.Store, up upstream.Client, m *metrics.Collectors) *Tail {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tail{
		pool:     poolAddress,
		store:    st,
		upstream: up,
		metrics:  m,
		log:      logging.GetDefault().Component("tail").With("pool", poolAddress),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the tail's reconnect loop in a background goroutine.
func (t *Tail) Start() {
	go t.run()
	t.log.Info("tail started")
}

// Stop signals the tail to close its subscription and exit.
func (t *Tail) Stop() {
	t.cancel()
	t.setState(StateStopped)
	t.log.Info("tail stopped")
}

func (t *Tail) setState(s State) {
	if t.metrics != nil {
		t.metrics.TailConnectionState.WithLabelValues(t.pool).Set(float64(s))
	}
}

func (t *Tail) run() {
	for {
		select {
		case <-t.ctx.Done():
			t.setState(StateStopped)
			return
		default:
		}

		t.setState(StateConnecting)
		connID := uuid.New().String()
		events, errs, err := t.upstream.Subscribe(t.ctx, t.pool)
		if err != nil {
			t.log.Warn("subscribe failed, retrying", "conn_id", connID, "error", err)
			if !t.sleep(reconnectDelay) {
				return
			}
			continue
		}

		t.log.Info("subscribed", "conn_id", connID)
		t.setState(StateConnected)
		if !t.drain(events, errs) {
			return
		}

		t.setState(StateConnecting)
		if !t.sleep(reconnectDelay) {
			return
		}
	}
}

// drain consumes events until the stream ends or the tail is
// cancelled. Returns false if the caller should stop entirely.
func (t *Tail) drain(events <-chan upstream.StreamEvent, errs <-chan error) bool {
	for {
		select {
		case <-t.ctx.Done():
			t.setState(StateDraining)
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			t.handleEvent(ev)
		case err := <-errs:
			if err != nil {
				t.log.Warn("tail stream ended", "error", err)
			}
			return true
		}
	}
}

func (t *Tail) handleEvent(ev upstream.StreamEvent) {
	if err := t.store.InsertCandidate(store.Candidate{
		TxHash:    ev.EventID,
		PoolID:    t.pool,
		LT:        ev.LT,
		Timestamp: ev.Timestamp,
	}); err != nil {
		t.log.Warn("failed to insert candidate from tail", "error", err)
		return
	}
	if t.metrics != nil {
		t.metrics.CandidatesInserted.WithLabelValues(t.pool, "tail").Inc()
	}

	if err := t.store.AdvanceCheckpoint(t.pool, ev.LT, ev.Timestamp); err != nil {
		t.log.Warn("failed to advance checkpoint from tail", "error", err)
		return
	}
	if t.metrics != nil {
		t.metrics.CheckpointLT.WithLabelValues(t.pool).Set(float64(ev.LT))
	}
}

// sleep waits for d or returns false immediately if the tail is
// cancelled first.
func (t *Tail) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
