// Package classify implements the enrichment stage that turns a
// candidate transaction into either a classified swap or a discard,
// per spec.md §4.4.
package classify

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/klingon-exchange/indexer/internal/aggregate"
	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/internal/store"
	"github.com/klingon-exchange/indexer/internal/upstream"
	"github.com/klingon-exchange/indexer/pkg/helpers"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// priceLookupWindow is the half-width, in seconds, of the price-chart
// query around a swap's timestamp (spec.md §4.4).
const priceLookupWindow = 300

// pricePoints is the number of samples requested from the price chart.
const pricePoints = 10

// nativeToken is the price-chart token identifier of the native token,
// whose fiat price is recorded as ton_usd_price.
const nativeToken = "ton"

// Outcomes that leave the candidate row untouched (pending) rather than
// discarding it, per spec.md §7's "Upstream transient" policy: a 429,
// a 5xx, or a network/timeout error from FetchEvent must be retried by
// a later batch, never mistaken for a genuine absent event.
const (
	outcomeRetryRateLimited = "retry_rate_limited"
	outcomeRetryTransient   = "retry_transient"
)

// Classifier consumes pending candidates in batches and resolves each
// to a terminal outcome.
type Classifier struct {
	store      *store.Store
	upstream   upstream.Client
	aggregator *aggregate.Aggregator
	metrics    *metrics.Collectors
	log        *logging.Logger

	// trackedAssets maps a pool address to its tracked jetton-master
	// address, both in normalized raw form.
	trackedAssets map[string]string

	// rateLimitBackoff is the 2/R pause (spec.md §5) applied after a 429
	// from FetchEvent before the candidate is retried on a later batch.
	rateLimitBackoff time.Duration
}

// New creates a Classifier. trackedAssets maps pool address to the
// tracked-asset address that pool indexes. rateLimitRPS is the process-wide
// target R used to derive the 2/R rate-limit backoff (spec.md §5); a
// non-positive value falls back to a 1s backoff.
func New(st *store.Store, up upstream.Client, agg *aggregate.Aggregator, m *metrics.Collectors, trackedAssets map[string]string, rateLimitRPS float64) *Classifier {
	backoff := time.Second
	if rateLimitRPS > 0 {
		backoff = time.Duration(2 * float64(time.Second) / rateLimitRPS)
	}
	return &Classifier{
		store:            st,
		upstream:         up,
		aggregator:       agg,
		metrics:          m,
		log:              logging.GetDefault().Component("classify"),
		trackedAssets:    trackedAssets,
		rateLimitBackoff: backoff,
	}
}

// RunBatch classifies up to batchSize pending candidates, in timestamp
// ascending order, per spec.md §4.4.
func (c *Classifier) RunBatch(ctx context.Context, batchSize int) (int, error) {
	candidates, err := c.store.PendingCandidates(batchSize)
	if err != nil {
		return 0, err
	}

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		c.classifyOne(ctx, cand)
	}
	return len(candidates), nil
}

func (c *Classifier) classifyOne(ctx context.Context, cand store.Candidate) {
	outcome, classified := c.resolve(ctx, cand)

	if c.metrics != nil {
		c.metrics.ClassifyOutcomes.WithLabelValues(outcome).Inc()
	}

	switch outcome {
	case "promote":
		if err := c.promote(ctx, *classified); err != nil {
			c.log.Warn("promote failed", "tx_hash", cand.TxHash, "error", err)
		}
	case outcomeRetryRateLimited:
		c.log.Debug("event fetch rate limited, leaving candidate pending", "tx_hash", cand.TxHash)
		c.sleep(ctx, c.rateLimitBackoff)
	case outcomeRetryTransient:
		c.log.Debug("transient upstream error, leaving candidate pending", "tx_hash", cand.TxHash)
	default:
		if err := c.store.DiscardCandidate(cand.TxHash); err != nil {
			c.log.Warn("discard failed", "tx_hash", cand.TxHash, "error", err)
		}
	}
}

// sleep pauses for d or returns early if ctx is cancelled first.
func (c *Classifier) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// resolve determines the terminal outcome for one candidate without
// mutating the store, returning ("promote", classified), a discard
// reason, or one of the retry outcomes that leave the candidate pending.
func (c *Classifier) resolve(ctx context.Context, cand store.Candidate) (string, *store.Classified) {
	trackedAsset, ok := c.trackedAssets[cand.PoolID]
	if !ok {
		return "discard_unknown_pool", nil
	}

	ev, err := c.upstream.FetchEvent(ctx, cand.TxHash)
	if err != nil {
		if errors.Is(err, upstream.ErrRateLimited) {
			return outcomeRetryRateLimited, nil
		}
		var upErr *upstream.UpstreamError
		if errors.As(err, &upErr) {
			if upErr.Status == http.StatusNotFound {
				return "discard_event_absent", nil
			}
			if upErr.Status >= 500 {
				return outcomeRetryTransient, nil
			}
			// Any other 4xx is treated like a genuinely absent event.
			return "discard_event_absent", nil
		}
		// Connect/timeout/other network error: transient, retry later.
		return outcomeRetryTransient, nil
	}
	if ev == nil {
		return "discard_event_absent", nil
	}

	swap, ok := ev.FindSwap()
	if !ok {
		return "discard_no_swap_action", nil
	}
	if ev.Timestamp == 0 {
		return "discard_missing_timestamp", nil
	}
	if swap.UserWallet.Address == "" {
		return "discard_missing_user", nil
	}
	if swap.JettonMasterIn.Address != trackedAsset && swap.JettonMasterOut.Address != trackedAsset {
		return "discard_wrong_asset", nil
	}

	operationType, tonAmount, lamboAmount, ok := direction(swap)
	if !ok {
		return "discard_indeterminate_direction", nil
	}

	eventID := ev.EventID
	hasEventID := eventID != ""
	if hasEventID {
		dup, err := c.store.ExistsClassifiedByEventID(eventID)
		if err != nil {
			return "discard_lookup_error", nil
		}
		if dup {
			return "discard_duplicate_event_id", nil
		}
	}

	price := c.priceAt(ctx, nativeToken, ev.Timestamp)

	dup, err := c.store.ExistsClassifiedByTuple(swap.UserWallet.Address, tonAmount, lamboAmount, ev.Timestamp)
	if err != nil {
		return "discard_lookup_error", nil
	}
	if dup {
		return "discard_duplicate_tuple", nil
	}

	return "promote", &store.Classified{
		TxHash:        cand.TxHash,
		PoolID:        cand.PoolID,
		LT:            cand.LT,
		Timestamp:     ev.Timestamp,
		UserAddress:   swap.UserWallet.Address,
		EventID:       eventID,
		HasEventID:    hasEventID,
		OperationType: operationType,
		TonAmount:     tonAmount,
		LamboAmount:   lamboAmount,
		TonUSDPrice:   price,
	}
}

// direction implements spec.md §4.4's buy/sell decision, the
// corrected policy per §9 (never the legacy buy-only path).
func direction(swap *upstream.SwapAction) (operationType string, tonAmount, lamboAmount float64, ok bool) {
	if swap.TonIn > 0 && swap.AmountOut != "" {
		lambo, err := helpers.DecimalStringToReal(swap.AmountOut)
		if err != nil {
			return "", 0, 0, false
		}
		return "buy", helpers.NanoToReal(swap.TonIn), lambo, true
	}
	if swap.TonOut > 0 && swap.AmountIn != "" {
		lambo, err := helpers.DecimalStringToReal(swap.AmountIn)
		if err != nil {
			return "", 0, 0, false
		}
		return "sell", helpers.NanoToReal(swap.TonOut), lambo, true
	}
	return "", 0, 0, false
}

// priceAt queries the fiat price chart around ts and returns the
// closest sample's price, or 0.0 if the chart is empty, per
// spec.md §4.4.
func (c *Classifier) priceAt(ctx context.Context, token string, ts int64) float64 {
	points, err := c.upstream.FetchPriceChart(ctx, token, "usd", ts-priceLookupWindow, ts+priceLookupWindow, pricePoints)
	if err != nil || len(points) == 0 {
		return 0.0
	}

	sort.Slice(points, func(i, j int) bool {
		return math.Abs(float64(points[i].Timestamp-ts)) < math.Abs(float64(points[j].Timestamp-ts))
	})
	return points[0].Price
}

// promote fills in the classification and applies the aggregator
// update within the same database transaction, per spec.md §4.4's
// atomicity requirement, then pushes the resulting fiat total to the
// ordered index once the transaction has committed.
func (c *Classifier) promote(ctx context.Context, classified store.Classified) error {
	usdAmount := classified.TonAmount * classified.TonUSDPrice

	var newTotal float64
	var applied bool
	err := c.store.WithTx(func(tx *sql.Tx) error {
		if err := c.store.PromoteCandidate(tx, classified); err != nil {
			return err
		}
		total, ok, err := c.aggregator.ApplyInTx(tx, classified.UserAddress, classified.OperationType,
			classified.TonAmount, classified.LamboAmount, usdAmount)
		if err != nil {
			return err
		}
		newTotal, applied = total, ok
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	return c.aggregator.UpdateIndex(ctx, classified.UserAddress, newTotal)
}
