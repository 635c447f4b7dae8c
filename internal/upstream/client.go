// Package upstream talks to the chain-event API: listing pool
// transactions, fetching a single event tree, fetching the fiat price
// chart for the native token, and subscribing to the live
// server-sent-event transaction stream.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/klingon-exchange/indexer/internal/metrics"
	"github.com/klingon-exchange/indexer/pkg/logging"
)

// UpstreamError is returned for any non-2xx, non-429 HTTP response.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d: %s", e.Status, e.Body)
}

// Tx is one entry of a pool transaction listing page.
type Tx struct {
	Hash  string `json:"hash"`
	LT    uint64 `json:"lt"`
	Utime int64  `json:"utime"`
}

// TxPage is one page of the pool transaction listing.
type TxPage struct {
	Transactions []Tx
}

// MinLT returns the smallest lt in the page, used to derive the next
// page's before_lt cursor.
func (p TxPage) MinLT() (uint64, bool) {
	if len(p.Transactions) == 0 {
		return 0, false
	}
	min := p.Transactions[0].LT
	for _, tx := range p.Transactions[1:] {
		if tx.LT < min {
			min = tx.LT
		}
	}
	return min, true
}

// Action is one entry of an event's action tree.
type Action struct {
	Type string   `json:"type"`
	Swap *SwapAction `json:"SwapAction,omitempty"`
}

// SwapAction is the payload of a "swap"-typed action.
type SwapAction struct {
	TonIn           int64  `json:"ton_in"`
	TonOut          int64  `json:"ton_out"`
	AmountIn        string `json:"amount_in"`
	AmountOut       string `json:"amount_out"`
	UserWallet      struct {
		Address string `json:"address"`
	} `json:"user_wallet"`
	JettonMasterIn struct {
		Address string `json:"address"`
	} `json:"jetton_master_in"`
	JettonMasterOut struct {
		Address string `json:"address"`
	} `json:"jetton_master_out"`
}

// Event is the full action tree fetched for one transaction.
type Event struct {
	EventID   string   `json:"event_id"`
	Timestamp int64    `json:"timestamp"`
	Actions   []Action `json:"actions"`
}

// FindSwap returns the first action of kind "swap", if any.
func (e *Event) FindSwap() (*SwapAction, bool) {
	for _, a := range e.Actions {
		if a.Type == "swap" && a.Swap != nil {
			return a.Swap, true
		}
	}
	return nil, false
}

// PricePoint is one (timestamp, price) sample of a price chart.
type PricePoint struct {
	Timestamp int64
	Price     float64
}

// StreamEvent is one line of the live SSE transaction stream.
type StreamEvent struct {
	EventID   string `json:"event_id"`
	LT        uint64 `json:"lt"`
	Timestamp int64  `json:"timestamp"`
	AccountID string `json:"account_id"`
}

// Client is the interface the rest of the indexer depends on, so that
// backfill, tail, and classifier can be tested against a fake.
type Client interface {
	ListPoolTransactions(ctx context.Context, poolAddress string, beforeLT uint64) (TxPage, error)
	FetchEvent(ctx context.Context, txHash string) (*Event, error)
	FetchPriceChart(ctx context.Context, token, currency string, start, end int64, points int) ([]PricePoint, error)
	Subscribe(ctx context.Context, poolAddress string) (<-chan StreamEvent, <-chan error, error)
}

// HTTPClient is the production Client backed by net/http, rate-limited
// to a process-wide target R requests/second.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Collectors
	log        *logging.Logger
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        *metrics.Collectors
}

// New creates an HTTPClient.
func New(cfg Config) *HTTPClient {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		metrics: cfg.Metrics,
		log:     logging.Default().Component("upstream"),
	}
}

var _ Client = (*HTTPClient)(nil)

// ListPoolTransactions fetches one page of a pool's transaction
// history, newest-first, per spec.md §4.1/§6.
func (c *HTTPClient) ListPoolTransactions(ctx context.Context, poolAddress string, beforeLT uint64) (TxPage, error) {
	path := fmt.Sprintf("/v2/blockchain/accounts/%s/transactions?limit=1000", poolAddress)
	if beforeLT > 0 {
		path += fmt.Sprintf("&before_lt=%d", beforeLT)
	}

	var result struct {
		Transactions []struct {
			Hash  string `json:"hash"`
			LT    uint64 `json:"lt"`
			Utime int64  `json:"utime"`
		} `json:"transactions"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return TxPage{}, err
	}

	page := TxPage{Transactions: make([]Tx, len(result.Transactions))}
	for i, tx := range result.Transactions {
		page.Transactions[i] = Tx{Hash: tx.Hash, LT: tx.LT, Utime: tx.Utime}
	}
	return page, nil
}

// FetchEvent fetches the action tree for one transaction.
func (c *HTTPClient) FetchEvent(ctx context.Context, txHash string) (*Event, error) {
	var ev Event
	if err := c.get(ctx, "/v2/events/"+txHash, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// FetchPriceChart fetches the fiat price chart for token over
// [start, end].
func (c *HTTPClient) FetchPriceChart(ctx context.Context, token, currency string, start, end int64, points int) ([]PricePoint, error) {
	path := fmt.Sprintf("/v2/rates/chart?token=%s&currency=%s&start_date=%d&end_date=%d&points_count=%d",
		token, currency, start, end, points)

	var result struct {
		Points [][2]float64 `json:"points"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}

	out := make([]PricePoint, len(result.Points))
	for i, p := range result.Points {
		out[i] = PricePoint{Timestamp: int64(p[0]), Price: p[1]}
	}
	return out, nil
}

// get performs a rate-limited, bearer-authenticated GET and decodes the
// JSON response.
func (c *HTTPClient) get(ctx context.Context, path string, result interface{}) error {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RateLimitWaitSec.Observe(time.Since(waitStart).Seconds())
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// ErrRateLimited is returned for HTTP 429 responses. The classifier backs
// off 2/R seconds before a later batch retries; the backfill treats it
// like any other page-fetch failure and applies its exponential backoff.
var ErrRateLimited = fmt.Errorf("upstream rate limited")
