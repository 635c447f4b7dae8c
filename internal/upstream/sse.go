package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Subscribe opens the SSE transaction stream for one pool and returns a
// channel of decoded events plus a channel that receives at most one
// terminal error when the stream ends (read error or cancellation). A
// non-200 status is returned directly as an *UpstreamError, with no
// channels. Both channels close once the subscription's goroutine exits,
// which happens when ctx is cancelled or the stream terminates.
func (c *HTTPClient) Subscribe(ctx context.Context, poolAddress string) (<-chan StreamEvent, <-chan error, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		c.baseURL+"/v2/sse/accounts/transactions?accounts="+poolAddress, nil)
	if err != nil {
		return nil, nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, &UpstreamError{Status: resp.StatusCode, Body: "sse subscribe failed"}
	}

	events := make(chan StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(events)
		defer close(errs)

		scanner := bufio.NewScanner(resp.Body)
		// SSE payload lines can exceed the scanner's default 64KiB buffer
		// for busy pools; grow it generously.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var ev StreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.log.Warn("discarding malformed sse line", "error", err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("sse read: %w", err)
		}
	}()

	return events, errs, nil
}
