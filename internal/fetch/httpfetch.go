package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the HTTP collaborator client.
//
// Zero values are given sensible defaults:
//   - Timeout:        30s
//   - MaxRetries:     3
//   - InitialBackoff: 200ms
//   - MaxBackoff:     5s
type Config struct {
	// BaseURL is the service root, e.g. "http://catalog:8080". The client
	// POSTs id batches to BaseURL + "/metadata/batch" and "/geometry/batch".
	BaseURL string

	// Timeout is the per-request timeout applied at the http.Client level.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts after the initial request.
	MaxRetries int

	// InitialBackoff is the base backoff for the first retry; each retry
	// doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Transport is an optional custom RoundTripper, mainly for tests.
	Transport http.RoundTripper
}

// Client talks to the metadata and geometry services over HTTP. It
// implements both MetadataFetcher and GeometryFetcher.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// sleep is injectable to make tests fast and deterministic.
	sleep func(time.Duration)
}

// NewClient constructs a Client from Config, applying defaults for zero
// values.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fetch: base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		sleep:          time.Sleep,
	}, nil
}

// FetchMetadata implements MetadataFetcher over the batch endpoint.
func (c *Client) FetchMetadata(ctx context.Context, ids []string) (map[string]MetadataRow, error) {
	var rows []MetadataRow
	if err := c.postBatch(ctx, "/metadata/batch", ids, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]MetadataRow, len(rows))
	for _, r := range rows {
		if r.ItemID != "" {
			out[r.ItemID] = r
		}
	}
	return out, nil
}

// FetchGeometry implements GeometryFetcher over the batch endpoint.
func (c *Client) FetchGeometry(ctx context.Context, ids []string) (map[string]GeometryRow, error) {
	var rows []GeometryRow
	if err := c.postBatch(ctx, "/geometry/batch", ids, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]GeometryRow, len(rows))
	for _, r := range rows {
		if r.ItemID != "" {
			out[r.ItemID] = r
		}
	}
	return out, nil
}

// postBatch POSTs {"ids": [...]} to path and decodes the JSON array reply
// into dst, retrying transient failures with exponential backoff. The body
// is kept as a byte slice so it can be safely re-sent on retry.
func (c *Client) postBatch(ctx context.Context, path string, ids []string, dst any) error {
	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: ids})
	if err != nil {
		return fmt.Errorf("fetch: encode request: %w", err)
	}

	url := c.baseURL + path
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		// Respect context cancellation before each attempt.
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("fetch: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network or transport-level error. Treat as retryable.
			lastErr = err
		} else {
			switch {
			case resp.StatusCode == http.StatusOK:
				defer resp.Body.Close()
				if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
					return fmt.Errorf("fetch: decode %s response: %w", path, err)
				}
				return nil
			case isRetryableStatus(resp.StatusCode):
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				lastErr = fmt.Errorf("fetch: retryable status %d from POST %s", resp.StatusCode, url)
			default:
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				return fmt.Errorf("fetch: status %d from POST %s", resp.StatusCode, url)
			}
		}

		if attempt+1 >= attempts {
			return fmt.Errorf("fetch: POST %s failed after %d attempts: %w", url, attempts, lastErr)
		}

		backoff := backoffDuration(c.initialBackoff, attempt, c.maxBackoff)
		if err := sleepWithContext(ctx, c.sleep, backoff); err != nil {
			return err
		}
	}
	return lastErr
}

// isRetryableStatus reports whether the given HTTP status code should
// trigger a retry: 5xx and 429 are transient, everything else is final.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// backoffDuration returns the exponential backoff duration for the given
// 0-based retry index, clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepWithContext waits for d using the injected sleep function, aborting
// early if ctx is canceled.
func sleepWithContext(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
