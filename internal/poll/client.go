// Package poll fetches wallet activity slices from the indexer HTTP API.
// It is the pull counterpart of the socket package: the fallback polling
// and history restoration both go through it.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"walletsync/internal/domain"
	"walletsync/internal/socket"
	"walletsync/internal/stream"
)

// Default configuration values.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second
)

// Client fetches confirmed and pending activities over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	decoder    socket.ActionDecoder
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
}

var _ stream.ActivityFetcher = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithAPIKey sets the API key sent with each request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates an indexer API client. Decoded activities use the same
// decoder as the socket path so both transports produce identical documents.
func NewClient(baseURL string, decoder socket.ActionDecoder, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: DefaultTimeout},
		decoder:    decoder,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// actionsResponse is the raw API response for both action endpoints.
type actionsResponse struct {
	Actions     []socket.Action    `json:"actions"`
	AddressBook socket.AddressBook `json:"address_book"`
}

// FetchConfirmedActivities returns the newest confirmed activities for the
// address, sorted canonically. fromTimestamp (milliseconds, exclusive) bounds
// the slice from below; zero means no bound. At most limit activities'
// worth of actions are requested.
func (c *Client) FetchConfirmedActivities(ctx context.Context, address string, fromTimestamp int64, limit int) ([]*domain.Activity, error) {
	query := url.Values{}
	query.Set("account", address)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("sort", "desc")
	if fromTimestamp > 0 {
		// The API filters by seconds inclusively; shift by one to exclude
		// the already-known newest activity.
		query.Set("start_utime", strconv.FormatInt(fromTimestamp/1000+1, 10))
	}

	var resp actionsResponse
	if err := c.get(ctx, "/actions", query, &resp); err != nil {
		return nil, fmt.Errorf("fetch actions for %s: %w", address, err)
	}

	activities, err := c.decoder.Decode(address, resp.Actions, resp.AddressBook, false)
	if err != nil {
		return nil, fmt.Errorf("decode actions for %s: %w", address, err)
	}
	return domain.SortActivities(activities), nil
}

// FetchPendingActivities returns the full current pending set for the
// address, sorted canonically.
func (c *Client) FetchPendingActivities(ctx context.Context, address string) ([]*domain.Activity, error) {
	query := url.Values{}
	query.Set("account", address)

	var resp actionsResponse
	if err := c.get(ctx, "/pendingActions", query, &resp); err != nil {
		return nil, fmt.Errorf("fetch pending actions for %s: %w", address, err)
	}

	activities, err := c.decoder.Decode(address, resp.Actions, resp.AddressBook, true)
	if err != nil {
		return nil, fmt.Errorf("decode pending actions for %s: %w", address, err)
	}
	return domain.SortActivities(activities), nil
}

// get performs a GET with retries and exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
			continue
		}

		// Other non-200 responses (bad request, unknown account) will not
		// improve with retrying.
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
