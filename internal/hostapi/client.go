// Package hostapi is the client for the host platform's message API: the
// source of pending one-time messages and the sink for SCHEDULED updates.
//
//	h := hostapi.New("https://messages.example.com", hostapi.WithAPIKey(key))
//	msgs, err := h.ListPending(ctx, "")
//	...
//	err = h.BulkUpdate(ctx, updates)
//
// Every non-2xx response is returned as an *APIError. IsRetryable tells the
// dispatcher whether another attempt could succeed.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/dayslot/internal/types"
)

const (
	pathMessages   = "/v1/messages"
	pathBulkStatus = "/v1/messages/status"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

// APIError is returned when the host responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hostapi: host returned %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err is worth another attempt. Transport
// failures (per-request timeouts included), 429 and 5xx are retryable.
// Other host responses and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500
	}
	return true
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent as the X-Api-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one host message API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client for the host at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListPending returns the host's PENDING one-time messages, optionally
// narrowed to a single app instance.
func (c *Client) ListPending(ctx context.Context, appInstanceID string) ([]types.Message, error) {
	q := url.Values{}
	q.Set("status", strconv.Itoa(int(types.StatusPending)))
	q.Set("scheduleType", strconv.Itoa(int(types.ScheduleOneTime)))
	if appInstanceID != "" {
		q.Set("appInstanceId", appInstanceID)
	}

	var resp struct {
		Messages []types.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, pathMessages+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// BulkUpdate submits scheduled updates in one request. An empty slice is a
// no-op and sends nothing.
func (c *Client) BulkUpdate(ctx context.Context, updates []types.ScheduledUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	body := struct {
		Updates []types.ScheduledUpdate `json:"updates"`
	}{Updates: updates}
	return c.do(ctx, http.MethodPut, pathBulkStatus, body, nil)
}

// do executes an HTTP request, encodes body as JSON (if non-nil), and decodes
// the response into out (if non-nil). Returns *APIError on non-2xx responses.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hostapi: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("hostapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hostapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil {
			switch {
			case e.Error != "":
				msg = e.Error
			case e.Message != "":
				msg = e.Message
			}
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hostapi: decode response: %w", err)
	}
	return nil
}
