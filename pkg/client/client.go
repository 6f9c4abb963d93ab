// Package client is the Go SDK for the dayslot admin API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Run a scheduling pass now and inspect what it assigned
//	p, err := c.RunPass(ctx)
//	for _, u := range p.Updates {
//	    fmt.Println(u.MessageID, u.DeliveryDate)
//	}
//
//	// Keep a message out of future passes
//	err = c.Hold(ctx, "msg-42")
//	...
//	err = c.Release(ctx, "msg-42")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsNotFound and IsConflict cover the common cases.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the dayslot server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dayslot: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server, which
// RunPass returns while another pass is running.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 5 minutes, since RunPass waits out host retries.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the dayslot admin API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that talks to the dayslot server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://dayslot.internal", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Update is one delivery assignment made by a pass.
type Update struct {
	MessageID    string
	Status       int
	DeliveryDate time.Time
}

// Pass is the record of one scheduling pass.
type Pass struct {
	ID         string
	NodeID     string
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched     int
	Added       int
	Replaced    int
	Rejected    int
	Held        int
	Scheduled   int
	Deferred    int
	Resubmitted int

	Outcome string
	Error   string
	Updates []Update
}

// OutboxEntry is an assignment that has not yet been accepted by the host.
type OutboxEntry struct {
	PassID string
	Update Update
}

// DeadLetter is an assignment the host refused outright.
type DeadLetter struct {
	PassID string
	Update Update
	Reason string
	DeadAt time.Time
}

// Hold is an operator suppression on a single message.
type Hold struct {
	MessageID string
	CreatedAt time.Time
}

// HealthInfo is the response from GET /health.
type HealthInfo struct {
	Status    string
	NodeID    string
	Timezone  string
	WSClients int
	Uptime    time.Duration
	Version   string
}

// ─── Passes ───────────────────────────────────────────────────────────────────

// RunPass triggers a scheduling pass and waits for it to finish.
// It fails with a conflict error while another pass is running.
func (c *Client) RunPass(ctx context.Context) (*Pass, error) {
	var w wirePass
	if err := c.do(ctx, http.MethodPost, "/passes", nil, &w); err != nil {
		return nil, err
	}
	return w.toPass(), nil
}

// GetPass fetches a single pass by id.
func (c *Client) GetPass(ctx context.Context, id string) (*Pass, error) {
	var w wirePass
	if err := c.do(ctx, http.MethodGet, "/passes/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, err
	}
	return w.toPass(), nil
}

// ListPasses returns up to limit passes, newest first. limit <= 0 uses the
// server default.
func (c *Client) ListPasses(ctx context.Context, limit int) ([]*Pass, error) {
	path := "/passes"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Passes []wirePass `json:"passes"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Pass, len(resp.Passes))
	for i := range resp.Passes {
		out[i] = resp.Passes[i].toPass()
	}
	return out, nil
}

// ─── Outbox ───────────────────────────────────────────────────────────────────

// Outbox returns the assignments still waiting to be accepted by the host.
func (c *Client) Outbox(ctx context.Context) ([]OutboxEntry, error) {
	var resp struct {
		Entries []struct {
			PassID string     `json:"pass_id"`
			Update wireUpdate `json:"update"`
		} `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/outbox", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]OutboxEntry, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = OutboxEntry{PassID: e.PassID, Update: e.Update.toUpdate()}
	}
	return out, nil
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// DeadLetters lists the assignments the host refused outright.
func (c *Client) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var resp struct {
		DeadLetters []struct {
			PassID string     `json:"pass_id"`
			Update wireUpdate `json:"update"`
			Reason string     `json:"reason"`
			DeadAt int64      `json:"dead_at"`
		} `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/deadletters", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(resp.DeadLetters))
	for i, d := range resp.DeadLetters {
		out[i] = DeadLetter{
			PassID: d.PassID,
			Update: d.Update.toUpdate(),
			Reason: d.Reason,
			DeadAt: time.UnixMilli(d.DeadAt).UTC(),
		}
	}
	return out, nil
}

// ReplayDeadLetters moves up to limit dead letters back to the outbox so the
// next pass resubmits them. limit <= 0 replays all. It returns the count moved.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	path := "/deadletters/replay"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Holds ────────────────────────────────────────────────────────────────────

// Hold keeps messageID out of every pass until it is released.
// Holding an already-held message is not an error.
func (c *Client) Hold(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/holds/"+url.PathEscape(messageID), nil, nil)
}

// Release removes a hold. It returns a not-found error when messageID is
// not held.
func (c *Client) Release(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/holds/"+url.PathEscape(messageID), nil, nil)
}

// Holds lists every active hold.
func (c *Client) Holds(ctx context.Context) ([]Hold, error) {
	var resp struct {
		Holds []struct {
			MessageID string `json:"message_id"`
			CreatedAt int64  `json:"created_at"`
		} `json:"holds"`
	}
	if err := c.do(ctx, http.MethodGet, "/holds", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Hold, len(resp.Holds))
	for i, h := range resp.Holds {
		out[i] = Hold{MessageID: h.MessageID, CreatedAt: time.UnixMilli(h.CreatedAt).UTC()}
	}
	return out, nil
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status    string `json:"status"`
		NodeID    string `json:"node_id"`
		Timezone  string `json:"timezone"`
		WSClients int    `json:"ws_clients"`
		UptimeMs  int64  `json:"uptime_ms"`
		Version   string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:    resp.Status,
		NodeID:    resp.NodeID,
		Timezone:  resp.Timezone,
		WSClients: resp.WSClients,
		Uptime:    time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:   resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dayslot: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("dayslot: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dayslot: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("dayslot: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("dayslot: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireUpdate struct {
	MessageID    string `json:"messageId"`
	Status       int    `json:"status"`
	DeliveryDate int64  `json:"deliveryDate,string"` // epoch milliseconds
}

func (w wireUpdate) toUpdate() Update {
	return Update{
		MessageID:    w.MessageID,
		Status:       w.Status,
		DeliveryDate: time.UnixMilli(w.DeliveryDate).UTC(),
	}
}

type wirePass struct {
	ID          string       `json:"id"`
	NodeID      string       `json:"node_id"`
	StartedAt   int64        `json:"started_at"`
	FinishedAt  int64        `json:"finished_at"`
	Fetched     int          `json:"fetched"`
	Added       int          `json:"added"`
	Replaced    int          `json:"replaced"`
	Rejected    int          `json:"rejected"`
	Held        int          `json:"held"`
	Scheduled   int          `json:"scheduled"`
	Deferred    int          `json:"deferred"`
	Resubmitted int          `json:"resubmitted"`
	Outcome     string       `json:"outcome"`
	Error       string       `json:"error"`
	Updates     []wireUpdate `json:"updates"`
}

func (w *wirePass) toPass() *Pass {
	p := &Pass{
		ID:          w.ID,
		NodeID:      w.NodeID,
		StartedAt:   time.UnixMilli(w.StartedAt).UTC(),
		FinishedAt:  time.UnixMilli(w.FinishedAt).UTC(),
		Fetched:     w.Fetched,
		Added:       w.Added,
		Replaced:    w.Replaced,
		Rejected:    w.Rejected,
		Held:        w.Held,
		Scheduled:   w.Scheduled,
		Deferred:    w.Deferred,
		Resubmitted: w.Resubmitted,
		Outcome:     w.Outcome,
		Error:       w.Error,
	}
	for _, u := range w.Updates {
		p.Updates = append(p.Updates, u.toUpdate())
	}
	return p
}
