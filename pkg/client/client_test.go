package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/dayslot/internal/config"
	"github.com/snehjoshi/dayslot/internal/dispatch"
	"github.com/snehjoshi/dayslot/internal/hostapi"
	"github.com/snehjoshi/dayslot/internal/metrics"
	"github.com/snehjoshi/dayslot/internal/storage/local"
	transphttp "github.com/snehjoshi/dayslot/internal/transport/http"
	"github.com/snehjoshi/dayslot/internal/types"
	"github.com/snehjoshi/dayslot/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// memHost is an in-memory host backend. When failSubmit is set every bulk
// update fails with a retryable error so assignments stay in the outbox;
// refuseOnce, when set, is returned by the next bulk update only.
type memHost struct {
	mu         sync.Mutex
	pending    []types.Message
	failSubmit bool
	refuseOnce error
}

func (h *memHost) ListPending(context.Context, string) ([]types.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Message(nil), h.pending...), nil
}

func (h *memHost) BulkUpdate(context.Context, []types.ScheduledUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSubmit {
		return errors.New("host unavailable")
	}
	if err := h.refuseOnce; err != nil {
		h.refuseOnce = nil
		return err
	}
	h.pending = nil
	return nil
}

// newTestEnv spins up a real dayslot stack (dispatcher + HTTP) backed by
// httptest.Server. All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, host *memHost) *client.Client {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Scheduler.Timezone = "UTC"
	cfg.Host.RetryDelaysMs = []int{1}

	store, err := local.Open(cfg.Node.DataDir)
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2024, 6, 26, 10, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := dispatch.New(cfg, "test-node", host, store,
		dispatch.WithMetrics(&metrics.Registry{}),
		dispatch.WithLogger(log),
		dispatch.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	srv := transphttp.New(d, nil, cfg, nil, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL)
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func oneTime(id string, dayTime int64) types.Message {
	return types.Message{
		ID:              id,
		ScheduleType:    types.ScheduleOneTime,
		Status:          types.StatusPending,
		DeliveryDayTime: types.DayTime(dayTime),
	}
}

// ─── Pass tests ───────────────────────────────────────────────────────────────

func TestRunPass_AssignsSlots(t *testing.T) {
	c := newTestEnv(t, &memHost{pending: []types.Message{oneTime("a", 37000), oneTime("b", 37000)}})

	p, err := c.RunPass(ctx())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if p.Outcome != "ok" || p.Scheduled != 2 || len(p.Updates) != 2 {
		t.Fatalf("unexpected pass: %+v", p)
	}
	want := time.Date(2024, 6, 26, 10, 16, 40, 0, time.UTC)
	if !p.Updates[0].DeliveryDate.Equal(want) {
		t.Errorf("first slot: want %v, got %v", want, p.Updates[0].DeliveryDate)
	}
	if !p.Updates[1].DeliveryDate.Equal(want.Add(time.Minute)) {
		t.Errorf("second slot: want %v, got %v", want.Add(time.Minute), p.Updates[1].DeliveryDate)
	}
	if p.Updates[0].Status != int(types.StatusScheduled) {
		t.Errorf("want status %d, got %d", types.StatusScheduled, p.Updates[0].Status)
	}
	if p.Deferred != 1 {
		t.Errorf("want 1 deferred, got %d", p.Deferred)
	}
}

func TestGetPass_AndList(t *testing.T) {
	c := newTestEnv(t, &memHost{pending: []types.Message{oneTime("a", 37000)}})

	first, err := c.RunPass(ctx())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	second, err := c.RunPass(ctx())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if second.Outcome != "empty" {
		t.Errorf("second pass: want empty, got %s", second.Outcome)
	}

	got, err := c.GetPass(ctx(), first.ID)
	if err != nil {
		t.Fatalf("GetPass: %v", err)
	}
	if got.Scheduled != 1 || got.NodeID != "test-node" {
		t.Errorf("unexpected pass: %+v", got)
	}

	list, err := c.ListPasses(ctx(), 10)
	if err != nil {
		t.Fatalf("ListPasses: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("want newest first [%s %s], got %d passes", second.ID, first.ID, len(list))
	}

	list, err = c.ListPasses(ctx(), 1)
	if err != nil || len(list) != 1 {
		t.Errorf("limit 1: want 1 pass, got %d (err %v)", len(list), err)
	}
}

func TestGetPass_NotFound(t *testing.T) {
	c := newTestEnv(t, &memHost{})
	_, err := c.GetPass(ctx(), "01J1ZZZZZZZZZZZZZZZZZZZZZZ")
	if !client.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

// ─── Outbox tests ─────────────────────────────────────────────────────────────

func TestOutbox_HoldsRejectedSubmissions(t *testing.T) {
	c := newTestEnv(t, &memHost{
		pending:    []types.Message{oneTime("a", 37000)},
		failSubmit: true,
	})

	p, err := c.RunPass(ctx())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if p.Outcome != "submit_failed" || p.Error == "" {
		t.Errorf("want submit_failed with an error, got %s %q", p.Outcome, p.Error)
	}

	entries, err := c.Outbox(ctx())
	if err != nil {
		t.Fatalf("Outbox: %v", err)
	}
	if len(entries) != 1 || entries[0].PassID != p.ID || entries[0].Update.MessageID != "a" {
		t.Errorf("unexpected outbox: %+v", entries)
	}
}

func TestDeadLetters_ListAndReplay(t *testing.T) {
	host := &memHost{
		pending:    []types.Message{oneTime("a", 37000)},
		failSubmit: true,
	}
	c := newTestEnv(t, host)

	if _, err := c.RunPass(ctx()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	// The host comes back but refuses the parked update.
	host.mu.Lock()
	host.failSubmit = false
	host.refuseOnce = &hostapi.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "stale revision"}
	host.mu.Unlock()

	if _, err := c.RunPass(ctx()); err != nil {
		t.Fatalf("second RunPass: %v", err)
	}

	dead, err := c.DeadLetters(ctx())
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].Update.MessageID != "a" || dead[0].DeadAt.IsZero() {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	n, err := c.ReplayDeadLetters(ctx(), 0)
	if err != nil || n != 1 {
		t.Fatalf("ReplayDeadLetters: want 1, got %d (err %v)", n, err)
	}
	entries, err := c.Outbox(ctx())
	if err != nil || len(entries) != 1 {
		t.Errorf("want 1 outbox entry after replay, got %d (err %v)", len(entries), err)
	}
}

// ─── Hold tests ───────────────────────────────────────────────────────────────

func TestHolds_HoldListRelease(t *testing.T) {
	c := newTestEnv(t, &memHost{pending: []types.Message{oneTime("a", 37000), oneTime("b", 37000)}})

	if err := c.Hold(ctx(), "b"); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := c.Hold(ctx(), "b"); err != nil {
		t.Fatalf("Hold twice: %v", err)
	}

	holds, err := c.Holds(ctx())
	if err != nil {
		t.Fatalf("Holds: %v", err)
	}
	if len(holds) != 1 || holds[0].MessageID != "b" || holds[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected holds: %+v", holds)
	}

	p, err := c.RunPass(ctx())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if p.Held != 1 || len(p.Updates) != 1 || p.Updates[0].MessageID != "a" {
		t.Errorf("held message should be skipped, got %+v", p)
	}

	if err := c.Release(ctx(), "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.Release(ctx(), "b"); !client.IsNotFound(err) {
		t.Errorf("second Release: want not found, got %v", err)
	}
}

// ─── Health tests ─────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	c := newTestEnv(t, &memHost{})
	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.NodeID != "test-node" || h.Timezone != "UTC" || h.Version == "" {
		t.Errorf("unexpected health: %+v", h)
	}
}

// ─── APIError tests ───────────────────────────────────────────────────────────

func TestAPIError_IsConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /passes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "dispatch: a pass is already running"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := client.New(ts.URL)
	_, err := c.RunPass(ctx())

	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusConflict || ae.Message == "" {
		t.Fatalf("unexpected APIError: %+v", ae)
	}
	if !client.IsConflict(err) || client.IsNotFound(err) {
		t.Fatal("IsConflict should be the only match")
	}
}

func TestAPIError_FallsBackToStatusText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := client.New(ts.URL).Holds(ctx())
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.Message != "Bad Gateway" {
		t.Fatalf("want Bad Gateway, got %v", err)
	}
}

// ─── Client options tests ─────────────────────────────────────────────────────

func TestWithAPIKey_Passed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mysecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "node_id": "test", "timezone": "UTC", "uptime_ms": 0, "version": "1.0",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Without key → 401
	c1 := client.New(ts.URL)
	if _, err := c1.Health(ctx()); err == nil {
		t.Fatal("expected auth error without API key")
	}

	// With key → success
	c2 := client.New(ts.URL+"/", client.WithAPIKey("mysecret"))
	if _, err := c2.Health(ctx()); err != nil {
		t.Fatalf("Health with API key: %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	_, err := c.Health(ctx())
	if err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
