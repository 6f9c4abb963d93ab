package hostapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/dayslot/internal/hostapi"
	"github.com/snehjoshi/dayslot/internal/types"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func newHost(t *testing.T, h http.HandlerFunc) *hostapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return hostapi.New(srv.URL+"/", hostapi.WithAPIKey("host-key"))
}

// ─── ListPending ──────────────────────────────────────────────────────────────

func TestListPending_QueryAndDecode(t *testing.T) {
	c := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/messages" {
			t.Errorf("want GET /v1/messages, got %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "1" || q.Get("scheduleType") != "0" || q.Get("appInstanceId") != "app-7" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("X-Api-Key"); got != "host-key" {
			t.Errorf("want X-Api-Key host-key, got %q", got)
		}
		_, _ = io.WriteString(w, `{"messages":[
			{"messageId":"m1","scheduleType":0,"status":1,"topicId":"t","contentText":"hi","deliveryDayTime":35200},
			{"messageId":"m2","scheduleType":0,"status":1,"deliveryDayTime":35250}
		]}`)
	})

	msgs, err := c.ListPending(context.Background(), "app-7")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].DeliveryDayTime == nil || *msgs[0].DeliveryDayTime != 35200 {
		t.Errorf("first message decoded wrong: %+v", msgs[0])
	}
	if msgs[1].Status != types.StatusPending {
		t.Errorf("want status pending, got %v", msgs[1].Status)
	}
}

func TestListPending_OmitsEmptyAppInstance(t *testing.T) {
	c := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["appInstanceId"]; ok {
			t.Errorf("appInstanceId should be omitted, got %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"messages":[]}`)
	})
	msgs, err := c.ListPending(context.Background(), "")
	if err != nil || len(msgs) != 0 {
		t.Errorf("want empty list, got %v (err %v)", msgs, err)
	}
}

// ─── BulkUpdate ───────────────────────────────────────────────────────────────

func TestBulkUpdate_Body(t *testing.T) {
	var got struct {
		Updates []map[string]any `json:"updates"`
	}
	c := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/messages/status" {
			t.Errorf("want PUT /v1/messages/status, got %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.BulkUpdate(context.Background(), []types.ScheduledUpdate{
		{MessageID: "m1", Status: types.StatusScheduled, DeliveryDate: 1719420378000},
	})
	if err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}
	if len(got.Updates) != 1 {
		t.Fatalf("want 1 update, got %d", len(got.Updates))
	}
	u := got.Updates[0]
	if u["messageId"] != "m1" || u["status"] != float64(2) || u["deliveryDate"] != "1719420378000" {
		t.Errorf("unexpected update encoding: %v", u)
	}
}

func TestBulkUpdate_EmptyIsNoop(t *testing.T) {
	c := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty update list")
	})
	if err := c.BulkUpdate(context.Background(), nil); err != nil {
		t.Errorf("BulkUpdate(nil): %v", err)
	}
}

// ─── Errors ───────────────────────────────────────────────────────────────────

func TestAPIError_MessageFromBody(t *testing.T) {
	c := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"maintenance"}`)
	})

	_, err := c.ListPending(context.Background(), "")
	var ae *hostapi.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if ae.StatusCode != http.StatusServiceUnavailable || ae.Message != "maintenance" {
		t.Errorf("want 503 maintenance, got %d %q", ae.StatusCode, ae.Message)
	}
	if !hostapi.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&hostapi.APIError{StatusCode: 429}, true},
		{&hostapi.APIError{StatusCode: 500}, true},
		{&hostapi.APIError{StatusCode: 400}, false},
		{&hostapi.APIError{StatusCode: 404}, false},
		{errors.New("connection refused"), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := hostapi.IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v): want %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestTimeout_IsRetryableTransportError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	c := hostapi.New(srv.URL, hostapi.WithTimeout(50*time.Millisecond))
	_, err := c.ListPending(context.Background(), "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "hostapi:") {
		t.Errorf("error should be wrapped by hostapi, got %v", err)
	}
	if !hostapi.IsRetryable(err) {
		t.Errorf("client timeout should be retryable, got %v", err)
	}
}
