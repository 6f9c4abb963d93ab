// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for dayslot without the prometheus/client_golang dependency.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Scheduled / Deferred  →  key = priority ("high", "unset", ...)
//	Rejected              →  key = reason   ("excluded_topic", ...)
//	Passes                →  key = outcome  ("ok", "submit_failed", ...)
//	Webhooks              →  key = result   ("delivered", "failed", "dropped")
//	Added / Replaced / Cancelled / FetchErrors / SubmitErrors / DeadLettered  →  key = ""
//	HTTPReqs              →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt  →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() renders every counter and gauge in the Prometheus
// exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all dayslot application metrics. The zero value is ready to use.
type Registry struct {
	// Buffer intake.
	Added    labelCounter // key = ""
	Rejected labelCounter // key = rejection reason
	Replaced labelCounter // key = ""
	// Cancelled counts held messages removed from a pass before the drain.
	Cancelled labelCounter // key = ""

	// Slot assignment.
	Scheduled labelCounter // key = priority
	Deferred  labelCounter // key = priority

	// Passes and host traffic.
	Passes       labelCounter // key = outcome
	FetchErrors  labelCounter // key = ""
	SubmitErrors labelCounter // key = ""
	// DeadLettered counts outbox updates the host refused outright.
	DeadLettered labelCounter // key = ""

	// Webhooks counts pass notifications by delivery result.
	Webhooks labelCounter // key = result

	// OutboxDepth is the number of updates waiting for the host.
	OutboxDepth atomic.Int64
	// LastPassUnix is the start time of the most recent pass, in epoch seconds.
	LastPassUnix atomic.Int64

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// family describes one labelCounter rendered as a Prometheus family.
type family struct {
	name, help string
	counter    *labelCounter
	labels     func(key string) string
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	single := func(name string) func(string) string {
		return func(key string) string { return fmt.Sprintf(`%s=%q`, name, key) }
	}
	none := func(string) string { return "" }
	httpReq := func(key string) string {
		method, path, status := splitThree(key)
		return fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status)
	}
	httpDur := func(key string) string {
		method, path := splitTwo(key)
		return fmt.Sprintf(`method=%q,path=%q`, method, path)
	}

	families := []family{
		{"dayslot_messages_added_total", "Messages accepted into a schedule buffer", &r.Added, none},
		{"dayslot_messages_rejected_total", "Messages rejected at the buffer boundary", &r.Rejected, single("reason")},
		{"dayslot_messages_replaced_total", "Buffered messages superseded by a later copy with the same id", &r.Replaced, none},
		{"dayslot_messages_cancelled_total", "Held messages cancelled before the drain", &r.Cancelled, none},
		{"dayslot_messages_scheduled_total", "Messages assigned a delivery slot", &r.Scheduled, single("priority")},
		{"dayslot_messages_deferred_total", "Messages whose slot was moved off its nominal time", &r.Deferred, single("priority")},
		{"dayslot_passes_total", "Scheduling passes by outcome", &r.Passes, single("outcome")},
		{"dayslot_host_fetch_errors_total", "Failed attempts to list pending messages", &r.FetchErrors, none},
		{"dayslot_host_submit_errors_total", "Failed attempts to submit scheduled updates", &r.SubmitErrors, none},
		{"dayslot_updates_dead_lettered_total", "Outbox updates refused by the host and parked as dead letters", &r.DeadLettered, none},
		{"dayslot_webhook_deliveries_total", "Pass notifications posted to webhooks by result", &r.Webhooks, single("result")},
		{"dayslot_http_requests_total", "Total HTTP requests by method, path, and status code", &r.HTTPReqs, httpReq},
		{"dayslot_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", &r.HTTPDurMs, httpDur},
		{"dayslot_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", &r.HTTPDurCnt, httpDur},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range families {
			writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
				f.counter.Each(func(key string, val int64) {
					fn(f.labels(key), fmt.Sprintf("%d", val))
				})
			})
		}

		// ── gauges ────────────────────────────────────────────────────────────
		writeGauge(&b, "dayslot_outbox_depth", "Updates waiting to be accepted by the host", r.OutboxDepth.Load())
		if ts := r.LastPassUnix.Load(); ts > 0 {
			writeGauge(&b, "dayslot_last_pass_timestamp_seconds", "Start time of the most recent pass", ts)
		}

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func writeGauge(b *strings.Builder, name, help string, val int64) {
	writeFamily(b, name, help, "gauge", func(fn func(labels, val string)) {
		fn("", fmt.Sprintf("%d", val))
	})
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
