// Package webhook posts every finished scheduling pass to configured HTTP
// endpoints.
//
// Each endpoint gets its own delivery goroutine fed by a bounded queue, so a
// slow or failing endpoint never blocks a pass or another endpoint. Failed
// posts are retried after each configured delay; when an endpoint's queue is
// full the newest notice is dropped and counted.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/snehjoshi/dayslot/internal/config"
	"github.com/snehjoshi/dayslot/internal/metrics"
	"github.com/snehjoshi/dayslot/internal/node"
	"github.com/snehjoshi/dayslot/internal/storage"
)

// queueSize bounds the notices waiting per endpoint.
const queueSize = 32

// Delivery results, used as the metrics label.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// Payload is the JSON body POSTed for each finished pass.
type Payload struct {
	Event string              `json:"event"` // always "pass.finished"
	Pass  *storage.PassRecord `json:"pass"`
}

type notice struct {
	passID     string
	deliveryID string
	body       []byte
}

type endpoint struct {
	url    string
	secret string
	queue  chan notice
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) { n.client = hc }
}

// WithRetryDelays sets the waits between attempts. Its length is the number
// of retries after the first attempt.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.delays = d }
}

// WithMetrics counts deliveries in reg.Webhooks.
func WithMetrics(reg *metrics.Registry) Option {
	return func(n *Notifier) { n.metrics = reg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// Notifier implements dispatch.Notifier.
type Notifier struct {
	client  *http.Client
	delays  []time.Duration
	metrics *metrics.Registry
	log     *slog.Logger

	endpoints []*endpoint
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts one delivery loop per hook. Call Close to stop them.
func New(hooks []config.WebhookConfig, opts ...Option) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	for _, h := range hooks {
		ep := &endpoint{url: h.URL, secret: h.Secret, queue: make(chan notice, queueSize)}
		n.endpoints = append(n.endpoints, ep)
		n.wg.Add(1)
		go n.deliveryLoop(ctx, ep)
		n.log.Info("webhook registered", "url", h.URL, "signed", h.Secret != "")
	}
	return n
}

// Endpoints returns the number of configured endpoints.
func (n *Notifier) Endpoints() int { return len(n.endpoints) }

// PassFinished queues rec for every endpoint. It never blocks.
func (n *Notifier) PassFinished(rec *storage.PassRecord) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed || len(n.endpoints) == 0 {
		return
	}

	body, err := json.Marshal(Payload{Event: "pass.finished", Pass: rec})
	if err != nil {
		n.log.Error("webhook: marshal pass", "pass_id", rec.ID, "err", err)
		return
	}
	for _, ep := range n.endpoints {
		id, err := node.NewID()
		if err != nil {
			id = rec.ID
		}
		select {
		case ep.queue <- notice{passID: rec.ID, deliveryID: id, body: body}:
		default:
			n.count(ResultDropped)
			n.log.Warn("webhook queue full; dropping pass", "url", ep.url, "pass_id", rec.ID)
		}
	}
}

// Close stops every delivery loop and waits for it to exit. Notices still
// queued are discarded.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) deliveryLoop(ctx context.Context, ep *endpoint) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case nt := <-ep.queue:
			n.deliver(ctx, ep, nt)
		}
	}
}

// deliver posts nt, retrying after each delay.
func (n *Notifier) deliver(ctx context.Context, ep *endpoint, nt notice) {
	for attempt := 0; ; attempt++ {
		err := post(ctx, n.client, ep, nt)
		if err == nil {
			n.count(ResultDelivered)
			return
		}
		if attempt >= len(n.delays) || ctx.Err() != nil {
			n.count(ResultFailed)
			n.log.Warn("webhook delivery failed", "url", ep.url, "pass_id", nt.passID, "attempts", attempt+1, "err", err)
			return
		}

		t := time.NewTimer(n.delays[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			n.count(ResultFailed)
			return
		case <-t.C:
		}
	}
}

func (n *Notifier) count(result string) {
	if n.metrics != nil {
		n.metrics.Webhooks.Inc(result)
	}
}
