// Package dispatch is the central orchestrator for dayslot.
//
// Every transport (HTTP handlers, the cron loop) talks to the Dispatcher and
// never directly to the buffer, the scheduler or storage.
//
// One scheduling pass:
//
//	outbox leftovers → Host.BulkUpdate                 (resubmit)
//	Host.ListPending → buffer.AddMessages              (fetch + classify)
//	holds            → buffer.Cancel                   (operator suppression)
//	scheduler.Plan   → Store.PutOutbox → Host.BulkUpdate → Store.ClearOutbox
//	PassRecord       → Store.SavePass  → Notifier
//
// All network and disk I/O happens before the buffer is filled or after it is
// drained; the drain itself is pure computation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/dayslot/internal/buffer"
	"github.com/snehjoshi/dayslot/internal/classifier"
	"github.com/snehjoshi/dayslot/internal/config"
	"github.com/snehjoshi/dayslot/internal/hostapi"
	"github.com/snehjoshi/dayslot/internal/metrics"
	"github.com/snehjoshi/dayslot/internal/node"
	"github.com/snehjoshi/dayslot/internal/scheduler"
	"github.com/snehjoshi/dayslot/internal/storage"
	"github.com/snehjoshi/dayslot/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrPassInProgress is returned by RunPass while another pass is running.
	ErrPassInProgress = errors.New("dispatch: pass already in progress")

	// ErrAlreadyStarted is returned by Start when the cron loop is running.
	ErrAlreadyStarted = errors.New("dispatch: already started")
)

// ─── Collaborators ────────────────────────────────────────────────────────────

// Host is the message platform a Dispatcher reads from and writes to.
// *hostapi.Client satisfies it.
type Host interface {
	ListPending(ctx context.Context, appInstanceID string) ([]types.Message, error)
	BulkUpdate(ctx context.Context, updates []types.ScheduledUpdate) error
}

// Notifier is told about every finished pass, successful or not.
type Notifier interface {
	PassFinished(rec *storage.PassRecord)
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics.Registry so that every pass updates the
// scheduling counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// WithClassifier sets the priority strategy used for every pass's buffer.
func WithClassifier(c classifier.Classifier) Option {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithNotifier attaches a listener for finished passes. It may be given more
// than once; listeners are called in the order they were attached.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifiers = append(d.notifiers, n) }
}

// WithClock replaces time.Now. Tests use it to pin "now" and midnight.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger for the dispatcher and every pass it runs.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// ─── Dispatcher ───────────────────────────────────────────────────────────────

// Dispatcher runs scheduling passes against a Host and records them in a
// Store. All methods are safe for concurrent use; at most one pass runs at a
// time.
type Dispatcher struct {
	cfg    *config.Config
	nodeID string
	host   Host
	store  storage.Store
	loc    *time.Location

	classifier classifier.Classifier
	metrics    *metrics.Registry
	notifiers  []Notifier
	now        func() time.Time
	log        *slog.Logger

	running atomic.Bool
	cron    atomic.Pointer[cron.Cron]
}

// New creates a Dispatcher. It does not start the periodic loop; call Start.
func New(cfg *config.Config, nodeID string, host Host, store storage.Store, opts ...Option) (*Dispatcher, error) {
	if host == nil || store == nil {
		return nil, errors.New("dispatch: host and store are required")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("dispatch: timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	d := &Dispatcher{
		cfg:        cfg,
		nodeID:     nodeID,
		host:       host,
		store:      store,
		loc:        loc,
		classifier: classifier.Unset{},
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// NodeID returns the identity stamped on every pass record.
func (d *Dispatcher) NodeID() string { return d.nodeID }

// Location returns the timezone whose midnight anchors delivery day times.
func (d *Dispatcher) Location() *time.Location { return d.loc }

// Midnight returns the start of t's calendar day in loc, in epoch seconds.
func Midnight(t time.Time, loc *time.Location) int64 {
	t = t.In(loc)
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc).Unix()
}

// ─── Passes ───────────────────────────────────────────────────────────────────

// RunPass performs one complete scheduling pass and returns its record.
//
// Host failures do not make RunPass fail: they are retried per
// host.retry_delays_ms and then reported on the record's Outcome and Error,
// with any computed updates left in the outbox for the next pass. A non-nil
// error means the pass could not run or could not be recorded.
func (d *Dispatcher) RunPass(ctx context.Context) (*storage.PassRecord, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer d.running.Store(false)

	start := d.now()
	id, err := node.NewPassID(start)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mint pass id: %w", err)
	}
	rec := &storage.PassRecord{
		ID:        id,
		NodeID:    d.nodeID,
		StartedAt: start.UnixMilli(),
		MidnightS: Midnight(start, d.loc),
		NowS:      start.Unix(),
		IntervalS: d.cfg.Scheduler.IntervalSeconds,
	}
	log := d.log.With("pass_id", id)
	if d.metrics != nil {
		d.metrics.LastPassUnix.Store(rec.NowS)
	}

	d.execute(ctx, log, rec)

	rec.FinishedAt = d.now().UnixMilli()
	if d.metrics != nil {
		d.metrics.Passes.Inc(rec.Outcome)
	}
	d.refreshOutboxDepth()

	if err := d.store.SavePass(rec); err != nil {
		return rec, fmt.Errorf("dispatch: save pass %s: %w", id, err)
	}
	for _, n := range d.notifiers {
		n.PassFinished(rec)
	}

	log.Info("pass finished",
		"outcome", rec.Outcome,
		"fetched", rec.Fetched,
		"scheduled", rec.Scheduled,
		"deferred", rec.Deferred,
		"held", rec.Held,
		"rejected", rec.Rejected,
		"duration_ms", rec.FinishedAt-rec.StartedAt,
	)
	return rec, nil
}

// execute fills rec in place. It never returns early without setting Outcome.
func (d *Dispatcher) execute(ctx context.Context, log *slog.Logger, rec *storage.PassRecord) {
	// ── 1. resubmit leftovers ─────────────────────────────────────────────────
	rec.Resubmitted = d.resubmit(ctx, log, rec.NowS*1000)

	// ── 2. fetch ──────────────────────────────────────────────────────────────
	var msgs []types.Message
	err := d.retry(ctx, log, "list pending", func(ctx context.Context) error {
		var err error
		msgs, err = d.host.ListPending(ctx, d.cfg.Host.AppInstanceID)
		if err != nil && d.metrics != nil {
			d.metrics.FetchErrors.Inc("")
		}
		return err
	})
	if err != nil {
		rec.Outcome = storage.OutcomeFetchFailed
		rec.Error = err.Error()
		log.Error("list pending failed", "err", err)
		return
	}
	rec.Fetched = len(msgs)

	// ── 3. classify + buffer ──────────────────────────────────────────────────
	buf := buffer.New(buffer.WithClassifier(d.classifier), buffer.WithLogger(log))
	rep := buf.AddMessages(msgs, d.cfg.Scheduler.ExcludedTopics, d.cfg.Scheduler.Exemplars...)
	rec.Added, rec.Replaced, rec.Rejected = rep.Added, rep.Replaced, len(rep.Rejected)
	if d.metrics != nil {
		d.metrics.Added.Add("", int64(rep.Added))
		d.metrics.Replaced.Add("", int64(rep.Replaced))
		for _, r := range rep.Rejected {
			d.metrics.Rejected.Inc(rejectReason(r.Err))
		}
	}

	// ── 4. holds ──────────────────────────────────────────────────────────────
	holds, err := d.store.Holds()
	if err != nil {
		// Scheduling a held message is worse than skipping a pass.
		rec.Outcome = storage.OutcomeFetchFailed
		rec.Error = fmt.Sprintf("load holds: %v", err)
		log.Error("load holds failed", "err", err)
		return
	}
	for _, h := range holds {
		if buf.Cancel(h.MessageID) {
			rec.Held++
			log.Debug("held message skipped", "message_id", h.MessageID)
		}
	}
	if d.metrics != nil && rec.Held > 0 {
		d.metrics.Cancelled.Add("", int64(rec.Held))
	}

	// ── 5. drain ──────────────────────────────────────────────────────────────
	slots, err := scheduler.New(buf, scheduler.WithLogger(log)).
		Plan(rec.IntervalS, rec.MidnightS, rec.NowS)
	if err != nil {
		rec.Outcome = storage.OutcomePlanFailed
		rec.Error = err.Error()
		log.Error("plan failed", "err", err)
		return
	}
	if len(slots) == 0 {
		rec.Outcome = storage.OutcomeEmpty
		return
	}

	updates := make([]types.ScheduledUpdate, len(slots))
	for i, s := range slots {
		updates[i] = s.Update
		if s.Deferred {
			rec.Deferred++
		}
		if d.metrics != nil {
			d.metrics.Scheduled.Inc(s.Priority.String())
			if s.Deferred {
				d.metrics.Deferred.Inc(s.Priority.String())
			}
		}
	}
	rec.Scheduled = len(updates)
	rec.Updates = updates

	// ── 6. outbox + submit ────────────────────────────────────────────────────
	if err := d.store.PutOutbox(rec.ID, updates); err != nil {
		// Nothing reached the host, so the messages are still pending there
		// and the next pass plans them again.
		rec.Outcome = storage.OutcomeSubmitFailed
		rec.Error = fmt.Sprintf("persist outbox: %v", err)
		log.Error("persist outbox failed", "err", err)
		return
	}
	if err := d.submit(ctx, log, updates); err != nil {
		rec.Outcome = storage.OutcomeSubmitFailed
		rec.Error = err.Error()
		log.Error("bulk update failed; updates kept in outbox", "err", err, "updates", len(updates))
		return
	}
	rec.Outcome = storage.OutcomeOK
}

// resubmit pushes outbox leftovers from earlier passes. Entries whose slot is
// already in the past, or whose message is held, are dropped instead: the
// host still lists those messages as pending, so a later pass plans them
// afresh.
func (d *Dispatcher) resubmit(ctx context.Context, log *slog.Logger, nowMs int64) int {
	entries, err := d.store.Outbox()
	if err != nil {
		log.Error("read outbox failed", "err", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	holds, err := d.store.Holds()
	if err != nil {
		log.Error("load holds failed; outbox not resubmitted", "err", err)
		return 0
	}
	held := make(map[string]struct{}, len(holds))
	for _, h := range holds {
		held[h.MessageID] = struct{}{}
	}

	var fresh []types.ScheduledUpdate
	var stale, skipped []string
	for _, e := range entries {
		if _, ok := held[e.Update.MessageID]; ok {
			skipped = append(skipped, e.Update.MessageID)
			continue
		}
		if e.Update.DeliveryDate <= nowMs {
			stale = append(stale, e.Update.MessageID)
			continue
		}
		fresh = append(fresh, e.Update)
	}
	if len(stale) > 0 {
		if err := d.store.ClearOutbox(stale); err != nil {
			log.Error("drop stale outbox entries failed", "err", err)
		} else {
			log.Info("dropped stale outbox entries", "count", len(stale))
		}
	}
	if len(skipped) > 0 {
		if err := d.store.ClearOutbox(skipped); err != nil {
			log.Error("drop held outbox entries failed", "err", err)
		} else {
			log.Info("dropped held outbox entries", "count", len(skipped))
		}
	}
	if len(stale)+len(skipped) > 0 {
		d.refreshOutboxDepth()
	}
	if len(fresh) == 0 {
		return 0
	}

	if err := d.submit(ctx, log, fresh); err != nil {
		var ae *hostapi.APIError
		if errors.As(err, &ae) && !hostapi.IsRetryable(err) {
			// The host refused them outright; park them until an operator replays.
			ids := make([]string, len(fresh))
			for i, u := range fresh {
				ids[i] = u.MessageID
			}
			if derr := d.store.DeadLetter(ids, ae.Error(), nowMs); derr != nil {
				log.Error("dead-letter outbox failed", "err", derr)
				return 0
			}
			if d.metrics != nil {
				d.metrics.DeadLettered.Add("", int64(len(ids)))
			}
			log.Error("outbox rejected by host; dead-lettered", "err", err, "count", len(fresh))
			return 0
		}
		log.Warn("outbox resubmit failed", "err", err, "count", len(fresh))
		return 0
	}
	log.Info("outbox resubmitted", "count", len(fresh))
	return len(fresh)
}

// submit sends updates with retries and clears them from the outbox once the
// host accepts them.
func (d *Dispatcher) submit(ctx context.Context, log *slog.Logger, updates []types.ScheduledUpdate) error {
	err := d.retry(ctx, log, "bulk update", func(ctx context.Context) error {
		err := d.host.BulkUpdate(ctx, updates)
		if err != nil && d.metrics != nil {
			d.metrics.SubmitErrors.Inc("")
		}
		return err
	})
	if err != nil {
		return err
	}
	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.MessageID
	}
	if err := d.store.ClearOutbox(ids); err != nil {
		// Accepted by the host; a later resubmit is harmless.
		log.Warn("clear outbox failed", "err", err)
	}
	return nil
}

// retry calls fn once, then once more after each delay in host.retry_delays_ms
// while the error is retryable.
func (d *Dispatcher) retry(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	delays := d.cfg.Host.RetryDelaysMs
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= len(delays) || !hostapi.IsRetryable(err) || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		wait := time.Duration(delays[attempt]) * time.Millisecond
		log.Warn("host call failed; retrying",
			"op", op,
			"attempt", attempt+1,
			"retry_in", wait,
			"err", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
}

func (d *Dispatcher) refreshOutboxDepth() {
	if d.metrics == nil {
		return
	}
	entries, err := d.store.Outbox()
	if err != nil {
		return
	}
	d.metrics.OutboxDepth.Store(int64(len(entries)))
}

// rejectReason maps a buffer rejection to its metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, buffer.ErrMissingID):
		return "missing_id"
	case errors.Is(err, buffer.ErrExcludedTopic):
		return "excluded_topic"
	case errors.Is(err, buffer.ErrNotPending):
		return "not_pending"
	case errors.Is(err, buffer.ErrNotOneTime):
		return "not_one_time"
	case errors.Is(err, buffer.ErrMissingDayTime):
		return "missing_day_time"
	case errors.Is(err, buffer.ErrDayTimeOutOfRange):
		return "day_time_out_of_range"
	case errors.Is(err, buffer.ErrDrained):
		return "drained"
	default:
		return "other"
	}
}

// ─── Pass history ─────────────────────────────────────────────────────────────

// Pass returns one pass record or storage.ErrNotFound.
func (d *Dispatcher) Pass(id string) (*storage.PassRecord, error) {
	return d.store.GetPass(id)
}

// Passes returns up to limit pass records, newest first.
func (d *Dispatcher) Passes(limit int) ([]*storage.PassRecord, error) {
	return d.store.ListPasses(limit)
}

// Outbox returns the updates still waiting for the host.
func (d *Dispatcher) Outbox() ([]storage.OutboxEntry, error) {
	return d.store.Outbox()
}

// DeadLetters returns the updates the host refused outright.
func (d *Dispatcher) DeadLetters() ([]storage.DeadLetter, error) {
	return d.store.DeadLetters()
}

// ReplayDeadLetters moves up to limit dead letters back into the outbox so the
// next pass resubmits them. limit <= 0 replays all of them.
func (d *Dispatcher) ReplayDeadLetters(limit int) (int, error) {
	moved, err := d.store.ReplayDeadLetters(limit)
	if err != nil {
		return 0, fmt.Errorf("dispatch: replay dead letters: %w", err)
	}
	d.refreshOutboxDepth()
	d.log.Info("dead letters replayed", "count", len(moved))
	return len(moved), nil
}

// ─── Holds ────────────────────────────────────────────────────────────────────

// Hold keeps a message out of every future pass until Release is called.
func (d *Dispatcher) Hold(messageID string) error {
	if messageID == "" {
		return errors.New("dispatch: message id required")
	}
	if err := d.store.PutHold(messageID, d.now().UnixMilli()); err != nil {
		return fmt.Errorf("dispatch: hold %s: %w", messageID, err)
	}
	// A pending resubmit would otherwise deliver it anyway.
	if err := d.store.ClearOutbox([]string{messageID}); err != nil {
		return fmt.Errorf("dispatch: hold %s: clear outbox: %w", messageID, err)
	}
	d.refreshOutboxDepth()
	d.log.Info("message held", "message_id", messageID)
	return nil
}

// Release removes a hold. It returns storage.ErrNotFound (wrapped) if the
// message was not held.
func (d *Dispatcher) Release(messageID string) error {
	if err := d.store.DeleteHold(messageID); err != nil {
		return fmt.Errorf("dispatch: release %s: %w", messageID, err)
	}
	d.log.Info("message released", "message_id", messageID)
	return nil
}

// Holds returns every held message, ordered by id.
func (d *Dispatcher) Holds() ([]storage.Hold, error) {
	return d.store.Holds()
}

// ─── Periodic loop ────────────────────────────────────────────────────────────

// Start runs passes on scheduler.pass_spec in the configured timezone until
// Stop is called or ctx is cancelled. A tick that fires while the previous
// pass is still running is skipped.
func (d *Dispatcher) Start(ctx context.Context) error {
	cl := cronLogger{d.log}
	c := cron.New(
		cron.WithLocation(d.loc),
		cron.WithParser(config.CronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(d.cfg.Scheduler.PassSpec, func() { d.tick(ctx) }); err != nil {
		return fmt.Errorf("dispatch: pass_spec %q: %w", d.cfg.Scheduler.PassSpec, err)
	}
	if !d.cron.CompareAndSwap(nil, c) {
		return ErrAlreadyStarted
	}
	c.Start()
	d.log.Info("pass loop started", "spec", d.cfg.Scheduler.PassSpec, "timezone", d.loc.String())

	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

// Stop halts the periodic loop and waits for a running pass to finish.
// It is safe to call more than once.
func (d *Dispatcher) Stop() {
	c := d.cron.Swap(nil)
	if c == nil {
		return
	}
	<-c.Stop().Done()
	d.log.Info("pass loop stopped")
}

func (d *Dispatcher) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.RunPass(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			d.log.Debug("scheduled pass skipped; another pass is running")
			return
		}
		d.log.Error("scheduled pass failed", "err", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
