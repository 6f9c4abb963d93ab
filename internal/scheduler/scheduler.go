// Package scheduler assigns absolute delivery timestamps to the contents of a
// schedule buffer.
//
// The algorithm is a single greedy pass over the buffer's sorted drain with a
// running watermark (the last assigned slot):
//
//	first entry: nominal if it is after now,       else now + interval
//	later ones:  nominal if it is after watermark, else watermark + interval
//
// so every slot is strictly in the future, slots never decrease, colliding or
// regressing slots are pushed back by exactly one interval, and a future
// nominal slot past the watermark is honoured unmodified. A batch that is
// entirely overdue collapses into now+interval, now+2·interval, ...
//
// Usage:
//
//	buf := buffer.New(buffer.WithClassifier(c))
//	buf.AddMessages(msgs, excludedTopics)
//	updates, err := scheduler.New(buf).Schedule(60, midnight, now)
//
// Schedule performs no I/O and never blocks.
package scheduler

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/snehjoshi/dayslot/internal/buffer"
	"github.com/snehjoshi/dayslot/internal/types"
)

// ErrDrainInProgress is returned when Schedule is called while another drain
// of the same scheduler is still running.
var ErrDrainInProgress = errors.New("scheduler: drain already in progress")

// Slot is one assignment made during a drain.
type Slot struct {
	Update   types.ScheduledUpdate
	Priority types.Priority

	// Nominal is midnight + DeliveryDayTime, in epoch seconds.
	Nominal int64
	// Assigned is the chosen delivery instant, in epoch seconds.
	Assigned int64
	// Deferred reports whether Assigned differs from Nominal.
	Deferred bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for clock-anomaly warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler drains one buffer into scheduled updates.
type Scheduler struct {
	buf      *buffer.Buffer
	log      *slog.Logger
	draining atomic.Bool
}

// New returns a Scheduler over buf.
func New(buf *buffer.Buffer, opts ...Option) *Scheduler {
	s := &Scheduler{buf: buf, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule drains the buffer and returns one SCHEDULED update per surviving
// message, in drain order. DeliveryDate is in milliseconds.
func (s *Scheduler) Schedule(intervalSeconds, midnightEpochSeconds, nowEpochSeconds int64) ([]types.ScheduledUpdate, error) {
	slots, err := s.Plan(intervalSeconds, midnightEpochSeconds, nowEpochSeconds)
	if err != nil {
		return nil, err
	}
	out := make([]types.ScheduledUpdate, len(slots))
	for i, sl := range slots {
		out[i] = sl.Update
	}
	return out, nil
}

// Plan is Schedule with the per-slot bookkeeping kept, for callers that log
// or count deferrals.
func (s *Scheduler) Plan(intervalSeconds, midnightEpochSeconds, nowEpochSeconds int64) ([]Slot, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer s.draining.Store(false)

	if intervalSeconds < 1 {
		s.log.Warn("scheduler: non-positive interval clamped to 1s", "interval_s", intervalSeconds)
		intervalSeconds = 1
	}
	if nowEpochSeconds <= 0 {
		clamped := max(midnightEpochSeconds, 0)
		s.log.Warn("scheduler: non-positive clock clamped forward",
			"now_s", nowEpochSeconds,
			"clamped_s", clamped,
		)
		nowEpochSeconds = clamped
	}

	entries := s.buf.DrainSorted()
	slots := make([]Slot, 0, len(entries))

	var watermark int64
	first := true
	for _, e := range entries {
		nominal := midnightEpochSeconds + *e.Message.DeliveryDayTime

		floor := watermark
		if first {
			floor = nowEpochSeconds
		}
		assigned := nominal
		if nominal <= floor {
			assigned = floor + intervalSeconds
		}
		if assigned <= 0 {
			s.log.Warn("scheduler: non-positive slot clamped forward",
				"message_id", e.Message.ID,
				"slot_s", assigned,
			)
			assigned = max(floor, 0) + intervalSeconds
		}

		watermark = assigned
		first = false
		slots = append(slots, Slot{
			Update: types.ScheduledUpdate{
				MessageID:    e.Message.ID,
				Status:       types.StatusScheduled,
				DeliveryDate: assigned * 1000,
			},
			Priority: e.Priority,
			Nominal:  nominal,
			Assigned: assigned,
			Deferred: assigned != nominal,
		})
	}
	return slots, nil
}
