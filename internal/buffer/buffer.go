// Package buffer implements the schedule buffer: an indexed min-heap of
// not-yet-scheduled messages ordered by (nominal day time, urgency,
// insertion order).
//
//   - Insert     → O(log N)
//   - Cancel     → O(1), lazy: the entry is flagged and skipped on drain
//   - DrainSorted → O(N log N), one shot, destructive
//
// A Buffer is meant to live for a single scheduling pass: fill it with
// AddMessages, optionally Cancel, then drain it exactly once.
package buffer

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"

	"github.com/snehjoshi/dayslot/internal/classifier"
	"github.com/snehjoshi/dayslot/internal/types"
)

// MaxDayTime bounds DeliveryDayTime. A local day is at most 25 hours long
// (daylight-saving fall-back).
const MaxDayTime = 25 * 60 * 60

// Eligibility errors reported in Report.Rejected.
var (
	ErrMissingID         = errors.New("buffer: message has no id")
	ErrExcludedTopic     = errors.New("buffer: topic is excluded")
	ErrNotPending        = errors.New("buffer: message is not pending")
	ErrNotOneTime        = errors.New("buffer: message is not one-time")
	ErrMissingDayTime    = errors.New("buffer: one-time message has no delivery day time")
	ErrDayTimeOutOfRange = errors.New("buffer: delivery day time out of range")

	// ErrDrained is reported for messages added after DrainSorted.
	ErrDrained = errors.New("buffer: already drained")
)

// Rejection records one message that failed the eligibility filter.
type Rejection struct {
	MessageID string
	Err       error
}

// Report summarises one AddMessages call.
type Report struct {
	Added    int
	Replaced int // entries cancelled because the same id was added again
	Rejected []Rejection
}

// Entry is one drained message with the ordering keys it was drained by.
type Entry struct {
	Message  *types.Message
	Priority types.Priority
	Sequence uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClassifier sets the priority strategy. The default is classifier.Unset.
// The strategy is always called through classifier.Safe.
func WithClassifier(c classifier.Classifier) Option {
	return func(b *Buffer) { b.classifier = c }
}

// WithLogger sets the logger used for rejection and classifier warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) { b.log = l }
}

// Buffer holds the working set of a scheduling pass.
//
// All methods are safe for concurrent use; DrainSorted must still only be
// called once all AddMessages calls for the pass have returned.
type Buffer struct {
	classifier classifier.Classifier
	log        *slog.Logger

	mu      sync.Mutex
	h       minHeap
	byID    map[string]*entry
	seq     uint64
	drained bool
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		classifier: classifier.Unset{},
		log:        slog.Default(),
		h:          make(minHeap, 0, 64),
		byID:       make(map[string]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	b.classifier = classifier.Safe(b.classifier, b.log)
	return b
}

// AddMessages classifies and enqueues every eligible message. Ineligible
// messages are logged and returned in the report; they never abort the batch.
// A message whose id is already buffered replaces the earlier entry.
//
// Classification runs before the buffer lock is taken.
func (b *Buffer) AddMessages(msgs []types.Message, excludedTopics []string, exemplars ...types.Exemplar) Report {
	var rep Report
	if len(msgs) == 0 {
		return rep
	}

	excluded := make(map[string]struct{}, len(excludedTopics))
	for _, t := range excludedTopics {
		excluded[t] = struct{}{}
	}

	type candidate struct {
		msg      *types.Message
		priority types.Priority
	}
	cands := make([]candidate, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if err := eligible(m, excluded); err != nil {
			b.log.Warn("buffer: message not schedulable",
				"message_id", m.ID,
				"topic_id", m.TopicID,
				"err", err,
			)
			rep.Rejected = append(rep.Rejected, Rejection{MessageID: m.ID, Err: err})
			continue
		}
		cands = append(cands, candidate{
			msg:      m.Clone(),
			priority: b.classifier.Classify(m.Content(), exemplars),
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cands {
		if b.drained {
			// A drained buffer never accepts new entries.
			rep.Rejected = append(rep.Rejected, Rejection{MessageID: c.msg.ID, Err: ErrDrained})
			continue
		}
		if b.cancelLocked(c.msg.ID) {
			rep.Replaced++
		}
		b.seq++
		e := &entry{
			sortKey:  *c.msg.DeliveryDayTime,
			priority: c.priority,
			seq:      b.seq,
			msg:      c.msg,
		}
		heap.Push(&b.h, e)
		b.byID[e.msg.ID] = e
		rep.Added++
	}
	return rep
}

// Cancel removes the buffered message with the given id. It reports whether
// an entry was cancelled; after the drain it is a no-op returning false.
func (b *Buffer) Cancel(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelLocked(id)
}

// cancelLocked flags the entry as a sentinel without touching the heap.
// MUST be called with b.mu held.
func (b *Buffer) cancelLocked(id string) bool {
	e, ok := b.byID[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(b.byID, id)
	return true
}

// Len returns the number of live (non-cancelled) buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

// DrainSorted pops every live entry in ascending (day time, urgency,
// sequence) order. Cancelled entries are discarded. The buffer is empty and
// closed to further additions afterwards.
func (b *Buffer) DrainSorted() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drained = true
	out := make([]Entry, 0, len(b.byID))
	for b.h.Len() > 0 {
		e := heap.Pop(&b.h).(*entry)
		if e.cancelled {
			continue
		}
		delete(b.byID, e.msg.ID)
		out = append(out, Entry{Message: e.msg, Priority: e.priority, Sequence: e.seq})
	}
	return out
}

func eligible(m *types.Message, excluded map[string]struct{}) error {
	if m.ID == "" {
		return ErrMissingID
	}
	if _, ok := excluded[m.TopicID]; ok && m.TopicID != "" {
		return ErrExcludedTopic
	}
	if m.Status != types.StatusPending {
		return ErrNotPending
	}
	if m.ScheduleType != types.ScheduleOneTime {
		return ErrNotOneTime
	}
	if m.DeliveryDayTime == nil {
		return ErrMissingDayTime
	}
	if d := *m.DeliveryDayTime; d < 0 || d >= MaxDayTime {
		return ErrDayTimeOutOfRange
	}
	return nil
}
