package buffer_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/snehjoshi/dayslot/internal/buffer"
	"github.com/snehjoshi/dayslot/internal/classifier"
	"github.com/snehjoshi/dayslot/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func pending(id string, dayTime int64) types.Message {
	return types.Message{
		ID:              id,
		ScheduleType:    types.ScheduleOneTime,
		Status:          types.StatusPending,
		TopicID:         "general",
		ContentText:     "content for " + id,
		DeliveryDayTime: types.DayTime(dayTime),
	}
}

func drainedIDs(entries []buffer.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.ID
	}
	return out
}

func assertOrder(t *testing.T, got []buffer.Entry, want ...string) {
	t.Helper()
	ids := drainedIDs(got)
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("drain order: want %v, got %v", want, ids)
	}
}

// byPrefix classifies content by its leading word; used to test tie-breaks
// without depending on a real similarity model.
var byPrefix = classifier.Func(func(content string, _ []types.Exemplar) types.Priority {
	switch {
	case strings.HasPrefix(content, "high"):
		return types.PriorityHigh
	case strings.HasPrefix(content, "medium"):
		return types.PriorityMedium
	case strings.HasPrefix(content, "low"):
		return types.PriorityLow
	}
	return types.PriorityUnset
})

var anyExemplar = types.Exemplar{Text: "x", Scores: []float64{1}}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestBuffer_DrainSortedByDayTime(t *testing.T) {
	b := buffer.New()
	rep := b.AddMessages([]types.Message{
		pending("c", 300),
		pending("a", 100),
		pending("b", 200),
	}, nil)
	if rep.Added != 3 {
		t.Fatalf("Added: want 3, got %d", rep.Added)
	}
	assertOrder(t, b.DrainSorted(), "a", "b", "c")
}

func TestBuffer_TiesBrokenByInsertionOrder(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("first", 500), pending("second", 500)}, nil)
	b.AddMessages([]types.Message{pending("third", 500)}, nil)

	got := b.DrainSorted()
	assertOrder(t, got, "first", "second", "third")
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Errorf("sequence not increasing at %d: %d then %d", i, got[i-1].Sequence, got[i].Sequence)
		}
	}
}

func TestBuffer_DeterministicForIdenticalInput(t *testing.T) {
	batch := []types.Message{
		pending("a", 10), pending("b", 10), pending("c", 5), pending("d", 10), pending("e", 5),
	}
	b1 := buffer.New()
	b1.AddMessages(batch, nil)
	b2 := buffer.New()
	b2.AddMessages(batch, nil)

	got1 := drainedIDs(b1.DrainSorted())
	got2 := drainedIDs(b2.DrainSorted())
	if strings.Join(got1, ",") != strings.Join(got2, ",") {
		t.Fatalf("non-deterministic drain: %v vs %v", got1, got2)
	}
}

func TestBuffer_UrgentFirstWithinSameSlot(t *testing.T) {
	b := buffer.New(buffer.WithClassifier(byPrefix))

	msgs := []types.Message{
		pending("unset", 600),
		pending("low", 600),
		pending("medium", 600),
		pending("high", 600),
		pending("early-unset", 100),
	}
	for i := range msgs {
		msgs[i].ContentText = msgs[i].ID
	}
	b.AddMessages(msgs, nil, anyExemplar)

	got := b.DrainSorted()
	assertOrder(t, got, "early-unset", "high", "medium", "low", "unset")
	if got[1].Priority != types.PriorityHigh {
		t.Errorf("priority of high: want high, got %s", got[1].Priority)
	}
}

func TestBuffer_NoExemplarsMeansUnset(t *testing.T) {
	b := buffer.New(buffer.WithClassifier(byPrefix))
	m := pending("x", 10)
	m.ContentText = "high urgency"
	b.AddMessages([]types.Message{m}, nil)

	got := b.DrainSorted()
	if got[0].Priority != types.PriorityUnset {
		t.Errorf("priority without exemplars: want unset, got %s", got[0].Priority)
	}
}

func TestBuffer_PanickingClassifierDegradesToUnset(t *testing.T) {
	boom := classifier.Func(func(string, []types.Exemplar) types.Priority { panic("boom") })
	b := buffer.New(buffer.WithClassifier(boom))
	rep := b.AddMessages([]types.Message{pending("a", 1), pending("b", 2)}, nil, anyExemplar)
	if rep.Added != 2 {
		t.Fatalf("Added: want 2, got %d", rep.Added)
	}
	for _, e := range b.DrainSorted() {
		if e.Priority != types.PriorityUnset {
			t.Errorf("%s: want unset, got %s", e.Message.ID, e.Priority)
		}
	}
}

func TestBuffer_ClassifierPanicLoggedToBufferLogger(t *testing.T) {
	var out bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&out, nil)).With("pass_id", "01J1PASS")
	boom := classifier.Func(func(string, []types.Exemplar) types.Priority { panic("boom") })

	// Option order must not matter.
	b := buffer.New(buffer.WithClassifier(boom), buffer.WithLogger(log))
	b.AddMessages([]types.Message{pending("a", 1)}, nil, anyExemplar)

	got := out.String()
	if !strings.Contains(got, "recovered from panic") {
		t.Fatalf("want a recovery warning, got %q", got)
	}
	if !strings.Contains(got, `"pass_id":"01J1PASS"`) {
		t.Errorf("want pass_id on the recovery warning, got %q", got)
	}
}

func TestBuffer_DuplicateIDLastWriteWins(t *testing.T) {
	b := buffer.New()
	rep := b.AddMessages([]types.Message{
		pending("dup", 100),
		pending("other", 200),
		pending("dup", 300),
	}, nil)
	if rep.Added != 3 || rep.Replaced != 1 {
		t.Fatalf("report: want added=3 replaced=1, got added=%d replaced=%d", rep.Added, rep.Replaced)
	}
	if b.Len() != 2 {
		t.Fatalf("Len: want 2, got %d", b.Len())
	}

	got := b.DrainSorted()
	assertOrder(t, got, "other", "dup")
	if *got[1].Message.DeliveryDayTime != 300 {
		t.Errorf("dup day time: want 300, got %d", *got[1].Message.DeliveryDayTime)
	}
}

func TestBuffer_ReplaceAcrossCalls(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("m", 900)}, nil)
	rep := b.AddMessages([]types.Message{pending("m", 50)}, nil)
	if rep.Replaced != 1 {
		t.Errorf("Replaced: want 1, got %d", rep.Replaced)
	}
	got := b.DrainSorted()
	if len(got) != 1 || *got[0].Message.DeliveryDayTime != 50 {
		t.Fatalf("want single entry at 50, got %+v", got)
	}
}

func TestBuffer_CancelRemovesEntry(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("a", 1), pending("b", 2), pending("c", 3)}, nil)

	if !b.Cancel("b") {
		t.Fatal("Cancel(b): want true")
	}
	if b.Cancel("b") {
		t.Error("second Cancel(b): want false")
	}
	if b.Cancel("missing") {
		t.Error("Cancel(missing): want false")
	}
	if b.Len() != 2 {
		t.Errorf("Len after cancel: want 2, got %d", b.Len())
	}
	assertOrder(t, b.DrainSorted(), "a", "c")
}

func TestBuffer_CancelRootEntry(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("root", 1), pending("next", 2)}, nil)
	b.Cancel("root")
	assertOrder(t, b.DrainSorted(), "next")
}

func TestBuffer_CancelAfterDrainIsNoop(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("a", 1)}, nil)
	b.DrainSorted()
	if b.Cancel("a") {
		t.Error("Cancel after drain: want false")
	}
}

func TestBuffer_DrainIsDestructive(t *testing.T) {
	b := buffer.New()
	b.AddMessages([]types.Message{pending("a", 1), pending("b", 2)}, nil)
	if n := len(b.DrainSorted()); n != 2 {
		t.Fatalf("first drain: want 2, got %d", n)
	}
	if n := len(b.DrainSorted()); n != 0 {
		t.Errorf("second drain: want 0, got %d", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len after drain: want 0, got %d", b.Len())
	}

	rep := b.AddMessages([]types.Message{pending("late", 3)}, nil)
	if rep.Added != 0 || len(rep.Rejected) != 1 || !errors.Is(rep.Rejected[0].Err, buffer.ErrDrained) {
		t.Errorf("add after drain: want ErrDrained rejection, got %+v", rep)
	}
}

func TestBuffer_AddZeroMessages(t *testing.T) {
	b := buffer.New()
	rep := b.AddMessages(nil, []string{"x"})
	if rep.Added != 0 || rep.Replaced != 0 || len(rep.Rejected) != 0 {
		t.Errorf("empty add: want zero report, got %+v", rep)
	}
	if got := b.DrainSorted(); len(got) != 0 {
		t.Errorf("drain of empty buffer: want 0, got %d", len(got))
	}
}

func TestBuffer_EligibilityFilter(t *testing.T) {
	excluded := pending("excluded", 10)
	excluded.TopicID = "marketing"

	delivered := pending("delivered", 10)
	delivered.Status = types.StatusDelivered

	recurring := pending("recurring", 10)
	recurring.ScheduleType = types.ScheduleRecurring
	recurring.Schedule = "0 9 * * *"

	noDayTime := pending("no-day-time", 10)
	noDayTime.DeliveryDayTime = nil

	negative := pending("negative", -1)
	tooLate := pending("too-late", buffer.MaxDayTime)
	noID := pending("", 10)

	b := buffer.New()
	rep := b.AddMessages([]types.Message{
		pending("ok", 10), excluded, delivered, recurring, noDayTime, negative, tooLate, noID,
	}, []string{"marketing"})

	if rep.Added != 1 {
		t.Errorf("Added: want 1, got %d", rep.Added)
	}
	want := map[string]error{
		"excluded":    buffer.ErrExcludedTopic,
		"delivered":   buffer.ErrNotPending,
		"recurring":   buffer.ErrNotOneTime,
		"no-day-time": buffer.ErrMissingDayTime,
		"negative":    buffer.ErrDayTimeOutOfRange,
		"too-late":    buffer.ErrDayTimeOutOfRange,
		"":            buffer.ErrMissingID,
	}
	if len(rep.Rejected) != len(want) {
		t.Fatalf("Rejected: want %d, got %d (%+v)", len(want), len(rep.Rejected), rep.Rejected)
	}
	for _, r := range rep.Rejected {
		if !errors.Is(r.Err, want[r.MessageID]) {
			t.Errorf("%q: want %v, got %v", r.MessageID, want[r.MessageID], r.Err)
		}
	}
	assertOrder(t, b.DrainSorted(), "ok")
}

func TestBuffer_InputIsNotRetained(t *testing.T) {
	msgs := []types.Message{pending("a", 10)}
	b := buffer.New()
	b.AddMessages(msgs, nil)

	*msgs[0].DeliveryDayTime = 99999
	msgs[0].ID = "mutated"

	got := b.DrainSorted()
	if got[0].Message.ID != "a" || *got[0].Message.DeliveryDayTime != 10 {
		t.Errorf("buffer observed caller mutation: %+v", got[0].Message)
	}
}

func TestBuffer_SequenceIsPerInstance(t *testing.T) {
	b1 := buffer.New()
	b1.AddMessages([]types.Message{pending("a", 1), pending("b", 1)}, nil)
	b2 := buffer.New()
	b2.AddMessages([]types.Message{pending("c", 1)}, nil)

	if got := b2.DrainSorted()[0].Sequence; got != 1 {
		t.Errorf("fresh buffer first sequence: want 1, got %d", got)
	}
}
