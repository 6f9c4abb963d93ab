// Package classifier maps message content to an urgency tier.
//
// A Classifier is a pure strategy injected into the schedule buffer. The
// scheduler must stay deterministic and available with no classification
// signal at all, so every implementation in this package obeys two rules:
//
//   - an empty exemplar set always yields types.PriorityUnset;
//   - internal failures (malformed exemplars, panics) degrade to
//     types.PriorityUnset instead of surfacing as errors.
package classifier

import (
	"log/slog"

	"github.com/snehjoshi/dayslot/internal/types"
)

// Classifier assigns a priority to content, optionally guided by exemplars.
// Implementations must not perform I/O or keep mutable state.
type Classifier interface {
	Classify(content string, exemplars []types.Exemplar) types.Priority
}

// Func adapts an ordinary function to the Classifier interface.
type Func func(content string, exemplars []types.Exemplar) types.Priority

// Classify calls f(content, exemplars).
func (f Func) Classify(content string, exemplars []types.Exemplar) types.Priority {
	return f(content, exemplars)
}

// Unset never classifies. It is the default strategy.
type Unset struct{}

// Classify always returns types.PriorityUnset.
func (Unset) Classify(string, []types.Exemplar) types.Priority { return types.PriorityUnset }

// safe guards another Classifier.
type safe struct {
	inner Classifier
	log   *slog.Logger
}

// Safe wraps c so that an empty exemplar set short-circuits to
// PriorityUnset and any panic inside c is recovered as PriorityUnset and
// logged to log (slog.Default when nil). A nil c behaves like Unset.
func Safe(c Classifier, log *slog.Logger) Classifier {
	if c == nil {
		return Unset{}
	}
	if log == nil {
		log = slog.Default()
	}
	if s, ok := c.(safe); ok {
		s.log = log
		return s
	}
	return safe{inner: c, log: log}
}

func (s safe) Classify(content string, exemplars []types.Exemplar) (p types.Priority) {
	if len(exemplars) == 0 {
		return types.PriorityUnset
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("classifier: recovered from panic", "panic", r)
			p = types.PriorityUnset
		}
	}()
	p = s.inner.Classify(content, exemplars)
	switch p {
	case types.PriorityHigh, types.PriorityMedium, types.PriorityLow, types.PriorityUnset:
		return p
	default:
		return types.PriorityUnset
	}
}
