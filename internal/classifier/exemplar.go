package classifier

import (
	"errors"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/snehjoshi/dayslot/internal/types"
)

// DefaultThreshold is the minimum confidence an exemplar match must reach.
const DefaultThreshold = 0.35

// maxTiers is the number of scorable tiers: high, medium, low.
const maxTiers = 3

var errMalformedExemplar = errors.New("classifier: malformed exemplar")

// tierOrder maps a score index to its priority.
var tierOrder = [maxTiers]types.Priority{
	types.PriorityHigh,
	types.PriorityMedium,
	types.PriorityLow,
}

// Exemplar classifies content by lexical similarity to caller-supplied
// exemplar phrases.
//
// For each exemplar the confidence is jaccard(content, exemplar.Text) times
// the exemplar's strongest tier score. The exemplar with the highest
// confidence at or above Threshold wins and its strongest tier is returned.
// Ties keep the earlier exemplar, and within an exemplar the more urgent tier.
type Exemplar struct {
	Threshold float64
}

// NewExemplar returns an Exemplar classifier. A threshold outside (0, 1]
// falls back to DefaultThreshold.
func NewExemplar(threshold float64) *Exemplar {
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	return &Exemplar{Threshold: threshold}
}

// Classify implements Classifier.
func (e *Exemplar) Classify(content string, exemplars []types.Exemplar) types.Priority {
	if len(exemplars) == 0 {
		return types.PriorityUnset
	}
	for _, ex := range exemplars {
		if err := validate(ex); err != nil {
			return types.PriorityUnset
		}
	}

	words := tokens(content)
	if len(words) == 0 {
		return types.PriorityUnset
	}

	best := types.PriorityUnset
	bestConf := 0.0
	for _, ex := range exemplars {
		sim := jaccard(words, tokens(ex.Text))
		if sim == 0 {
			continue
		}
		tier, score := strongest(ex.Scores)
		conf := sim * score
		if conf >= e.Threshold && conf > bestConf {
			best, bestConf = tier, conf
		}
	}
	return best
}

func validate(ex types.Exemplar) error {
	if strings.TrimSpace(ex.Text) == "" || len(ex.Scores) == 0 || len(ex.Scores) > maxTiers {
		return errMalformedExemplar
	}
	for _, s := range ex.Scores {
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
			return errMalformedExemplar
		}
	}
	return nil
}

// strongest returns the tier with the highest score. Earlier (more urgent)
// tiers win ties.
func strongest(scores []float64) (types.Priority, float64) {
	idx := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[idx] {
			idx = i
		}
	}
	return tierOrder[idx], scores[idx]
}

// tokens normalises s (NFKC, Unicode case folding) and returns the set of
// letter/digit runs in it.
func tokens(s string) map[string]struct{} {
	folded := cases.Fold().String(norm.NFKC.String(s))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
