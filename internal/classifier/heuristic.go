package classifier

import (
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

const (
	minHeuristicConfidence = 0.3
	maxHeuristicConfidence = 0.8
	substringWeight        = 0.5
	overlapWeight          = 0.5
	minTokenLen            = 3
)

// Heuristic scores every intention against the customer's messages and returns
// the best one. Score is a substring bonus (the text mentions the intention's
// name, code or description) plus the fraction of the intention's description
// and instruction tokens found in the text. Ties keep catalog order.
func Heuristic(history []store.MessageData, intentions []store.IntentionData) *Classification {
	if len(intentions) == 0 {
		return nil
	}
	text := customerText(history)
	words := tokenSet(text)

	best, bestScore := 0, -1.0
	for i := range intentions {
		s := score(text, words, &intentions[i])
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return &Classification{
		IntentionID: intentions[best].ID,
		Code:        intentions[best].Code,
		Confidence:  clamp(bestScore, minHeuristicConfidence, maxHeuristicConfidence),
		Source:      SourceHeuristic,
	}
}

func score(text string, words map[string]struct{}, in *store.IntentionData) float64 {
	var s float64
	for _, needle := range []string{in.Description, in.Name, in.Code} {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if len(needle) >= minTokenLen && strings.Contains(text, needle) {
			s += substringWeight
			break
		}
	}

	ref := tokenSet(strings.ToLower(in.Description + " " + in.Instructions + " " + in.Name))
	if len(ref) == 0 {
		return s
	}
	hits := 0
	for tok := range ref {
		if _, ok := words[tok]; ok {
			hits++
		}
	}
	return s + overlapWeight*float64(hits)/float64(len(ref))
}

func customerText(history []store.MessageData) string {
	var b strings.Builder
	for _, m := range history {
		if m.Direction == protocol.DirectionOutbound {
			continue
		}
		b.WriteString(strings.ToLower(m.Content))
		b.WriteByte(' ')
	}
	return b.String()
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }) {
		if len([]rune(f)) >= minTokenLen {
			out[strings.ToLower(f)] = struct{}{}
		}
	}
	return out
}
