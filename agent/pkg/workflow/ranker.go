package workflow

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity returns the normalized edit-distance similarity of two strings
// in [0, 1], compared case-insensitively after trimming. Two empty strings
// are identical.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// RankOptions controls few-shot ranking.
type RankOptions struct {
	TopK          int
	MinSimilarity float64
}

// RankExamples scores every candidate against question, drops candidates
// below the threshold, and returns at most TopK examples ordered by
// descending similarity. Ties keep pool order.
func RankExamples(question string, pool []QueryRecord, opts RankOptions) []Example {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	ranked := make([]Example, 0, len(pool))
	for _, rec := range pool {
		score := Similarity(question, rec.Question)
		if score < opts.MinSimilarity {
			continue
		}
		ranked = append(ranked, Example{
			Question:   rec.Question,
			SQL:        rec.SQL,
			Intent:     rec.Intent,
			Similarity: score,
		})
	}

	slices.SortStableFunc(ranked, func(a, b Example) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		default:
			return 0
		}
	})

	if len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}
	return ranked
}
