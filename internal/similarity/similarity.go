// Package similarity provides the lexical similarity heuristic used for source
// dedup, finding clustering, and contradiction scoping. The heuristic is
// intentionally approximate; it sits behind the Scorer interface so a stronger
// matcher can replace it without touching scheduler or aggregator contracts.
package similarity

import (
	"regexp"
	"strings"
)

// Scorer computes a similarity score in [0,1] between two texts.
type Scorer interface {
	Similarity(a, b string) float64
}

var nonWordPattern = regexp.MustCompile(`[\p{P}\p{S}]+`)

// Jaccard scores texts by token-set overlap. Tokens are lowercase words longer
// than MinTokenLen with punctuation stripped.
type Jaccard struct {
	MinTokenLen int
}

// NewJaccard returns a Jaccard scorer with the default minimum token length.
func NewJaccard() *Jaccard { return &Jaccard{MinTokenLen: 3} }

// Similarity returns |A∩B| / |A∪B| over the token sets of a and b.
func (j *Jaccard) Similarity(a, b string) float64 {
	return jaccard(j.Tokenize(a), j.Tokenize(b))
}

// Tokenize normalizes text into its token set.
func (j *Jaccard) Tokenize(text string) map[string]bool {
	lower := strings.ToLower(text)
	clean := nonWordPattern.ReplaceAllString(lower, " ")
	fields := strings.Fields(clean)
	out := make(map[string]bool, len(fields))
	for _, t := range fields {
		if len(t) >= j.MinTokenLen {
			out[t] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(a)
	for token := range b {
		if a[token] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// DedupeTexts removes entries whose pairwise similarity with an earlier entry
// meets or exceeds threshold, preserving first-seen order.
func DedupeTexts(s Scorer, texts []string, threshold float64) []string {
	var unique []string
	for _, candidate := range texts {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		dup := false
		for _, kept := range unique {
			if s.Similarity(candidate, kept) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			unique = append(unique, candidate)
		}
	}
	return unique
}
