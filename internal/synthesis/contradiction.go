// Package synthesis cross-validates consolidated findings against each other
// and assembles the final research report. Findings that talk about the same
// thing but pull in opposite directions are flagged as contradicted rather
// than silently averaged away.
package synthesis

import (
	"strings"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
)

// oppositePairs are keyword pairs whose co-occurrence across comparably-scoped
// claims signals a contradiction. Matching is by token prefix so inflected
// forms ("increased", "increases") count.
var oppositePairs = [][2]string{
	{"increase", "decrease"},
	{"positive", "negative"},
	{"effective", "ineffective"},
	{"beneficial", "harmful"},
	{"successful", "unsuccessful"},
}

// negationMarkers flip the polarity of a claim containing a directional
// keyword.
var negationMarkers = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"without": true,
	"cannot":  true,
}

var nonWordReplacer = strings.NewReplacer(
	".", " ", ",", " ", ";", " ", ":", " ", "!", " ", "?", " ",
	"(", " ", ")", " ", "\"", " ", "'", " ", "%", " ",
)

func claimTokens(claim string) []string {
	return strings.Fields(nonWordReplacer.Replace(strings.ToLower(claim)))
}

func hasKeyword(tokens []string, keyword string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, keyword) {
			return true
		}
	}
	return false
}

func negated(tokens []string) bool {
	for _, t := range tokens {
		if negationMarkers[t] {
			return true
		}
	}
	return false
}

// opposes reports whether two claims pull in opposite directions: one side of
// an opposite pair against the other, or the same directional keyword with
// the polarity of exactly one claim flipped by a negation marker.
func opposes(a, b string) bool {
	ta, tb := claimTokens(a), claimTokens(b)
	for _, pair := range oppositePairs {
		// "ineffective" must not register as a negated "effective", so the
		// longer member is tested first.
		x, y := pair[0], pair[1]
		if len(y) > len(x) {
			x, y = y, x
		}
		aX, aY := hasKeyword(ta, x), !hasKeyword(ta, x) && hasKeyword(ta, y)
		bX, bY := hasKeyword(tb, x), !hasKeyword(tb, x) && hasKeyword(tb, y)
		if (aX && bY) || (aY && bX) {
			return true
		}
		if (aX && bX || aY && bY) && negated(ta) != negated(tb) {
			return true
		}
	}
	return false
}

// neutralize strips polarity from a claim: both members of an opposite pair
// collapse to the same token and negation markers disappear, so scope
// comparison sees "prices increased" and "prices did not decrease" as the
// same subject.
func neutralize(claim string) string {
	tokens := claimTokens(claim)
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if negationMarkers[t] {
			continue
		}
		replaced := t
		for _, pair := range oppositePairs {
			x, y := pair[0], pair[1]
			if len(y) > len(x) {
				x, y = y, x
			}
			if strings.HasPrefix(t, x) || strings.HasPrefix(t, y) {
				replaced = pair[0]
				break
			}
		}
		out = append(out, replaced)
	}
	return strings.Join(out, " ")
}

// comparable reports whether two claims are about the same subject once
// polarity is stripped.
func comparableScope(scorer similarity.Scorer, a, b string, threshold float64) bool {
	return scorer.Similarity(neutralize(a), neutralize(b)) >= threshold
}
