package aggregate

import (
	"math"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
)

// OverallConfidence scores the research as a whole: the mean step quality,
// boosted when steps produced uniformly good results (low quality spread) and
// when the evidence draws on diverse source types. The result is clamped to
// [0,1].
func (a *Aggregator) OverallConfidence(qualityScores []float64, sources []agents.SourceCitation) float64 {
	if len(qualityScores) == 0 {
		return 0
	}
	var sum float64
	for _, q := range qualityScores {
		sum += q
	}
	base := sum / float64(len(qualityScores))

	consistency := a.cfg.ConsistencyBonusCap - 2*stdev(qualityScores)
	if consistency < 0 {
		consistency = 0
	}

	types := map[agents.SourceType]bool{}
	for _, s := range sources {
		types[s.Type] = true
	}
	diversity := float64(len(types)) / 4
	if diversity > 1 {
		diversity = 1
	}
	diversity *= a.cfg.DiversityBonusCap

	confidence := base * (1 + consistency + diversity)
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
