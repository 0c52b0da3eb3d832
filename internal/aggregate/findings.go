package aggregate

import (
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
)

// ConsolidatedFinding is a cluster of findings that make the same claim.
type ConsolidatedFinding struct {
	Claim         string
	Evidence      []string
	Confidence    float64
	Category      agents.FindingCategory
	SourceIndices []int
	SupportCount  int // number of raw findings merged into this cluster
}

// ClusterFindings groups findings whose claims meet the cluster threshold,
// then merges each cluster: the highest-confidence claim becomes primary,
// evidence is deduplicated, category is decided by majority vote, and the
// consensus confidence rewards agreement between confident findings.
func (a *Aggregator) ClusterFindings(findings []agents.Finding) []ConsolidatedFinding {
	var clusters [][]agents.Finding
	for _, f := range findings {
		placed := false
		for i, cluster := range clusters {
			if a.scorer.Similarity(f.Claim, primary(cluster).Claim) >= a.cfg.ClusterThreshold {
				clusters[i] = append(clusters[i], f)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []agents.Finding{f})
		}
	}

	out := make([]ConsolidatedFinding, 0, len(clusters))
	for _, cluster := range clusters {
		metrics.FindingClusters.Observe(float64(len(cluster)))
		out = append(out, a.merge(cluster))
	}
	return out
}

// primary returns the highest-confidence member of a cluster.
func primary(cluster []agents.Finding) agents.Finding {
	best := cluster[0]
	for _, f := range cluster[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	return best
}

func (a *Aggregator) merge(cluster []agents.Finding) ConsolidatedFinding {
	lead := primary(cluster)

	var evidence []string
	seen := map[int]bool{}
	var sourceIndices []int
	for _, f := range cluster {
		if f.Evidence != "" {
			evidence = append(evidence, f.Evidence)
		}
		for _, idx := range f.SourceIndices {
			if !seen[idx] {
				seen[idx] = true
				sourceIndices = append(sourceIndices, idx)
			}
		}
	}
	evidence = similarity.DedupeTexts(a.scorer, evidence, a.cfg.EvidenceRedundancy)

	return ConsolidatedFinding{
		Claim:         lead.Claim,
		Evidence:      evidence,
		Confidence:    consensusConfidence(cluster),
		Category:      majorityCategory(cluster),
		SourceIndices: sourceIndices,
		SupportCount:  len(cluster),
	}
}

// consensusConfidence is the confidence-weighted mean of member confidences
// (Σc² / Σc): several confident findings agreeing score higher than their
// plain average, while low-confidence noise barely moves it.
func consensusConfidence(cluster []agents.Finding) float64 {
	var num, den float64
	for _, f := range cluster {
		num += f.Confidence * f.Confidence
		den += f.Confidence
	}
	if den == 0 {
		return 0
	}
	c := num / den
	if c > 1 {
		c = 1
	}
	return c
}

// majorityCategory picks the most common category; ties resolve to the most
// conservative interpretation in the order factual > analytical > speculative.
func majorityCategory(cluster []agents.Finding) agents.FindingCategory {
	counts := map[agents.FindingCategory]int{}
	for _, f := range cluster {
		counts[f.Category]++
	}
	order := []agents.FindingCategory{agents.CategoryFactual, agents.CategoryAnalytical, agents.CategorySpeculative}
	best := order[0]
	bestCount := -1
	for _, cat := range order {
		if counts[cat] > bestCount {
			best = cat
			bestCount = counts[cat]
		}
	}
	return best
}
