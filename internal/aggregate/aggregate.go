// Package aggregate consolidates raw step results into a coherent body of
// evidence: sources are deduplicated, findings are clustered into consolidated
// claims, and an overall confidence score is derived for the research.
package aggregate

import (
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
)

// Consolidated is the output of the consolidation pipeline for one research.
// Finding source indices point into Sources.
type Consolidated struct {
	Sources    []agents.SourceCitation
	Findings   []ConsolidatedFinding
	Confidence float64
}

// Aggregator runs the consolidation pipeline. It is stateless and safe for
// concurrent use across researches.
type Aggregator struct {
	cfg    config.AggregatorConfig
	scorer similarity.Scorer
	logger *zap.Logger
}

// New creates an aggregator backed by the given similarity scorer.
func New(cfg config.AggregatorConfig, scorer similarity.Scorer, logger *zap.Logger) *Aggregator {
	return &Aggregator{cfg: cfg, scorer: scorer, logger: logger}
}

// Consolidate merges the results of all completed steps: dedupe sources,
// cluster findings against the deduplicated pool, then score confidence.
// Partial results participate the same as full ones. Each result's finding
// indices refer to that result's own source list; they are remapped onto the
// deduplicated pool here.
func (a *Aggregator) Consolidate(results []*agents.TaskResult) Consolidated {
	var sources []agents.SourceCitation
	var findings []agents.Finding
	var qualityScores []float64
	for _, r := range results {
		if r == nil {
			continue
		}
		base := len(sources)
		sources = append(sources, r.Sources...)
		for _, f := range r.Findings {
			f.SourceIndices = offsetIndices(f.SourceIndices, base, len(r.Sources))
			findings = append(findings, f)
		}
		qualityScores = append(qualityScores, r.QualityScore)
	}

	deduped, remap := a.dedupeSources(sources)
	for i := range findings {
		findings[i].SourceIndices = remapIndices(findings[i].SourceIndices, remap)
	}

	clustered := a.ClusterFindings(findings)
	confidence := a.OverallConfidence(qualityScores, deduped)

	a.logger.Info("Consolidated step results",
		zap.Int("steps", len(results)),
		zap.Int("sources_in", len(sources)),
		zap.Int("sources_out", len(deduped)),
		zap.Int("findings_in", len(findings)),
		zap.Int("clusters", len(clustered)),
		zap.Float64("confidence", confidence),
	)

	return Consolidated{Sources: deduped, Findings: clustered, Confidence: confidence}
}

// offsetIndices shifts a result-local index list onto the concatenated source
// slice, dropping indices that were out of range to begin with.
func offsetIndices(indices []int, base, n int) []int {
	var out []int
	for _, idx := range indices {
		if idx >= 0 && idx < n {
			out = append(out, base+idx)
		}
	}
	return out
}

// remapIndices translates concatenated-slice indices to deduplicated-slice
// indices, dropping duplicates introduced by the merge.
func remapIndices(indices []int, remap []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, idx := range indices {
		mapped := remap[idx]
		if !seen[mapped] {
			seen[mapped] = true
			out = append(out, mapped)
		}
	}
	return out
}
