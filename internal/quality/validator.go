// Package quality scores research output across five dimensions and raises
// issues when a dimension falls below its threshold or the evidence shows a
// systematic bias. Scores are advisory: the engine records issues and keeps
// going, it never discards results.
package quality

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// Dimensions are the five quality dimensions, each in [0,1].
type Dimensions struct {
	SourceCredibility float64
	DataConsistency   float64
	CrossValidation   float64
	Recency           float64
	Completeness      float64
}

// Assessment is the validator's verdict on one research's output.
type Assessment struct {
	OverallScore float64
	Dimensions   Dimensions
	Issues       []state.Issue
}

// Validator computes quality assessments.
type Validator struct {
	cfg    config.QualityConfig
	scorer similarity.Scorer
	logger *zap.Logger
}

// NewValidator creates a validator backed by the given similarity scorer.
func NewValidator(cfg config.QualityConfig, scorer similarity.Scorer, logger *zap.Logger) *Validator {
	return &Validator{cfg: cfg, scorer: scorer, logger: logger}
}

// typeWeight discounts a source's self-reported credibility by how much its
// venue type is worth as evidence.
func typeWeight(t agents.SourceType) float64 {
	switch t {
	case agents.SourceAcademic:
		return 0.95
	case agents.SourceGovernment:
		return 0.90
	case agents.SourceStatistical:
		return 0.85
	case agents.SourceNews:
		return 0.75
	case agents.SourceWeb:
		return 0.60
	case agents.SourceSocial:
		return 0.40
	default:
		return 0.50
	}
}

// recencyMultiplier discounts by how long ago the source was accessed.
func recencyMultiplier(accessedAt, now time.Time) float64 {
	age := now.Sub(accessedAt)
	switch {
	case age <= 7*24*time.Hour:
		return 1.0
	case age <= 30*24*time.Hour:
		return 0.9
	case age <= 180*24*time.Hour:
		return 0.7
	case age <= 365*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

// Assess scores the consolidated output against the raw step responses it was
// built from, raising threshold and bias issues. Source-level dimensions use
// the deduplicated pool; finding-level dimensions use the raw extracted
// findings so completeness and cross-validation see what workers actually
// delivered.
func (v *Validator) Assess(c aggregate.Consolidated, responses []agents.TaskResponse, now time.Time) Assessment {
	raw := extractFindings(responses)

	dims := Dimensions{
		SourceCredibility: v.sourceCredibility(c.Sources, now),
		DataConsistency:   v.dataConsistency(raw),
		CrossValidation:   v.crossValidation(raw),
		Recency:           v.recency(c.Sources, now),
		Completeness:      v.completeness(responses),
	}

	overall := dims.SourceCredibility*v.cfg.WeightCredibility +
		dims.DataConsistency*v.cfg.WeightConsistency +
		dims.CrossValidation*v.cfg.WeightCrossValidation +
		dims.Recency*v.cfg.WeightRecency +
		dims.Completeness*v.cfg.WeightCompleteness

	issues := v.thresholdIssues(dims)
	issues = append(issues, v.detectBiases(c)...)

	metrics.QualityScore.Observe(overall)
	for _, issue := range issues {
		metrics.QualityIssues.WithLabelValues(issue.Type, string(issue.Severity)).Inc()
	}

	v.logger.Info("Quality assessment complete",
		zap.Float64("overall", overall),
		zap.Float64("credibility", dims.SourceCredibility),
		zap.Float64("consistency", dims.DataConsistency),
		zap.Float64("cross_validation", dims.CrossValidation),
		zap.Float64("recency", dims.Recency),
		zap.Float64("completeness", dims.Completeness),
		zap.Int("issues", len(issues)),
	)

	return Assessment{OverallScore: overall, Dimensions: dims, Issues: issues}
}

func extractFindings(responses []agents.TaskResponse) []agents.Finding {
	var out []agents.Finding
	for _, r := range responses {
		if r.Result != nil {
			out = append(out, r.Result.Findings...)
		}
	}
	return out
}

// sourceCredibility is the mean per-source score: self-reported credibility
// discounted by venue type and access age.
func (v *Validator) sourceCredibility(sources []agents.SourceCitation, now time.Time) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += typeWeight(s.Type) * recencyMultiplier(s.AccessedAt, now) * s.CredibilityScore
	}
	return sum / float64(len(sources))
}

// dataConsistency is the mean pairwise agreement across all extracted
// findings, mixing claim overlap with confidence alignment. A single finding
// cannot disagree with anything, so it scores 1.
func (v *Validator) dataConsistency(findings []agents.Finding) float64 {
	if len(findings) < 2 {
		return 1.0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(findings); i++ {
		for j := i + 1; j < len(findings); j++ {
			claimSim := v.scorer.Similarity(findings[i].Claim, findings[j].Claim)
			confDiff := findings[i].Confidence - findings[j].Confidence
			if confDiff < 0 {
				confDiff = -confDiff
			}
			sum += 0.7*claimSim + 0.3*(1-confDiff)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// crossValidation rewards findings backed by several independent sources,
// saturating at three sources per finding.
func (v *Validator) crossValidation(findings []agents.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += float64(len(f.SourceIndices))
	}
	mean := sum / float64(len(findings))
	score := mean / 3
	if score > 1 {
		score = 1
	}
	return score
}

func (v *Validator) recency(sources []agents.SourceCitation, now time.Time) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += recencyMultiplier(s.AccessedAt, now)
	}
	return sum / float64(len(sources))
}

// completeness counts present structural elements per step response against
// what a complete response carries: four response-level elements plus claim,
// evidence, and confidence per finding. The dimension is the mean across
// responses.
func (v *Validator) completeness(responses []agents.TaskResponse) float64 {
	if len(responses) == 0 {
		return 0
	}
	var sum float64
	for _, r := range responses {
		sum += responseCompleteness(r)
	}
	return sum / float64(len(responses))
}

func responseCompleteness(r agents.TaskResponse) float64 {
	if r.Result == nil {
		return 0
	}
	expected := 4 + 3*len(r.Result.Findings)
	present := 0
	if len(r.Result.Sources) > 0 {
		present++
	}
	if r.Result.QualityScore > 0 {
		present++
	}
	if r.ProcessingTimeMs > 0 {
		present++
	}
	if len(r.Metadata) > 0 {
		present++
	}
	for _, f := range r.Result.Findings {
		if f.Claim != "" {
			present++
		}
		if f.Evidence != "" {
			present++
		}
		if f.Confidence > 0 {
			present++
		}
	}
	return float64(present) / float64(expected)
}

type thresholdCheck struct {
	dimension   string
	value       float64
	min         float64
	remediation string
}

// thresholdIssues raises one issue per dimension below its configured
// threshold. Falling below half the threshold is a high-severity problem.
func (v *Validator) thresholdIssues(dims Dimensions) []state.Issue {
	checks := []thresholdCheck{
		{"source-credibility", dims.SourceCredibility, v.cfg.MinCredibility,
			"seek academic, government, or statistical sources"},
		{"data-consistency", dims.DataConsistency, v.cfg.MinConsistency,
			"investigate disagreeing findings before reporting"},
		{"cross-validation", dims.CrossValidation, v.cfg.MinCrossValidation,
			"corroborate single-source findings with independent sources"},
		{"recency", dims.Recency, v.cfg.MinRecency,
			"supplement with recently accessed sources"},
		{"completeness", dims.Completeness, v.cfg.MinCompleteness,
			"fill in missing evidence and source links for findings"},
	}

	var issues []state.Issue
	for _, c := range checks {
		if c.value >= c.min {
			continue
		}
		severity := state.SeverityMedium
		if c.value < c.min/2 {
			severity = state.SeverityHigh
		}
		issues = append(issues, state.NewIssue(c.dimension, severity,
			fmt.Sprintf("%s %.2f below threshold %.2f; %s", c.dimension, c.value, c.min, c.remediation)))
	}
	return issues
}
