package synthesis

import (
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
)

// ValidationStatus is the consensus verdict on a consolidated finding.
type ValidationStatus string

const (
	StatusConfirmed          ValidationStatus = "confirmed"
	StatusPartiallyConfirmed ValidationStatus = "partially-confirmed"
	StatusUnconfirmed        ValidationStatus = "unconfirmed"
	StatusContradicted       ValidationStatus = "contradicted"
)

// ValidatedFinding is a consolidated finding after cross-validation.
type ValidatedFinding struct {
	aggregate.ConsolidatedFinding
	Status             ValidationStatus
	ConsensusLevel     float64
	AdjustedConfidence float64
	Contradicts        string // claim of the opposing finding, when contradicted
}

// Synthesizer cross-validates findings and assembles reports.
type Synthesizer struct {
	cfg    config.SynthesisConfig
	scorer similarity.Scorer
	logger *zap.Logger
}

// NewSynthesizer creates a synthesizer backed by the given similarity scorer.
func NewSynthesizer(cfg config.SynthesisConfig, scorer similarity.Scorer, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{cfg: cfg, scorer: scorer, logger: logger}
}

// CrossValidate scores each consolidated finding against the others. The
// consensus level is the share of relevant sources that support the finding;
// confidence is scaled by it, so an uncorroborated claim loses weight even
// when its own worker was sure of it.
func (s *Synthesizer) CrossValidate(c aggregate.Consolidated) []ValidatedFinding {
	out := make([]ValidatedFinding, 0, len(c.Findings))
	contradicted := 0

	for i, f := range c.Findings {
		supporting := map[int]bool{}
		relevant := map[int]bool{}
		for _, idx := range f.SourceIndices {
			supporting[idx] = true
			relevant[idx] = true
		}

		var against string
		for j, other := range c.Findings {
			if j == i || !comparableScope(s.scorer, f.Claim, other.Claim, s.cfg.ScopeThreshold) {
				continue
			}
			opposed := opposes(f.Claim, other.Claim)
			for _, idx := range other.SourceIndices {
				relevant[idx] = true
				if !opposed {
					supporting[idx] = true
				}
			}
			if opposed && against == "" {
				against = other.Claim
			}
		}

		level := 0.0
		if len(relevant) > 0 {
			level = float64(len(supporting)) / float64(len(relevant))
		}

		status := StatusUnconfirmed
		switch {
		case against != "":
			status = StatusContradicted
			contradicted++
		case level >= s.cfg.ConfirmedLevel:
			status = StatusConfirmed
		case level >= s.cfg.PartiallyConfirmedLevel:
			status = StatusPartiallyConfirmed
		}

		out = append(out, ValidatedFinding{
			ConsolidatedFinding: f,
			Status:              status,
			ConsensusLevel:      level,
			AdjustedConfidence:  f.Confidence * level,
			Contradicts:         against,
		})
	}

	s.logger.Info("Cross-validation complete",
		zap.Int("findings", len(out)),
		zap.Int("contradicted", contradicted),
	)
	return out
}
