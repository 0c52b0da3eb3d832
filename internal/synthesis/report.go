package synthesis

import (
	"fmt"
	"sort"
	"time"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// Report is the final deliverable of a research run.
type Report struct {
	ResearchID        string                   `json:"research_id"`
	Query             string                   `json:"query"`
	GeneratedAt       time.Time                `json:"generated_at"`
	Findings          []ValidatedFinding       `json:"findings"`
	Sources           []agents.SourceCitation  `json:"sources"`
	OverallConfidence float64                  `json:"overall_confidence"`
	QualityScore      float64                  `json:"quality_score"`
	Caveats           []string                 `json:"caveats,omitempty"`
}

// severityRank orders caveats so operators read the worst first.
var severityRank = map[state.IssueSeverity]int{
	state.SeverityCritical: 0,
	state.SeverityHigh:     1,
	state.SeverityMedium:   2,
	state.SeverityLow:      3,
}

// BuildReport assembles the final report. Every issue the run accumulated --
// recovery actions, aborted steps, quality shortfalls, biases -- becomes a
// caveat, so degraded scope is visible in the deliverable itself.
func (s *Synthesizer) BuildReport(researchID, query string, c aggregate.Consolidated, validated []ValidatedFinding, qualityScore float64, issues []state.Issue) Report {
	ordered := make([]state.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		return severityRank[ordered[i].Severity] < severityRank[ordered[j].Severity]
	})

	caveats := make([]string, 0, len(ordered))
	for _, issue := range ordered {
		caveats = append(caveats, fmt.Sprintf("[%s] %s", issue.Severity, issue.Description))
	}

	return Report{
		ResearchID:        researchID,
		Query:             query,
		GeneratedAt:       time.Now().UTC(),
		Findings:          validated,
		Sources:           c.Sources,
		OverallConfidence: c.Confidence,
		QualityScore:      qualityScore,
		Caveats:           caveats,
	}
}
