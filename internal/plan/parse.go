package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParseResult is the tagged outcome of parsing a plan document supplied by the
// planning collaborator. Parse failure is a distinct diagnostic state; the
// engine never substitutes a fabricated default plan on the success path.
type ParseResult struct {
	Plan   *Plan
	Err    error
	Raw    string // offending document excerpt, for diagnostics
}

// OK reports whether parsing produced a usable plan.
func (r ParseResult) OK() bool { return r.Err == nil && r.Plan != nil }

// document is the wire shape of a plan as produced by the planning collaborator.
type document struct {
	ResearchID string `json:"research_id"`
	Query      string `json:"query"`
	Steps      []struct {
		ID                 string   `json:"id"`
		Description        string   `json:"description"`
		AgentType          string   `json:"agent_type"`
		Dependencies       []string `json:"dependencies"`
		EstimatedMinutes   float64  `json:"estimated_duration_minutes"`
		Priority           int      `json:"priority"`
		SuccessCriteria    string   `json:"success_criteria"`
		FallbackStrategies []string `json:"fallback_strategies"`
	} `json:"steps"`
}

const rawExcerptLimit = 512

// Parse decodes and validates a plan document. All validation failures
// (malformed JSON, duplicate ids, unknown dependencies, cycles) surface as
// ParseFailed rather than a placeholder plan.
func Parse(data []byte) ParseResult {
	excerpt := string(data)
	if len(excerpt) > rawExcerptLimit {
		excerpt = excerpt[:rawExcerptLimit]
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return ParseResult{Err: fmt.Errorf("malformed plan document: %w", err), Raw: excerpt}
	}
	if doc.ResearchID == "" {
		return ParseResult{Err: fmt.Errorf("plan document missing research_id"), Raw: excerpt}
	}

	steps := make([]Step, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		priority := s.Priority
		if priority == 0 {
			priority = 3 // unspecified priority lands mid-range
		}
		steps = append(steps, Step{
			ID:                 s.ID,
			Description:        s.Description,
			AgentType:          normalizeAgentType(s.AgentType),
			Dependencies:       s.Dependencies,
			EstimatedDuration:  time.Duration(s.EstimatedMinutes * float64(time.Minute)),
			Priority:           priority,
			SuccessCriteria:    s.SuccessCriteria,
			FallbackStrategies: s.FallbackStrategies,
		})
	}

	p, err := New(doc.ResearchID, doc.Query, steps)
	if err != nil {
		return ParseResult{Err: err, Raw: excerpt}
	}
	return ParseResult{Plan: p}
}

func normalizeAgentType(s string) AgentType {
	switch AgentType(s) {
	case AgentWebResearch, AgentAcademicResearch, AgentNewsResearch, AgentDataAnalysis:
		return AgentType(s)
	case "":
		return AgentGeneric
	default:
		return AgentGeneric
	}
}
