// Package plan defines the immutable research plan model: a DAG of steps with
// dependencies, priorities, and duration estimates.
package plan

import (
	"fmt"
	"time"
)

// AgentType identifies the class of worker agent a step should run on.
type AgentType string

const (
	AgentWebResearch      AgentType = "web-research"
	AgentAcademicResearch AgentType = "academic-research"
	AgentNewsResearch     AgentType = "news-research"
	AgentDataAnalysis     AgentType = "data-analysis"
	AgentGeneric          AgentType = "generic"
)

// Priority runs from 1 (highest) to 5 (lowest).
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Step is a single unit of research work. Immutable once the plan is built.
type Step struct {
	ID                 string        `json:"id" yaml:"id"`
	Description        string        `json:"description" yaml:"description"`
	AgentType          AgentType     `json:"agent_type" yaml:"agent_type"`
	Dependencies       []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EstimatedDuration  time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	Priority           int           `json:"priority" yaml:"priority"`
	SuccessCriteria    string        `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	FallbackStrategies []string      `json:"fallback_strategies,omitempty" yaml:"fallback_strategies,omitempty"`
}

// Plan is a validated, immutable research plan.
type Plan struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	steps     []Step
	byID      map[string]int
	dependents map[string][]string
}

// New validates the step set (unique ids, known dependencies, acyclic graph,
// priority range) and returns an immutable Plan. A cyclic or malformed plan is
// rejected before execution ever begins.
func New(id, query string, steps []Step) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", id)
	}

	byID := make(map[string]int, len(steps))
	for i, st := range steps {
		if st.ID == "" {
			return nil, fmt.Errorf("plan %s: step %d has empty id", id, i)
		}
		if _, dup := byID[st.ID]; dup {
			return nil, fmt.Errorf("plan %s: duplicate step id %q", id, st.ID)
		}
		if st.Priority < PriorityHighest || st.Priority > PriorityLowest {
			return nil, fmt.Errorf("plan %s: step %q priority %d out of range [1,5]", id, st.ID, st.Priority)
		}
		byID[st.ID] = i
	}

	dependents := make(map[string][]string, len(steps))
	for _, st := range steps {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				return nil, fmt.Errorf("plan %s: step %q depends on itself", id, st.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("plan %s: step %q depends on unknown step %q", id, st.ID, dep)
			}
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	if err := ValidateDependencies(steps); err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}

	cp := make([]Step, len(steps))
	copy(cp, steps)
	return &Plan{ID: id, Query: query, steps: cp, byID: byID, dependents: dependents}, nil
}

// Steps returns a copy of the plan's steps.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	idx, ok := p.byID[id]
	if !ok {
		return Step{}, false
	}
	return p.steps[idx], true
}

// Len returns the total number of steps in the plan.
func (p *Plan) Len() int { return len(p.steps) }

// Dependents returns the ids of steps that directly depend on the given step.
func (p *Plan) Dependents(id string) []string {
	out := make([]string, len(p.dependents[id]))
	copy(out, p.dependents[id])
	return out
}

// DependentCount returns how many steps directly depend on the given step.
func (p *Plan) DependentCount(id string) int { return len(p.dependents[id]) }

// TotalEstimatedDuration sums the estimates of all steps.
func (p *Plan) TotalEstimatedDuration() time.Duration {
	var total time.Duration
	for _, st := range p.steps {
		total += st.EstimatedDuration
	}
	return total
}
