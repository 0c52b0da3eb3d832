// Package state holds per-research mutable execution state. Each research's
// state is mutated by exactly one goroutine (the engine's event loop for that
// researchId); the registry only hands out references and handles lifecycle.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
)

// Phase is the research lifecycle phase. Transitions are monotonic; the core
// model never moves backward.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseExecution
	PhaseSynthesis
	PhaseValidation
	PhaseReporting
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseExecution:
		return "execution"
	case PhaseSynthesis:
		return "synthesis"
	case PhaseValidation:
		return "validation"
	case PhaseReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// StepStatus is the lifecycle status of a step execution attempt.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepAborted   StepStatus = "aborted"
)

// StepExecution is one attempt at a step; superseded on retry.
type StepExecution struct {
	StepID        string         `json:"step_id"`
	AssignedAgent plan.AgentType `json:"assigned_agent"`
	Endpoint      string         `json:"endpoint"`
	Status        StepStatus     `json:"status"`
	RetryCount    int            `json:"retry_count"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// ResultStatus classifies a step's research result.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// StepResult is the research output of a completed step.
type StepResult struct {
	StepID         string                  `json:"step_id"`
	Status         ResultStatus            `json:"status"`
	Payload        map[string]interface{}  `json:"payload,omitempty"`
	Sources        []agents.SourceCitation `json:"sources,omitempty"`
	Findings       []agents.Finding        `json:"findings,omitempty"`
	QualityScore   float64                 `json:"quality_score"`
	ProcessingTime time.Duration           `json:"processing_time"`
	Issues         []string                `json:"issues,omitempty"`
	Metadata       map[string]interface{}  `json:"metadata,omitempty"`
}

// IssueSeverity grades an orchestration issue.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// Issue records a recovery action, escalation, or structural problem. No
// failure is ever silently discarded; everything lands here, timestamped.
type Issue struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Severity      IssueSeverity `json:"severity"`
	Description   string        `json:"description"`
	AffectedSteps []string      `json:"affected_steps,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

// NewIssue constructs a timestamped issue with a fresh id.
func NewIssue(issueType string, severity IssueSeverity, description string, steps ...string) Issue {
	return Issue{
		ID:            uuid.New().String(),
		Type:          issueType,
		Severity:      severity,
		Description:   description,
		AffectedSteps: steps,
		CreatedAt:     time.Now().UTC(),
	}
}

// Progress is the aggregate progress snapshot of a research.
type Progress struct {
	CompletedCount         int           `json:"completed_count"`
	ActiveCount            int           `json:"active_count"`
	TotalCount             int           `json:"total_count"`
	Percentage             float64       `json:"percentage"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	OverallConfidence      float64       `json:"overall_confidence"`
}

// State is the full mutable execution state of one research request.
type State struct {
	ResearchID     string
	Plan           *plan.Plan
	Phase          Phase
	ActiveSteps    map[string]*StepExecution
	CompletedSteps map[string]*StepResult
	AbortedSteps   map[string]bool
	Issues         []Issue
	RetryCounts    map[string]int
	Confidence     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
	Cancelled      bool
}

// NewState creates execution state for a freshly planned research.
func NewState(researchID string, p *plan.Plan) *State {
	now := time.Now().UTC()
	return &State{
		ResearchID:     researchID,
		Plan:           p,
		Phase:          PhasePlanning,
		ActiveSteps:    make(map[string]*StepExecution),
		CompletedSteps: make(map[string]*StepResult),
		AbortedSteps:   make(map[string]bool),
		RetryCounts:    make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AdvancePhase moves the research forward. Backward transitions are rejected.
func (s *State) AdvancePhase(next Phase) error {
	if next < s.Phase {
		return fmt.Errorf("phase cannot move backward: %s -> %s", s.Phase, next)
	}
	s.Phase = next
	s.touch()
	return nil
}

// MarkActive records a step as dispatched. A step may never be active and
// completed at the same time, nor dispatched twice concurrently.
func (s *State) MarkActive(exec *StepExecution) error {
	if _, running := s.ActiveSteps[exec.StepID]; running {
		return fmt.Errorf("step %q is already active", exec.StepID)
	}
	if _, done := s.CompletedSteps[exec.StepID]; done {
		return fmt.Errorf("step %q is already completed", exec.StepID)
	}
	s.ActiveSteps[exec.StepID] = exec
	s.touch()
	return nil
}

// CompleteStep moves a step from active to completed with its result.
func (s *State) CompleteStep(result *StepResult) error {
	exec, ok := s.ActiveSteps[result.StepID]
	if !ok {
		return fmt.Errorf("step %q is not active", result.StepID)
	}
	now := time.Now().UTC()
	exec.Status = StepCompleted
	exec.FinishedAt = &now
	delete(s.ActiveSteps, result.StepID)
	s.CompletedSteps[result.StepID] = result
	s.touch()
	return nil
}

// ReleaseStep removes a step from the active set without completing it, e.g.
// ahead of a retry or after an abort decision.
func (s *State) ReleaseStep(stepID string, status StepStatus) {
	if exec, ok := s.ActiveSteps[stepID]; ok {
		now := time.Now().UTC()
		exec.Status = status
		exec.FinishedAt = &now
		delete(s.ActiveSteps, stepID)
	}
	if status == StepAborted {
		s.AbortedSteps[stepID] = true
	}
	s.touch()
}

// AddIssue appends an issue to the research record.
func (s *State) AddIssue(issue Issue) {
	s.Issues = append(s.Issues, issue)
	s.touch()
}

// RemainingSteps counts steps that are neither completed nor aborted.
func (s *State) RemainingSteps() int {
	return s.Plan.Len() - len(s.CompletedSteps) - len(s.AbortedSteps)
}

// Finished reports whether every step has reached a terminal outcome.
func (s *State) Finished() bool {
	return len(s.ActiveSteps) == 0 && s.RemainingSteps() == 0
}

// Snapshot produces a read-only progress view.
func (s *State) Snapshot() Progress {
	total := s.Plan.Len()
	completed := len(s.CompletedSteps) + len(s.AbortedSteps)
	active := len(s.ActiveSteps)
	pct := 0.0
	if total > 0 {
		pct = 100 * (float64(completed) + 0.5*float64(active)) / float64(total)
	}
	if pct > 100 {
		pct = 100
	}
	return Progress{
		CompletedCount:    completed,
		ActiveCount:       active,
		TotalCount:        total,
		Percentage:        pct,
		OverallConfidence: s.Confidence,
	}
}

func (s *State) touch() { s.UpdatedAt = time.Now().UTC() }
