// Package store is the optional persistence hook for research state. When no
// backend is configured, state is memory-only and lost on restart; that is a
// documented degradation, not a defect.
package store

import (
	"context"
	"time"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// Record is the serializable snapshot of one research's state. Active steps
// are deliberately not persisted: an in-flight dispatch cannot survive a
// restart, so restored state re-enters the frontier with those steps pending.
type Record struct {
	ResearchID     string                       `json:"research_id"`
	Query          string                       `json:"query"`
	Steps          []plan.Step                  `json:"steps"`
	Phase          state.Phase                  `json:"phase"`
	CompletedSteps map[string]*state.StepResult `json:"completed_steps,omitempty"`
	AbortedSteps   []string                     `json:"aborted_steps,omitempty"`
	Issues         []state.Issue                `json:"issues,omitempty"`
	RetryCounts    map[string]int               `json:"retry_counts,omitempty"`
	Confidence     float64                      `json:"confidence"`
	Cancelled      bool                         `json:"cancelled"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
	FinishedAt     *time.Time                   `json:"finished_at,omitempty"`
}

// Store persists research state snapshots keyed by researchId.
type Store interface {
	Persist(ctx context.Context, rec Record) error
	Load(ctx context.Context, researchID string) (Record, bool, error)
	Delete(ctx context.Context, researchID string) error
	Close() error
}

// Snapshot converts live state into a persistable record. Maps and slices are
// copied: the record must stay stable while the runner keeps mutating the
// state it was taken from.
func Snapshot(st *state.State) Record {
	rec := Record{
		ResearchID: st.ResearchID,
		Query:      st.Plan.Query,
		Steps:      st.Plan.Steps(),
		Phase:      st.Phase,
		Confidence: st.Confidence,
		Cancelled:  st.Cancelled,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
		FinishedAt: st.FinishedAt,
	}
	if len(st.CompletedSteps) > 0 {
		rec.CompletedSteps = make(map[string]*state.StepResult, len(st.CompletedSteps))
		for id, res := range st.CompletedSteps {
			cp := *res
			rec.CompletedSteps[id] = &cp
		}
	}
	if len(st.RetryCounts) > 0 {
		rec.RetryCounts = make(map[string]int, len(st.RetryCounts))
		for id, n := range st.RetryCounts {
			rec.RetryCounts[id] = n
		}
	}
	if len(st.Issues) > 0 {
		rec.Issues = make([]state.Issue, len(st.Issues))
		copy(rec.Issues, st.Issues)
		for i := range rec.Issues {
			rec.Issues[i].AffectedSteps = append([]string(nil), rec.Issues[i].AffectedSteps...)
		}
	}
	for id := range st.AbortedSteps {
		rec.AbortedSteps = append(rec.AbortedSteps, id)
	}
	return rec
}

// Restore rebuilds live state from a record, re-validating the plan.
func (r Record) Restore() (*state.State, error) {
	p, err := plan.New(r.ResearchID, r.Query, r.Steps)
	if err != nil {
		return nil, err
	}
	st := state.NewState(r.ResearchID, p)
	st.Phase = r.Phase
	if r.CompletedSteps != nil {
		st.CompletedSteps = r.CompletedSteps
	}
	for _, id := range r.AbortedSteps {
		st.AbortedSteps[id] = true
	}
	if r.RetryCounts != nil {
		st.RetryCounts = r.RetryCounts
	}
	st.Issues = r.Issues
	st.Confidence = r.Confidence
	st.Cancelled = r.Cancelled
	st.CreatedAt = r.CreatedAt
	st.UpdatedAt = r.UpdatedAt
	st.FinishedAt = r.FinishedAt
	return st, nil
}
