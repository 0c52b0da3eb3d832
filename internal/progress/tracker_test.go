package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

func newTestTracker() *Tracker {
	return NewTracker(config.Default().Progress)
}

func step(id string, agentType plan.AgentType, dur time.Duration, deps ...string) plan.Step {
	return plan.Step{
		ID:                id,
		Description:       "step " + id,
		AgentType:         agentType,
		Dependencies:      deps,
		EstimatedDuration: dur,
		Priority:          3,
	}
}

func trackerPlan(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	p, err := plan.New("r1", "q", steps)
	require.NoError(t, err)
	return p
}

func TestObserveRecalibratesWithEMA(t *testing.T) {
	tr := newTestTracker()
	s := step("a", plan.AgentWebResearch, 10*time.Minute)

	assert.Equal(t, 10*time.Minute, tr.Estimate(s), "no observations yet")

	// First observation seeds the ratio: worker took twice the estimate.
	tr.Observe(plan.AgentWebResearch, 10*time.Minute, 20*time.Minute)
	assert.Equal(t, 20*time.Minute, tr.Estimate(s))

	// Second observation at 1x blends in at α=0.3: ratio = 0.3·1 + 0.7·2 = 1.7.
	tr.Observe(plan.AgentWebResearch, 10*time.Minute, 10*time.Minute)
	assert.Equal(t, 17*time.Minute, tr.Estimate(s))

	// Other agent types are untouched.
	assert.Equal(t, 5*time.Minute, tr.Estimate(step("b", plan.AgentDataAnalysis, 5*time.Minute)))
}

func TestObserveIgnoresDegenerateInputs(t *testing.T) {
	tr := newTestTracker()
	tr.Observe(plan.AgentWebResearch, 0, time.Minute)
	tr.Observe(plan.AgentWebResearch, time.Minute, 0)
	assert.Equal(t, 10*time.Minute, tr.Estimate(step("a", plan.AgentWebResearch, 10*time.Minute)))
}

func TestEstimatedTimeRemaining(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	p := trackerPlan(t,
		step("done", plan.AgentWebResearch, 10*time.Minute),
		step("active", plan.AgentWebResearch, 10*time.Minute),
		step("pending", plan.AgentWebResearch, 10*time.Minute),
		step("aborted", plan.AgentWebResearch, 10*time.Minute),
	)
	st := state.NewState("r1", p)
	require.NoError(t, st.MarkActive(&state.StepExecution{StepID: "done", Status: state.StepRunning}))
	require.NoError(t, st.CompleteStep(&state.StepResult{StepID: "done", Status: state.ResultSuccess}))
	st.AbortedSteps["aborted"] = true
	require.NoError(t, st.MarkActive(&state.StepExecution{
		StepID:    "active",
		Status:    state.StepRunning,
		StartedAt: now.Add(-4 * time.Minute),
	}))

	// active has 6 of 10 minutes left, pending contributes its full estimate.
	got := tr.EstimatedTimeRemaining(st, now)
	assert.Equal(t, 16*time.Minute, got)
}

func TestSummaryPercentage(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	p := trackerPlan(t,
		step("a", plan.AgentWebResearch, 10*time.Minute),
		step("b", plan.AgentWebResearch, 10*time.Minute),
		step("c", plan.AgentWebResearch, 10*time.Minute),
		step("d", plan.AgentWebResearch, 10*time.Minute),
	)
	st := state.NewState("r1", p)
	require.NoError(t, st.MarkActive(&state.StepExecution{StepID: "a", Status: state.StepRunning}))
	require.NoError(t, st.CompleteStep(&state.StepResult{StepID: "a", Status: state.ResultSuccess}))
	require.NoError(t, st.MarkActive(&state.StepExecution{StepID: "b", Status: state.StepRunning, StartedAt: now}))

	got := tr.Summary(st, now)
	// (1 completed + 0.5·1 active) / 4 = 37.5%
	assert.Equal(t, 37.5, got.Percentage)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.ActiveCount)
	assert.Equal(t, 4, got.TotalCount)
	assert.Equal(t, 30*time.Minute, got.EstimatedTimeRemaining)
}

func TestAtRiskOfDelay(t *testing.T) {
	tr := newTestTracker()
	now := time.Now().UTC()
	p := trackerPlan(t, step("a", plan.AgentWebResearch, 50*time.Minute))
	st := state.NewState("r1", p)

	// 50m of work against a 60m window: 50 > 0.9·60 = 54 is false.
	assert.False(t, tr.AtRiskOfDelay(st, now.Add(60*time.Minute), now))

	// 50m of work against a 52m window: 50 > 46.8 is true.
	assert.True(t, tr.AtRiskOfDelay(st, now.Add(52*time.Minute), now))

	// Past deadline with work left is always at risk.
	assert.True(t, tr.AtRiskOfDelay(st, now.Add(-time.Minute), now))

	// Nothing left to do: never at risk.
	require.NoError(t, st.MarkActive(&state.StepExecution{StepID: "a", Status: state.StepRunning}))
	require.NoError(t, st.CompleteStep(&state.StepResult{StepID: "a", Status: state.ResultSuccess}))
	assert.False(t, tr.AtRiskOfDelay(st, now.Add(-time.Minute), now))
}
