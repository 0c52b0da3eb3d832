package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"explicit wrapper", &Failure{Class: ClassDataQuality, Err: errors.New("x")}, ClassDataQuality},
		{"breaker open", circuitbreaker.ErrOpen, ClassAgentUnavailable},
		{"deadline exceeded", context.DeadlineExceeded, ClassTemporary},
		{"http 429", &agents.HTTPError{StatusCode: 429}, ClassRateLimit},
		{"http 401", &agents.HTTPError{StatusCode: 401}, ClassCritical},
		{"http 503", &agents.HTTPError{StatusCode: 503}, ClassAgentUnavailable},
		{"http 422", &agents.HTTPError{StatusCode: 422}, ClassDataQuality},
		{"http 500", &agents.HTTPError{StatusCode: 500}, ClassTemporary},
		{"quota keyword", errors.New("provider quota exceeded"), ClassRateLimit},
		{"auth keyword", errors.New("request unauthorized"), ClassCritical},
		{"malformed keyword", errors.New("malformed response body"), ClassDataQuality},
		{"refused keyword", errors.New("dial tcp: connection refused"), ClassAgentUnavailable},
		{"timeout keyword", errors.New("request timed out"), ClassTemporary},
		{"unclassified", errors.New("segfault in worker"), ClassCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := agents.NewRegistry(zap.NewNop())
	require.NoError(t, reg.LoadRouting([]byte(`
endpoints:
  web-research: http://web:9001
  academic-research: http://academic:9002
  news-research: http://news:9003
  data-analysis: http://data:9004
`)))
	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), zap.NewNop())
	return NewManager(config.Default().Recovery, reg, breakers, zap.NewNop())
}

// tripBreaker drives a breaker past its failure threshold so it opens.
func tripBreaker(b *circuitbreaker.Breaker) {
	for i := 0; i < int(circuitbreaker.DefaultConfig().FailureThreshold); i++ {
		_ = b.Execute(context.Background(), func() error {
			return errors.New("dial tcp: connection refused")
		})
	}
}

func recoveryPlan(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	p, err := plan.New("r1", "q", steps)
	require.NoError(t, err)
	return p
}

func leafStep(id string, priority int, fallbacks ...string) plan.Step {
	return plan.Step{
		ID:                 id,
		Description:        "step " + id,
		AgentType:          plan.AgentWebResearch,
		EstimatedDuration:  time.Minute,
		Priority:           priority,
		FallbackStrategies: fallbacks,
	}
}

func TestMaxRetriesPerClass(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 3, m.MaxRetries(ClassTemporary))
	assert.Equal(t, 5, m.MaxRetries(ClassRateLimit))
	assert.Equal(t, 2, m.MaxRetries(ClassAgentUnavailable))
	assert.Equal(t, 1, m.MaxRetries(ClassDataQuality))
	assert.Equal(t, 0, m.MaxRetries(ClassCritical))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, time.Second, m.BackoffDelay(ClassTemporary, 0))
	assert.Equal(t, 2*time.Second, m.BackoffDelay(ClassTemporary, 1))
	assert.Equal(t, 4*time.Second, m.BackoffDelay(ClassTemporary, 2))
	assert.Equal(t, 30*time.Second, m.BackoffDelay(ClassTemporary, 10))

	assert.Equal(t, 30*time.Second, m.BackoffDelay(ClassRateLimit, 0))
	assert.Equal(t, 60*time.Second, m.BackoffDelay(ClassRateLimit, 1))
	assert.Equal(t, 300*time.Second, m.BackoffDelay(ClassRateLimit, 5))
}

func TestBackoffNonDecreasing(t *testing.T) {
	m := newTestManager(t)
	for _, class := range []FailureClass{ClassTemporary, ClassRateLimit, ClassAgentUnavailable, ClassDataQuality} {
		prev := time.Duration(0)
		for retry := 0; retry < 12; retry++ {
			d := m.BackoffDelay(class, retry)
			assert.GreaterOrEqual(t, d, prev, "class %s retry %d", class, retry)
			prev = d
		}
	}
}

func TestDecideRetriesBelowCeiling(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 3))
	step, _ := p.Step("a")

	for retry := 0; retry < 3; retry++ {
		d := m.Decide(p, step, errors.New("request timed out"), retry, false)
		require.Equal(t, ActionRetry, d.Action, "retry %d", retry)
		assert.Equal(t, ClassTemporary, d.Class)
		assert.Equal(t, m.BackoffDelay(ClassTemporary, retry), d.Delay)
		assert.Equal(t, state.SeverityLow, d.Issue.Severity)
	}
}

func TestDecideAbortsLeafWithoutFallbacks(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 4))
	step, _ := p.Step("a")

	d := m.Decide(p, step, errors.New("request timed out"), 3, false)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, state.SeverityLow, d.Issue.Severity)
	assert.Equal(t, "step-aborted", d.Issue.Type)
}

func TestDecideFallsBackWhenStrategiesDeclared(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 4, "try alternate source"))
	step, _ := p.Step("a")

	d := m.Decide(p, step, errors.New("request timed out"), 3, false)
	require.Equal(t, ActionFallback, d.Action)
	assert.Contains(t, []plan.AgentType{plan.AgentAcademicResearch, plan.AgentNewsResearch}, d.FallbackAgent)
}

func TestDecideFallbackSkipsOpenBreakerEndpoints(t *testing.T) {
	reg := agents.NewRegistry(zap.NewNop())
	require.NoError(t, reg.LoadRouting([]byte(`
endpoints:
  web-research: http://web:9001
  academic-research: http://academic:9002
  news-research: http://news:9003
`)))
	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), zap.NewNop())
	m := NewManager(config.Default().Recovery, reg, breakers, zap.NewNop())

	p := recoveryPlan(t, leafStep("a", 4, "try alternate source"))
	step, _ := p.Step("a")

	// academic-research is first in web-research's fallback order; with its
	// breaker open the decision must land on news-research instead.
	tripBreaker(breakers.For("http://academic:9002"))
	d := m.Decide(p, step, errors.New("request timed out"), 3, false)
	require.Equal(t, ActionFallback, d.Action)
	assert.Equal(t, plan.AgentNewsResearch, d.FallbackAgent)

	// With every alternate's breaker open there is no fallback left.
	tripBreaker(breakers.For("http://news:9003"))
	d = m.Decide(p, step, errors.New("request timed out"), 3, false)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestDecideNoSecondFallback(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 4, "try alternate source"))
	step, _ := p.Step("a")

	d := m.Decide(p, step, errors.New("request timed out"), 3, true)
	assert.NotEqual(t, ActionFallback, d.Action)
}

func TestDecideEscalatesCriticalClassImmediately(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 4, "fallback ignored for critical"))
	step, _ := p.Step("a")

	d := m.Decide(p, step, errors.New("request unauthorized"), 0, false)
	require.Equal(t, ActionEscalate, d.Action)
	assert.Equal(t, state.SeverityCritical, d.Issue.Severity)
}

func TestDecideEscalatesHighPriorityStep(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 1))
	step, _ := p.Step("a")

	d := m.Decide(p, step, errors.New("request timed out"), 3, false)
	require.Equal(t, ActionEscalate, d.Action)
	assert.Equal(t, state.SeverityHigh, d.Issue.Severity)
}

func TestDecideEscalatesStepUnblockingManyDependents(t *testing.T) {
	m := newTestManager(t)
	steps := []plan.Step{leafStep("hub", 4)}
	for i := 0; i < 3; i++ {
		st := leafStep(fmt.Sprintf("d%d", i), 4)
		st.Dependencies = []string{"hub"}
		steps = append(steps, st)
	}
	p := recoveryPlan(t, steps...)
	step, _ := p.Step("hub")

	d := m.Decide(p, step, errors.New("request timed out"), 3, false)
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestEveryDecisionCarriesAnIssue(t *testing.T) {
	m := newTestManager(t)
	p := recoveryPlan(t, leafStep("a", 4, "alt"))
	step, _ := p.Step("a")

	for _, tc := range []struct {
		retry    int
		fallback bool
	}{{0, false}, {3, false}, {3, true}} {
		d := m.Decide(p, step, errors.New("request timed out"), tc.retry, tc.fallback)
		assert.NotEmpty(t, d.Issue.ID)
		assert.NotEmpty(t, d.Issue.Description)
		assert.Equal(t, []string{"a"}, d.Issue.AffectedSteps)
		assert.False(t, d.Issue.CreatedAt.IsZero())
	}
}
