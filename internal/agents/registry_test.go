package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	err := r.LoadRouting([]byte(`
endpoints:
  web-research: http://web-agent:9001
  academic-research: http://academic-agent:9002
  news-research: http://news-agent:9003
  data-analysis: http://data-agent:9004
`))
	require.NoError(t, err)
	return r
}

func TestLoadRoutingRejectsEmptyConfig(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.Error(t, r.LoadRouting([]byte(`keywords: {}`)))
	assert.Error(t, r.LoadRouting([]byte(`{{not yaml`)))
}

func TestEndpointResolution(t *testing.T) {
	r := newTestRegistry(t)
	ep, ok := r.Endpoint(plan.AgentWebResearch)
	require.True(t, ok)
	assert.Equal(t, "http://web-agent:9001", ep)

	_, ok = r.Endpoint("unknown-agent")
	assert.False(t, ok)
}

func TestResolveTypeKeepsDeclaredType(t *testing.T) {
	r := newTestRegistry(t)
	st := plan.Step{AgentType: plan.AgentNewsResearch, Description: "analyze dataset statistics"}
	assert.Equal(t, plan.AgentNewsResearch, r.ResolveType(st))
}

func TestResolveTypeInfersFromDescription(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		description string
		want        plan.AgentType
	}{
		{"review peer-reviewed journal literature on the topic", plan.AgentAcademicResearch},
		{"collect recent news coverage and press announcements", plan.AgentNewsResearch},
		{"analyze the dataset for statistics and trend correlation", plan.AgentDataAnalysis},
		{"do a broad pass", plan.AgentWebResearch},
	}
	for _, tc := range tests {
		got := r.ResolveType(plan.Step{AgentType: plan.AgentGeneric, Description: tc.description})
		assert.Equal(t, tc.want, got, "description: %s", tc.description)
	}
}

func TestFallbacksFollowSubstitutionTable(t *testing.T) {
	r := newTestRegistry(t)
	assert.ElementsMatch(t,
		[]plan.AgentType{plan.AgentAcademicResearch, plan.AgentNewsResearch},
		r.Fallbacks(plan.AgentWebResearch))
	assert.Equal(t, []plan.AgentType{plan.AgentWebResearch}, r.Fallbacks(plan.AgentDataAnalysis))
	assert.Empty(t, r.Fallbacks("unknown-agent"))
}

func TestFallbacksSkipBusyAlternates(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < maxAssignedForFallback; i++ {
		r.Acquire(plan.AgentAcademicResearch)
	}
	assert.Equal(t, []plan.AgentType{plan.AgentNewsResearch}, r.Fallbacks(plan.AgentWebResearch))
}

func TestFallbacksPreferLeastBusyAlternate(t *testing.T) {
	r := newTestRegistry(t)
	r.Acquire(plan.AgentAcademicResearch)
	got := r.Fallbacks(plan.AgentWebResearch)
	require.Len(t, got, 2)
	assert.Equal(t, plan.AgentNewsResearch, got[0])
}

func TestAcquireReleaseNeverGoesNegative(t *testing.T) {
	r := newTestRegistry(t)
	r.Release(plan.AgentWebResearch)
	assert.Equal(t, 0, r.Assigned(plan.AgentWebResearch))

	r.Acquire(plan.AgentWebResearch)
	r.Acquire(plan.AgentWebResearch)
	r.Release(plan.AgentWebResearch)
	assert.Equal(t, 1, r.Assigned(plan.AgentWebResearch))
}
