package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/quality"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/recovery"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/scheduler"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/store"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/synthesis"
)

const waitFor = 5 * time.Second

// fakeClient returns canned responses per step and records which endpoints
// were hit.
type fakeClient struct {
	mu        sync.Mutex
	attempts  map[string]int
	endpoints []string
	respond   func(endpoint string, req agents.TaskRequest, attempt int) (agents.TaskResponse, error)
}

func (f *fakeClient) Execute(_ context.Context, endpoint string, req agents.TaskRequest) (agents.TaskResponse, error) {
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[req.Metadata.StepID]++
	attempt := f.attempts[req.Metadata.StepID]
	f.endpoints = append(f.endpoints, endpoint)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(endpoint, req, attempt)
	}
	return successResponse(req), nil
}

func (f *fakeClient) endpointsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.endpoints))
	copy(out, f.endpoints)
	return out
}

func successResponse(req agents.TaskRequest) agents.TaskResponse {
	return agents.TaskResponse{
		TaskID: req.TaskID,
		Status: agents.TaskSuccess,
		Result: &agents.TaskResult{
			Sources: []agents.SourceCitation{{
				URL:              "https://example.org/" + req.Metadata.StepID,
				Title:            "source for " + req.Metadata.StepID,
				CredibilityScore: 0.8,
				Type:             agents.SourceWeb,
				AccessedAt:       time.Now().UTC(),
			}},
			Findings: []agents.Finding{{
				Claim:         "renewable adoption increased in " + req.Metadata.StepID,
				Evidence:      "dataset shows growth",
				Confidence:    0.8,
				SourceIndices: []int{0},
				Category:      agents.CategoryFactual,
			}},
			QualityScore: 0.8,
		},
		ProcessingTimeMs: 50,
		Metadata:         map[string]interface{}{"model": "test"},
	}
}

func newTestEngine(t *testing.T, client agents.Client) (*Engine, *store.Memory) {
	t.Helper()
	logger := zap.NewNop()

	cfg := config.Default()
	// Fast backoff keeps retry scenarios inside the test deadline.
	cfg.Recovery.BackoffBase = 5 * time.Millisecond
	cfg.Recovery.BackoffCap = 20 * time.Millisecond
	cfg.Recovery.RateLimitBackoffBase = 5 * time.Millisecond
	cfg.Recovery.RateLimitBackoffCap = 20 * time.Millisecond

	reg := agents.NewRegistry(logger)
	require.NoError(t, reg.LoadRouting([]byte(`
endpoints:
  web-research: http://web:9001
  academic-research: http://academic:9002
  news-research: http://news:9003
  data-analysis: http://data:9004
`)))

	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), logger)
	sched := scheduler.New(client, reg, breakers, cfg.Scheduler, logger)
	scorer := similarity.NewJaccard()
	mem := store.NewMemory()

	eng := New(cfg, sched,
		recovery.NewManager(cfg.Recovery, reg, breakers, logger),
		aggregate.New(cfg.Aggregator, scorer, logger),
		quality.NewValidator(cfg.Quality, scorer, logger),
		synthesis.NewSynthesizer(cfg.Synthesis, scorer, logger),
		state.NewRegistry(time.Hour, logger),
		mem, streaming.NewManager(64), logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)
	return eng, mem
}

func testPlan(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	p, err := plan.New("r1", "renewable energy adoption", steps)
	require.NoError(t, err)
	return p
}

func mkStep(id string, priority int, deps ...string) plan.Step {
	return plan.Step{
		ID:                id,
		Description:       "research " + id,
		AgentType:         plan.AgentWebResearch,
		Dependencies:      deps,
		EstimatedDuration: time.Minute,
		Priority:          priority,
	}
}

func waitForReport(t *testing.T, eng *Engine, researchID string) *synthesis.Report {
	t.Helper()
	var rep *synthesis.Report
	require.Eventually(t, func() bool {
		r, ok := eng.Report(researchID)
		rep = r
		return ok
	}, waitFor, 5*time.Millisecond, "research never produced a report")
	return rep
}

func TestResearchRunsToReport(t *testing.T) {
	client := &fakeClient{}
	eng, mem := newTestEngine(t, client)

	p := testPlan(t, mkStep("a", 1), mkStep("b", 2, "a"), mkStep("c", 2, "a"))
	id, err := eng.StartResearch(context.Background(), p, Options{})
	require.NoError(t, err)

	rep := waitForReport(t, eng, id)
	assert.Equal(t, id, rep.ResearchID)
	assert.Equal(t, "renewable energy adoption", rep.Query)
	assert.NotEmpty(t, rep.Findings)
	assert.NotEmpty(t, rep.Sources)
	assert.Greater(t, rep.OverallConfidence, 0.0)

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.Equal(t, state.PhaseReporting, rec.Phase)
	assert.Len(t, rec.CompletedSteps, 3)
	assert.NotNil(t, rec.FinishedAt)

	prog, ok := eng.GetProgressSummary(id)
	require.True(t, ok)
	assert.InDelta(t, 100.0, prog.Percentage, 0.001)

	// The terminal snapshot made it to the store.
	stored, found, err := mem.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.PhaseReporting, stored.Phase)
}

func TestResearchStateQueriesDuringRun(t *testing.T) {
	client := &fakeClient{
		respond: func(_ string, req agents.TaskRequest, attempt int) (agents.TaskResponse, error) {
			if attempt == 1 {
				return agents.TaskResponse{}, errors.New("connection reset by peer")
			}
			return successResponse(req), nil
		},
	}
	eng, _ := newTestEngine(t, client)

	id, err := eng.StartResearch(context.Background(),
		testPlan(t, mkStep("a", 2), mkStep("b", 3, "a"), mkStep("c", 3, "a"), mkStep("d", 3, "b", "c")),
		Options{})
	require.NoError(t, err)

	// Hammer the query API while the runner mutates state underneath; the
	// returned snapshot must stay safe to iterate throughout the run.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rec, ok := eng.GetResearchState(id)
			if !ok {
				continue
			}
			for _, res := range rec.CompletedSteps {
				_ = res.QualityScore
			}
			for _, n := range rec.RetryCounts {
				_ = n
			}
			for _, issue := range rec.Issues {
				_ = len(issue.AffectedSteps)
			}
		}
	}()

	waitForReport(t, eng, id)
	close(stop)
	wg.Wait()

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.Len(t, rec.CompletedSteps, 4)
	assert.NotEmpty(t, rec.Issues)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{
		respond: func(_ string, req agents.TaskRequest, attempt int) (agents.TaskResponse, error) {
			if req.Metadata.StepID == "a" && attempt == 1 {
				return agents.TaskResponse{}, errors.New("connection reset by peer")
			}
			return successResponse(req), nil
		},
	}
	eng, _ := newTestEngine(t, client)

	id, err := eng.StartResearch(context.Background(), testPlan(t, mkStep("a", 3)), Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.Equal(t, 1, rec.RetryCounts["a"])
	require.NotEmpty(t, rec.Issues)
	assert.Equal(t, "step-retry", rec.Issues[0].Type)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 2, client.attempts["a"])
}

func TestExhaustedStepAbortsAndCascades(t *testing.T) {
	client := &fakeClient{
		respond: func(_ string, req agents.TaskRequest, _ int) (agents.TaskResponse, error) {
			if req.Metadata.StepID == "a" {
				return agents.TaskResponse{}, &recovery.Failure{
					Class: recovery.ClassDataQuality,
					Err:   errors.New("unusable worker output"),
				}
			}
			return successResponse(req), nil
		},
	}
	eng, _ := newTestEngine(t, client)

	// a -> b -> c must all leave the run; d is independent and completes.
	p := testPlan(t, mkStep("a", 3), mkStep("b", 3, "a"), mkStep("c", 3, "b"), mkStep("d", 3))
	id, err := eng.StartResearch(context.Background(), p, Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.AbortedSteps)
	assert.Len(t, rec.CompletedSteps, 1)

	types := map[string]int{}
	for _, issue := range rec.Issues {
		types[issue.Type]++
	}
	assert.Equal(t, 1, types["step-aborted"])
	assert.Equal(t, 2, types["step-dependency-aborted"])
}

func TestFallbackRedispatchesThroughAlternateAgent(t *testing.T) {
	client := &fakeClient{
		respond: func(endpoint string, req agents.TaskRequest, _ int) (agents.TaskResponse, error) {
			if endpoint == "http://web:9001" {
				return agents.TaskResponse{}, &recovery.Failure{
					Class: recovery.ClassDataQuality,
					Err:   errors.New("empty result"),
				}
			}
			return successResponse(req), nil
		},
	}
	eng, _ := newTestEngine(t, client)

	step := mkStep("a", 3)
	step.FallbackStrategies = []string{"alternate-agent"}
	id, err := eng.StartResearch(context.Background(), testPlan(t, step), Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.Len(t, rec.CompletedSteps, 1)
	assert.Empty(t, rec.AbortedSteps)

	assert.Contains(t, client.endpointsSeen(), "http://academic:9002",
		"fallback should route through an alternate research agent")

	var sawFallback bool
	for _, issue := range rec.Issues {
		if issue.Type == "step-fallback" {
			sawFallback = true
		}
	}
	assert.True(t, sawFallback)
}

func TestCriticalFailureEscalatesAndResearchFinishesReduced(t *testing.T) {
	client := &fakeClient{
		respond: func(_ string, req agents.TaskRequest, _ int) (agents.TaskResponse, error) {
			if req.Metadata.StepID == "a" {
				return agents.TaskResponse{}, errors.New("invalid api key")
			}
			return successResponse(req), nil
		},
	}
	eng, _ := newTestEngine(t, client)

	p := testPlan(t, mkStep("a", 3), mkStep("d", 3))
	id, err := eng.StartResearch(context.Background(), p, Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	rec, ok := eng.GetResearchState(id)
	require.True(t, ok)
	assert.Contains(t, rec.AbortedSteps, "a", "escalated step leaves the run")
	assert.Len(t, rec.CompletedSteps, 1)

	var escalated *state.Issue
	for i := range rec.Issues {
		if rec.Issues[i].Type == "step-escalated" {
			escalated = &rec.Issues[i]
		}
	}
	require.NotNil(t, escalated)
	assert.Equal(t, state.SeverityCritical, escalated.Severity)
}

func TestCancelResearchStopsDispatch(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{
		respond: func(_ string, req agents.TaskRequest, _ int) (agents.TaskResponse, error) {
			<-block
			return agents.TaskResponse{TaskID: req.TaskID, Status: agents.TaskCancelled}, nil
		},
	}
	eng, _ := newTestEngine(t, client)

	p := testPlan(t, mkStep("a", 1), mkStep("b", 2, "a"))
	id, err := eng.StartResearch(context.Background(), p, Options{})
	require.NoError(t, err)

	// Wait until step a is actually in flight before cancelling.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.attempts["a"] > 0
	}, waitFor, 5*time.Millisecond)

	require.True(t, eng.CancelResearch(id))
	close(block)

	require.Eventually(t, func() bool {
		rec, ok := eng.GetResearchState(id)
		return ok && rec.Cancelled && rec.FinishedAt != nil
	}, waitFor, 5*time.Millisecond)

	_, hasReport := eng.Report(id)
	assert.False(t, hasReport, "cancelled research produces no report")

	// b never ran: a's completion path was cut off before dispatch.
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.attempts["b"])

	assert.False(t, eng.CancelResearch(id), "second cancel reports already finished")
}

func TestStartResearchJSONRejectsMalformedPlan(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeClient{})

	_, err := eng.StartResearchJSON(context.Background(), []byte(`{"id":"r1","steps":[`), Options{})
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	assert.NotEmpty(t, planErr.Raw)

	_, ok := eng.GetResearchState("r1")
	assert.False(t, ok, "rejected plan must not register a research")
}

func TestLoadResearchResumesFromStore(t *testing.T) {
	client := &fakeClient{}
	eng, mem := newTestEngine(t, client)

	id, err := eng.StartResearch(context.Background(), testPlan(t, mkStep("a", 1)), Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	// A second engine sharing the store picks the research up by id.
	eng2, _ := newTestEngine(t, client)
	swapStore(eng2, mem)
	found, err := eng2.LoadResearch(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	waitForReport(t, eng2, id)

	found, err = eng2.LoadResearch(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

// swapStore points an engine at an existing store, standing in for two
// processes sharing one backend.
func swapStore(e *Engine, s store.Store) { e.store = s }

func TestStreamingEventsCoverLifecycle(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeClient{})

	p := testPlan(t, mkStep("a", 1))
	ch := eng.Subscribe("r1", 64)
	defer eng.Unsubscribe("r1", ch)

	id, err := eng.StartResearch(context.Background(), p, Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	seen := map[streaming.EventType]bool{}
	for _, evt := range eng.ReplayEvents(id, 0) {
		seen[evt.Type] = true
	}
	assert.True(t, seen[streaming.EventPhaseChanged])
	assert.True(t, seen[streaming.EventStepStarted])
	assert.True(t, seen[streaming.EventStepCompleted])
	assert.True(t, seen[streaming.EventFinished])
}

func TestSweepDropsFinishedResearch(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeClient{})
	id, err := eng.StartResearch(context.Background(), testPlan(t, mkStep("a", 1)), Options{})
	require.NoError(t, err)
	waitForReport(t, eng, id)

	removed := eng.Sweep(time.Now().UTC().Add(2 * time.Hour))
	assert.Contains(t, removed, id)

	_, ok := eng.Report(id)
	assert.False(t, ok)
	_, ok = eng.GetResearchState(id)
	assert.False(t, ok)
	assert.Empty(t, eng.ReplayEvents(id, 0))
}
