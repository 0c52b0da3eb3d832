// Package scheduler computes the executable frontier of a research plan and
// dispatches steps to worker agents. Dispatch is fire-and-forget: the call
// returns as soon as the step is marked running, and the worker's response
// arrives later as an Event on the scheduler's channel.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/tracing"
)

// Event is the asynchronous outcome of one dispatched step attempt.
type Event struct {
	ResearchID string
	StepID     string
	AgentType  plan.AgentType
	Endpoint   string
	Response   agents.TaskResponse
	Err        error
	Duration   time.Duration
}

// Scheduler owns dispatch mechanics: routing, rate limiting, circuit breaking,
// and delivery of completion events.
type Scheduler struct {
	client   agents.Client
	registry *agents.Registry
	breakers *circuitbreaker.Group
	cfg      config.SchedulerConfig
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	events chan Event
}

// New creates a scheduler delivering events on a buffered channel.
func New(client agents.Client, registry *agents.Registry, breakers *circuitbreaker.Group, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Scheduler{
		client:   client,
		registry: registry,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		events:   make(chan Event, buffer),
	}
}

// Events returns the channel carrying step completion/failure events.
func (s *Scheduler) Events() <-chan Event { return s.events }

// ExecutableFrontier returns all steps that are not active, completed, or
// aborted and whose full dependency set is already completed.
func (s *Scheduler) ExecutableFrontier(st *state.State) []plan.Step {
	var frontier []plan.Step
	for _, step := range st.Plan.Steps() {
		if _, active := st.ActiveSteps[step.ID]; active {
			continue
		}
		if _, done := st.CompletedSteps[step.ID]; done {
			continue
		}
		if st.AbortedSteps[step.ID] {
			continue
		}
		ready := true
		for _, dep := range step.Dependencies {
			if _, ok := st.CompletedSteps[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			frontier = append(frontier, step)
		}
	}
	return frontier
}

// Prioritize orders frontier steps by (priority asc, dependency count asc,
// estimated duration asc) so that unblocking steps run first.
func (s *Scheduler) Prioritize(steps []plan.Step) []plan.Step {
	out := make([]plan.Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if len(out[i].Dependencies) != len(out[j].Dependencies) {
			return len(out[i].Dependencies) < len(out[j].Dependencies)
		}
		return out[i].EstimatedDuration < out[j].EstimatedDuration
	})
	return out
}

// Deadlocked reports the structural deadlock condition: nothing executable,
// nothing running, work remaining.
func (s *Scheduler) Deadlocked(st *state.State) bool {
	return len(s.ExecutableFrontier(st)) == 0 &&
		len(st.ActiveSteps) == 0 &&
		st.RemainingSteps() > 0
}

// Deadline converts a step's duration estimate to its dispatch deadline,
// applying the configured floor.
func (s *Scheduler) Deadline(step plan.Step) time.Duration {
	d := step.EstimatedDuration
	if d < s.cfg.DeadlineFloor {
		d = s.cfg.DeadlineFloor
	}
	return d
}

// Dispatch sends a step to its worker agent and returns immediately with a
// running execution record. agentOverride, when non-empty, bypasses type
// resolution (used for fallback re-dispatch through an alternate agent).
func (s *Scheduler) Dispatch(ctx context.Context, researchID string, step plan.Step, retryCount int, agentOverride plan.AgentType) (*state.StepExecution, error) {
	agentType := agentOverride
	if agentType == "" {
		agentType = s.registry.ResolveType(step)
	}
	endpoint, ok := s.registry.Endpoint(agentType)
	if !ok {
		return nil, &NoEndpointError{AgentType: agentType}
	}

	deadline := s.Deadline(step)
	req := agents.TaskRequest{
		TaskID:    uuid.New().String(),
		Type:      string(agentType),
		Priority:  step.Priority,
		TimeoutMs: deadline.Milliseconds(),
		Parameters: map[string]interface{}{
			"description":      step.Description,
			"success_criteria": step.SuccessCriteria,
		},
		Metadata: agents.TaskMetadata{StepID: step.ID, ResearchID: researchID},
	}

	exec := &state.StepExecution{
		StepID:        step.ID,
		AssignedAgent: agentType,
		Endpoint:      endpoint,
		Status:        state.StepRunning,
		RetryCount:    retryCount,
		StartedAt:     time.Now().UTC(),
	}

	s.registry.Acquire(agentType)
	metrics.StepsDispatched.WithLabelValues(string(agentType)).Inc()
	metrics.StepsRunning.Inc()

	s.logger.Info("Dispatching step",
		zap.String("research_id", researchID),
		zap.String("step_id", step.ID),
		zap.String("agent_type", string(agentType)),
		zap.Duration("deadline", deadline),
		zap.Int("retry_count", retryCount),
	)

	go s.execute(ctx, researchID, step.ID, agentType, endpoint, deadline, retryCount, req)
	return exec, nil
}

// execute runs on its own goroutine; the worker response (or error) is
// delivered as an Event regardless of outcome.
func (s *Scheduler) execute(ctx context.Context, researchID, stepID string, agentType plan.AgentType, endpoint string, deadline time.Duration, retryCount int, req agents.TaskRequest) {
	started := time.Now()
	ctx, span := tracing.StartStepSpan(ctx, researchID, stepID, string(agentType), retryCount)
	defer span.End()
	defer func() {
		metrics.StepsRunning.Dec()
		s.registry.Release(agentType)
	}()

	var resp agents.TaskResponse
	err := s.limiter(endpoint).Wait(ctx)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		err = s.breakers.For(endpoint).Execute(callCtx, func() error {
			var execErr error
			resp, execErr = s.client.Execute(callCtx, endpoint, req)
			return execErr
		})
		cancel()
	}

	s.events <- Event{
		ResearchID: researchID,
		StepID:     stepID,
		AgentType:  agentType,
		Endpoint:   endpoint,
		Response:   resp,
		Err:        err,
		Duration:   time.Since(started),
	}
}

func (s *Scheduler) limiter(endpoint string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[endpoint]
	if !ok {
		rps := s.cfg.DispatchRPS
		if rps <= 0 {
			rps = 10
		}
		burst := s.cfg.DispatchBurst
		if burst <= 0 {
			burst = 5
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		s.limiters[endpoint] = l
	}
	return l
}

// NoEndpointError indicates no worker endpoint is registered for an agent type.
type NoEndpointError struct {
	AgentType plan.AgentType
}

func (e *NoEndpointError) Error() string {
	return "no worker endpoint registered for agent type " + string(e.AgentType)
}
