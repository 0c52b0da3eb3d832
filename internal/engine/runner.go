package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/progress"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/recovery"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/scheduler"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/store"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/tracing"
)

// runner is the single-writer event loop for one research. Only the
// runResearch goroutine mutates r.st; the mutex exists so the query API can
// take consistent read snapshots.
type runner struct {
	st      *state.State
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan scheduler.Event
	retries chan string
	done    chan struct{}

	tracker      *progress.Tracker
	fallbackUsed map[string]bool
	deadline     time.Time
	delayWarned  bool
	startedAt    time.Time
}

func (e *Engine) runResearch(r *runner) {
	defer close(r.done)

	// Step spans started by the scheduler hang off this research span through
	// the runner context. Cancellation still propagates from r.cancel.
	ctx, span := tracing.StartResearchSpan(r.ctx, r.st.ResearchID)
	defer span.End()
	r.ctx = ctx

	r.mu.Lock()
	_ = r.st.AdvancePhase(state.PhaseExecution)
	r.mu.Unlock()
	e.publish(r, streaming.EventPhaseChanged, "executing research plan")
	e.dispatchFrontier(r)
	e.persist(r)

	for {
		r.mu.RLock()
		finished := r.st.Finished()
		deadlocked := !finished && e.scheduler.Deadlocked(r.st)
		r.mu.RUnlock()
		if finished {
			break
		}
		if deadlocked {
			e.failDeadlocked(r)
			return
		}

		select {
		case <-r.ctx.Done():
			e.handleCancel(r)
			return
		case evt := <-r.events:
			e.handleEvent(r, evt)
		case stepID := <-r.retries:
			e.handleRetry(r, stepID)
		}
	}

	e.finish(r)
}

// dispatchFrontier dispatches every executable step in priority order.
func (e *Engine) dispatchFrontier(r *runner) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.RLock()
	frontier := e.scheduler.Prioritize(e.scheduler.ExecutableFrontier(r.st))
	r.mu.RUnlock()

	for _, step := range frontier {
		if r.ctx.Err() != nil {
			return
		}
		exec, err := e.scheduler.Dispatch(r.ctx, r.st.ResearchID, step, 0, "")
		if err != nil {
			e.recoverStep(r, step, err)
			continue
		}
		r.mu.Lock()
		markErr := r.st.MarkActive(exec)
		r.mu.Unlock()
		if markErr != nil {
			e.logger.Error("Dispatch bookkeeping failed",
				zap.String("research_id", r.st.ResearchID),
				zap.String("step_id", step.ID),
				zap.Error(markErr),
			)
			continue
		}
		e.publish(r, streaming.EventStepStarted, "dispatched step "+step.ID)
	}
}

func (e *Engine) handleEvent(r *runner, evt scheduler.Event) {
	step, ok := r.st.Plan.Step(evt.StepID)
	if !ok {
		return
	}
	r.mu.RLock()
	_, active := r.st.ActiveSteps[evt.StepID]
	r.mu.RUnlock()
	if !active {
		return // stale event from an attempt superseded by fallback or abort
	}

	err := evt.Err
	if err == nil {
		switch evt.Response.Status {
		case agents.TaskSuccess:
			e.completeStep(r, step, evt)
			return
		case agents.TaskCancelled:
			if r.ctx.Err() != nil {
				r.mu.Lock()
				r.st.ReleaseStep(step.ID, state.StepCancelled)
				r.mu.Unlock()
				metrics.RecordStepCompletion(string(step.AgentType), string(state.StepCancelled), float64(evt.Duration.Milliseconds()))
				e.persist(r)
				return
			}
			// Worker cancelled without the research being cancelled: recover
			// like any other transient failure so the step stays bounded.
			err = &recovery.Failure{Class: recovery.ClassTemporary, Err: errors.New("worker cancelled task")}
		default:
			msg := evt.Response.Error
			if msg == "" {
				msg = "worker reported failure without detail"
			}
			err = errors.New(msg)
		}
	}
	e.recoverStep(r, step, err)
}

func (e *Engine) completeStep(r *runner, step plan.Step, evt scheduler.Event) {
	result := &state.StepResult{
		StepID:         step.ID,
		Status:         state.ResultSuccess,
		ProcessingTime: evt.Duration,
		Metadata:       evt.Response.Metadata,
	}
	if tr := evt.Response.Result; tr != nil {
		result.Payload = tr.Payload
		result.Sources = tr.Sources
		result.Findings = tr.Findings
		result.QualityScore = tr.QualityScore
		result.Issues = tr.Issues
		if len(tr.Issues) > 0 {
			result.Status = state.ResultPartial
		}
	}

	r.mu.Lock()
	err := r.st.CompleteStep(result)
	r.mu.Unlock()
	if err != nil {
		e.logger.Error("Completion bookkeeping failed",
			zap.String("research_id", r.st.ResearchID),
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
		return
	}

	r.tracker.Observe(step.AgentType, step.EstimatedDuration, evt.Duration)
	metrics.RecordStepCompletion(string(evt.AgentType), string(state.StepCompleted), float64(evt.Duration.Milliseconds()))
	e.logger.Info("Step completed",
		zap.String("research_id", r.st.ResearchID),
		zap.String("step_id", step.ID),
		zap.String("agent_type", string(evt.AgentType)),
		zap.Duration("duration", evt.Duration),
	)
	e.publish(r, streaming.EventStepCompleted, "completed step "+step.ID)
	e.checkDelayRisk(r)
	e.persist(r)
	e.dispatchFrontier(r)
}

// recoverStep applies the recovery policy to a failed attempt. Runs on the
// runner goroutine only.
func (e *Engine) recoverStep(r *runner, step plan.Step, err error) {
	r.mu.RLock()
	retryCount := r.st.RetryCounts[step.ID]
	r.mu.RUnlock()

	decision := e.recovery.Decide(r.st.Plan, step, err, retryCount, r.fallbackUsed[step.ID])

	r.mu.Lock()
	r.st.AddIssue(decision.Issue)
	r.mu.Unlock()
	e.publish(r, streaming.EventIssueRaised, decision.Issue.Description)

	switch decision.Action {
	case recovery.ActionRetry:
		r.mu.Lock()
		r.st.RetryCounts[step.ID] = retryCount + 1
		// The step stays in the active set through the backoff window so the
		// frontier cannot double-dispatch it. When the failed dispatch never
		// produced an execution record, a placeholder holds the slot.
		if exec, ok := r.st.ActiveSteps[step.ID]; ok {
			exec.Status = state.StepFailed
		} else {
			r.st.ActiveSteps[step.ID] = &state.StepExecution{
				StepID:     step.ID,
				Status:     state.StepFailed,
				RetryCount: retryCount,
				StartedAt:  time.Now().UTC(),
			}
		}
		r.mu.Unlock()
		e.publish(r, streaming.EventStepRetrying, "retrying step "+step.ID)
		e.scheduleRetry(r, step.ID, decision.Delay)

	case recovery.ActionFallback:
		r.fallbackUsed[step.ID] = true
		e.redispatch(r, step, decision.FallbackAgent)

	case recovery.ActionEscalate:
		r.mu.Lock()
		r.st.ReleaseStep(step.ID, state.StepFailed)
		// Escalated steps wait on an operator, not the engine; structurally
		// they leave the run so the research can finish with reduced scope.
		r.st.AbortedSteps[step.ID] = true
		r.mu.Unlock()
		metrics.RecordStepCompletion(string(step.AgentType), string(state.StepFailed), 0)
		e.cascadeAbort(r, step.ID)
		e.publish(r, streaming.EventStepAborted, "escalated step "+step.ID)
		e.persist(r)

	case recovery.ActionAbort:
		r.mu.Lock()
		r.st.ReleaseStep(step.ID, state.StepAborted)
		r.mu.Unlock()
		metrics.RecordStepCompletion(string(step.AgentType), string(state.StepAborted), 0)
		e.cascadeAbort(r, step.ID)
		e.publish(r, streaming.EventStepAborted, "aborted step "+step.ID)
		e.persist(r)
	}
}

// scheduleRetry fires the retry after the backoff delay. Cancellation is
// re-checked when the timer fires so a cancelled research never re-dispatches.
func (e *Engine) scheduleRetry(r *runner, stepID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case r.retries <- stepID:
		case <-r.ctx.Done():
		}
	})
}

func (e *Engine) handleRetry(r *runner, stepID string) {
	if r.ctx.Err() != nil {
		return
	}
	step, ok := r.st.Plan.Step(stepID)
	if !ok {
		return
	}
	e.redispatch(r, step, "")
}

// redispatch replaces the step's execution record with a fresh attempt,
// optionally through an alternate agent type.
func (e *Engine) redispatch(r *runner, step plan.Step, override plan.AgentType) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.RLock()
	retryCount := r.st.RetryCounts[step.ID]
	r.mu.RUnlock()

	exec, err := e.scheduler.Dispatch(r.ctx, r.st.ResearchID, step, retryCount, override)
	if err != nil {
		e.recoverStep(r, step, err)
		return
	}
	r.mu.Lock()
	r.st.ActiveSteps[step.ID] = exec
	r.mu.Unlock()
	e.publish(r, streaming.EventStepStarted, "re-dispatched step "+step.ID)
}

// cascadeAbort marks every transitive dependent of a terminal step aborted.
// Each dependent gets its own low-severity issue so the reduced scope is
// visible in the final report.
func (e *Engine) cascadeAbort(r *runner, stepID string) {
	queue := r.st.Plan.Dependents(stepID)
	r.mu.Lock()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := r.st.CompletedSteps[id]; done {
			continue
		}
		if r.st.AbortedSteps[id] {
			continue
		}
		r.st.AbortedSteps[id] = true
		r.st.AddIssue(state.NewIssue("step-dependency-aborted", state.SeverityLow,
			"step "+id+" skipped: dependency "+stepID+" did not complete", id))
		metrics.RecordStepCompletion(string(dependentAgentType(r.st.Plan, id)), string(state.StepAborted), 0)
		queue = append(queue, r.st.Plan.Dependents(id)...)
	}
	r.mu.Unlock()
}

func dependentAgentType(p *plan.Plan, stepID string) plan.AgentType {
	if step, ok := p.Step(stepID); ok {
		return step.AgentType
	}
	return plan.AgentGeneric
}

// checkDelayRisk raises a one-time warning when the recalibrated ETA no
// longer fits the research deadline.
func (e *Engine) checkDelayRisk(r *runner) {
	if r.deadline.IsZero() || r.delayWarned {
		return
	}
	r.mu.RLock()
	atRisk := r.tracker.AtRiskOfDelay(r.st, r.deadline, time.Now().UTC())
	r.mu.RUnlock()
	if !atRisk {
		return
	}
	r.delayWarned = true
	issue := state.NewIssue("delay-risk", state.SeverityMedium,
		"estimated time remaining exceeds the research deadline budget")
	r.mu.Lock()
	r.st.AddIssue(issue)
	r.mu.Unlock()
	e.publish(r, streaming.EventIssueRaised, issue.Description)
}

// handleCancel marks in-flight steps cancelled and closes the research out.
func (e *Engine) handleCancel(r *runner) {
	r.mu.Lock()
	for id := range r.st.ActiveSteps {
		r.st.ReleaseStep(id, state.StepCancelled)
	}
	r.st.Cancelled = true
	_ = r.st.AdvancePhase(state.PhaseReporting)
	now := time.Now().UTC()
	r.st.FinishedAt = &now
	r.mu.Unlock()

	metrics.RecordResearchCompletion("cancelled", time.Since(r.startedAt).Seconds())
	e.logger.Info("Research cancelled", zap.String("research_id", r.st.ResearchID))
	e.publishEvent(r, streaming.EventCancelled, "research cancelled")
	e.persist(r)
}

// failDeadlocked records the structural deadlock and fails the research.
func (e *Engine) failDeadlocked(r *runner) {
	issue := state.NewIssue("research-deadlocked", state.SeverityCritical,
		"no step is executable, none is running, and work remains; research cannot proceed")
	r.mu.Lock()
	r.st.AddIssue(issue)
	_ = r.st.AdvancePhase(state.PhaseReporting)
	now := time.Now().UTC()
	r.st.FinishedAt = &now
	r.mu.Unlock()

	metrics.RecordResearchCompletion("failed", time.Since(r.startedAt).Seconds())
	e.logger.Error("Research deadlocked", zap.String("research_id", r.st.ResearchID))
	e.publish(r, streaming.EventIssueRaised, issue.Description)
	e.publish(r, streaming.EventFinished, "research failed")
	e.persist(r)
}

// finish runs the consolidation pipeline once every step is terminal:
// synthesis, quality validation, cross-validation, then the final report.
func (e *Engine) finish(r *runner) {
	r.mu.Lock()
	_ = r.st.AdvancePhase(state.PhaseSynthesis)
	r.mu.Unlock()
	e.publish(r, streaming.EventPhaseChanged, "consolidating results")

	results, responses := e.collectOutputs(r)
	consolidated := e.aggregator.Consolidate(results)

	r.mu.Lock()
	r.st.Confidence = consolidated.Confidence
	_ = r.st.AdvancePhase(state.PhaseValidation)
	r.mu.Unlock()
	e.publish(r, streaming.EventPhaseChanged, "validating result quality")

	assessment := e.validator.Assess(consolidated, responses, time.Now().UTC())
	r.mu.Lock()
	for _, issue := range assessment.Issues {
		r.st.AddIssue(issue)
	}
	r.mu.Unlock()

	validated := e.synthesizer.CrossValidate(consolidated)

	r.mu.Lock()
	_ = r.st.AdvancePhase(state.PhaseReporting)
	now := time.Now().UTC()
	r.st.FinishedAt = &now
	issues := make([]state.Issue, len(r.st.Issues))
	copy(issues, r.st.Issues)
	r.mu.Unlock()
	e.publish(r, streaming.EventPhaseChanged, "generating report")

	report := e.synthesizer.BuildReport(r.st.ResearchID, r.st.Plan.Query,
		consolidated, validated, assessment.OverallScore, issues)
	e.mu.Lock()
	e.reports[r.st.ResearchID] = &report
	e.mu.Unlock()

	metrics.RecordResearchCompletion("completed", time.Since(r.startedAt).Seconds())
	e.logger.Info("Research finished",
		zap.String("research_id", r.st.ResearchID),
		zap.Float64("confidence", consolidated.Confidence),
		zap.Float64("quality_score", assessment.OverallScore),
		zap.Int("findings", len(validated)),
	)
	e.publish(r, streaming.EventFinished, "research complete")
	e.persist(r)
}

// collectOutputs converts completed step results into the aggregation and
// quality inputs, in plan order for determinism.
func (e *Engine) collectOutputs(r *runner) ([]*agents.TaskResult, []agents.TaskResponse) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*agents.TaskResult
	var responses []agents.TaskResponse
	for _, step := range r.st.Plan.Steps() {
		sr, ok := r.st.CompletedSteps[step.ID]
		if !ok {
			continue
		}
		tr := &agents.TaskResult{
			Payload:      sr.Payload,
			Sources:      sr.Sources,
			Findings:     sr.Findings,
			QualityScore: sr.QualityScore,
			Issues:       sr.Issues,
		}
		results = append(results, tr)
		responses = append(responses, agents.TaskResponse{
			Status:           agents.TaskSuccess,
			Result:           tr,
			ProcessingTimeMs: sr.ProcessingTime.Milliseconds(),
			Metadata:         sr.Metadata,
		})
	}
	return results, responses
}

// publish emits a status event unless the research has been cancelled.
func (e *Engine) publish(r *runner, typ streaming.EventType, activity string) {
	if r.ctx.Err() != nil {
		return
	}
	e.publishEvent(r, typ, activity)
}

func (e *Engine) publishEvent(r *runner, typ streaming.EventType, activity string) {
	r.mu.RLock()
	prog := r.tracker.Summary(r.st, time.Now().UTC())
	phase := r.st.Phase.String()
	issues := make([]state.Issue, len(r.st.Issues))
	copy(issues, r.st.Issues)
	r.mu.RUnlock()

	e.stream.Publish(r.st.ResearchID, streaming.Event{
		Type:                   typ,
		Phase:                  phase,
		Percentage:             prog.Percentage,
		CurrentActivity:        activity,
		EstimatedTimeRemaining: prog.EstimatedTimeRemaining,
		Issues:                 issues,
	})
}

func (e *Engine) persist(r *runner) {
	r.mu.RLock()
	rec := store.Snapshot(r.st)
	r.mu.RUnlock()
	if err := e.store.Persist(context.Background(), rec); err != nil {
		e.logger.Warn("State persistence failed",
			zap.String("research_id", r.st.ResearchID),
			zap.Error(err),
		)
	}
}
