// Package engine drives research runs end to end: it owns the per-research
// event loops, applies recovery decisions, and hands completed runs to the
// consolidation pipeline. Each research's state is mutated by exactly one
// goroutine; different researches proceed fully in parallel.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/progress"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/quality"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/recovery"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/scheduler"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/store"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/synthesis"
)

// Options carries per-research execution options.
type Options struct {
	// Deadline, when non-zero, enables delay-risk warnings against it.
	Deadline time.Time
}

// PlanError reports a rejected plan document, carrying the offending excerpt
// for diagnostics. The engine never substitutes a fabricated plan.
type PlanError struct {
	Err error
	Raw string
}

func (e *PlanError) Error() string { return fmt.Sprintf("plan rejected: %v", e.Err) }
func (e *PlanError) Unwrap() error { return e.Err }

// Engine is the orchestration service core.
type Engine struct {
	cfg         *config.Config
	scheduler   *scheduler.Scheduler
	recovery    *recovery.Manager
	aggregator  *aggregate.Aggregator
	validator   *quality.Validator
	synthesizer *synthesis.Synthesizer
	states      *state.Registry
	store       store.Store
	stream      *streaming.Manager
	logger      *zap.Logger

	mu      sync.RWMutex
	runners map[string]*runner
	reports map[string]*synthesis.Report
}

// New wires the engine from its collaborators.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	recov *recovery.Manager,
	agg *aggregate.Aggregator,
	validator *quality.Validator,
	synth *synthesis.Synthesizer,
	states *state.Registry,
	st store.Store,
	stream *streaming.Manager,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		scheduler:   sched,
		recovery:    recov,
		aggregator:  agg,
		validator:   validator,
		synthesizer: synth,
		states:      states,
		store:       st,
		stream:      stream,
		logger:      logger,
		runners:     make(map[string]*runner),
		reports:     make(map[string]*synthesis.Report),
	}
}

// Run routes scheduler completion events to their research's event loop.
// It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.scheduler.Events():
			e.mu.RLock()
			r := e.runners[evt.ResearchID]
			e.mu.RUnlock()
			if r == nil {
				continue // late event for a cleaned-up research
			}
			select {
			case r.events <- evt:
			case <-r.done:
			}
		}
	}
}

// StartResearchJSON parses a plan document from the planning collaborator and
// starts it. Parse failure surfaces as a PlanError, never as a placeholder
// plan.
func (e *Engine) StartResearchJSON(ctx context.Context, doc []byte, opts Options) (string, error) {
	res := plan.Parse(doc)
	if !res.OK() {
		return "", &PlanError{Err: res.Err, Raw: res.Raw}
	}
	return e.StartResearch(ctx, res.Plan, opts)
}

// StartResearch registers a validated plan and starts its event loop.
func (e *Engine) StartResearch(_ context.Context, p *plan.Plan, opts Options) (string, error) {
	st := state.NewState(p.ID, p)
	if err := e.states.Create(st); err != nil {
		return "", err
	}
	r := e.register(st, opts)
	metrics.ResearchesStarted.Inc()
	e.logger.Info("Research started",
		zap.String("research_id", p.ID),
		zap.Int("steps", p.Len()),
	)
	go e.runResearch(r)
	return p.ID, nil
}

// LoadResearch restores a persisted research and resumes it. Steps that were
// in flight when the process died re-enter the frontier as pending.
func (e *Engine) LoadResearch(ctx context.Context, researchID string) (bool, error) {
	e.mu.RLock()
	_, running := e.runners[researchID]
	e.mu.RUnlock()
	if running {
		return true, nil
	}

	rec, found, err := e.store.Load(ctx, researchID)
	if err != nil || !found {
		return false, err
	}
	st, err := rec.Restore()
	if err != nil {
		return false, fmt.Errorf("restore research %s: %w", researchID, err)
	}
	if err := e.states.Create(st); err != nil {
		return false, err
	}
	r := e.register(st, Options{})
	e.logger.Info("Research restored from store", zap.String("research_id", researchID))
	go e.runResearch(r)
	return true, nil
}

func (e *Engine) register(st *state.State, opts Options) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		st:           st,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan scheduler.Event, 16),
		retries:      make(chan string, 16),
		done:         make(chan struct{}),
		tracker:      progress.NewTracker(e.cfg.Progress),
		fallbackUsed: make(map[string]bool),
		deadline:     opts.Deadline,
		startedAt:    time.Now().UTC(),
	}
	e.mu.Lock()
	e.runners[st.ResearchID] = r
	e.mu.Unlock()
	return r
}

// GetResearchState returns a snapshot of a research's state, or not-found.
func (e *Engine) GetResearchState(researchID string) (store.Record, bool) {
	e.mu.RLock()
	r := e.runners[researchID]
	e.mu.RUnlock()
	if r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return store.Snapshot(r.st), true
	}
	st, ok := e.states.Get(researchID)
	if !ok {
		return store.Record{}, false
	}
	return store.Snapshot(st), true
}

// GetProgressSummary returns the live progress snapshot with a recalibrated
// ETA, or not-found.
func (e *Engine) GetProgressSummary(researchID string) (state.Progress, bool) {
	e.mu.RLock()
	r := e.runners[researchID]
	e.mu.RUnlock()
	if r == nil {
		return state.Progress{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracker.Summary(r.st, time.Now().UTC()), true
}

// CancelResearch requests cancellation. Returns false when the research is
// unknown or already finished. No further dispatches or retries occur once
// the signal is set; in-flight steps are marked cancelled at their next
// checkpoint.
func (e *Engine) CancelResearch(researchID string) bool {
	e.mu.RLock()
	r := e.runners[researchID]
	e.mu.RUnlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
	}
	r.cancel()
	return true
}

// Report returns the final report once a research has finished reporting.
func (e *Engine) Report(researchID string) (*synthesis.Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rep, ok := e.reports[researchID]
	return rep, ok
}

// Subscribe attaches a status-event subscriber for a research.
func (e *Engine) Subscribe(researchID string, buffer int) chan streaming.Event {
	return e.stream.Subscribe(researchID, buffer)
}

// Unsubscribe detaches a subscriber.
func (e *Engine) Unsubscribe(researchID string, ch chan streaming.Event) {
	e.stream.Unsubscribe(researchID, ch)
}

// ReplayEvents returns buffered status events with sequence above since.
func (e *Engine) ReplayEvents(researchID string, since uint64) []streaming.Event {
	return e.stream.ReplaySince(researchID, since)
}

// Shutdown cancels every running research and waits for the event loops to
// drain, up to ctx's deadline. Persisted state lets a later process resume.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.RLock()
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.RUnlock()

	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops finished researches past retention from memory. Persisted
// records are left to the store's own expiry.
func (e *Engine) Sweep(now time.Time) []string {
	removed := e.states.Sweep(now)
	if len(removed) == 0 {
		return nil
	}
	e.mu.Lock()
	for _, id := range removed {
		delete(e.runners, id)
		delete(e.reports, id)
	}
	e.mu.Unlock()
	for _, id := range removed {
		e.stream.Drop(id)
	}
	return removed
}

// StartSweeper runs Sweep on an interval until stop is closed.
func (e *Engine) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.Sweep(time.Now().UTC())
			}
		}
	}()
}
