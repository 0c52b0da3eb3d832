// Package progress estimates how far along a research is and when it will
// finish. Per-agent duration estimates are recalibrated against observed
// actuals with an exponential moving average, so a consistently slow worker
// pushes the ETA out instead of surprising the caller at the end.
package progress

import (
	"sync"
	"time"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// Tracker recalibrates duration estimates for one research.
type Tracker struct {
	cfg config.ProgressConfig

	mu     sync.Mutex
	ratios map[plan.AgentType]float64 // EMA of actual/estimated per agent type
}

// NewTracker creates a tracker with no observations yet.
func NewTracker(cfg config.ProgressConfig) *Tracker {
	return &Tracker{cfg: cfg, ratios: make(map[plan.AgentType]float64)}
}

// Observe feeds a completed step's actual duration into the per-agent EMA.
func (t *Tracker) Observe(agentType plan.AgentType, estimated, actual time.Duration) {
	if estimated <= 0 || actual <= 0 {
		return
	}
	ratio := float64(actual) / float64(estimated)

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.ratios[agentType]
	if !seen {
		t.ratios[agentType] = ratio
		return
	}
	alpha := t.cfg.EMAAlpha
	t.ratios[agentType] = alpha*ratio + (1-alpha)*prev
}

// Estimate returns a step's duration estimate recalibrated by what its agent
// type has actually been taking.
func (t *Tracker) Estimate(step plan.Step) time.Duration {
	t.mu.Lock()
	ratio, seen := t.ratios[step.AgentType]
	t.mu.Unlock()
	if !seen {
		return step.EstimatedDuration
	}
	return time.Duration(float64(step.EstimatedDuration) * ratio)
}

// EstimatedTimeRemaining sums recalibrated estimates over pending steps plus
// the unelapsed portion of active steps. Aborted steps cost nothing.
func (t *Tracker) EstimatedTimeRemaining(st *state.State, now time.Time) time.Duration {
	var remaining time.Duration
	for _, step := range st.Plan.Steps() {
		if _, done := st.CompletedSteps[step.ID]; done {
			continue
		}
		if st.AbortedSteps[step.ID] {
			continue
		}
		est := t.Estimate(step)
		if exec, active := st.ActiveSteps[step.ID]; active {
			elapsed := now.Sub(exec.StartedAt)
			if elapsed >= est {
				continue
			}
			est -= elapsed
		}
		remaining += est
	}
	return remaining
}

// Summary produces the progress snapshot with the recalibrated ETA filled in.
func (t *Tracker) Summary(st *state.State, now time.Time) state.Progress {
	p := st.Snapshot()
	p.EstimatedTimeRemaining = t.EstimatedTimeRemaining(st, now)
	return p
}

// AtRiskOfDelay reports whether the recalibrated time remaining eats into the
// configured share of the time left until deadline.
func (t *Tracker) AtRiskOfDelay(st *state.State, deadline, now time.Time) bool {
	remaining := t.EstimatedTimeRemaining(st, now)
	if remaining == 0 {
		return false
	}
	until := deadline.Sub(now)
	if until <= 0 {
		return true
	}
	return float64(remaining) > t.cfg.DelayRiskFactor*float64(until)
}
