package recovery

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// Action is the recovery decision for a failed step attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionFallback
	ActionEscalate
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionEscalate:
		return "escalate"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decision is the full recovery verdict, including the traceability issue the
// engine must record. No failure is ever silently discarded.
type Decision struct {
	Action        Action
	Class         FailureClass
	Delay         time.Duration  // backoff before retry (retry only)
	FallbackAgent plan.AgentType // alternate agent (fallback only)
	Issue         state.Issue
}

// Manager applies the fault recovery policy.
type Manager struct {
	cfg      config.RecoveryConfig
	registry *agents.Registry
	breakers *circuitbreaker.Group
	logger   *zap.Logger
}

// NewManager creates a recovery manager. The breaker group is the same one the
// scheduler dispatches through, so fallback selection sees live endpoint health.
func NewManager(cfg config.RecoveryConfig, registry *agents.Registry, breakers *circuitbreaker.Group, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, registry: registry, breakers: breakers, logger: logger}
}

// pickFallback returns the least-loaded alternate agent whose endpoint breaker
// is not open. An open breaker means the alternate is as unavailable as the
// primary; re-dispatching there would waste the step's one fallback.
func (m *Manager) pickFallback(t plan.AgentType) (plan.AgentType, bool) {
	for _, alt := range m.registry.Fallbacks(t) {
		ep, ok := m.registry.Endpoint(alt)
		if !ok {
			continue
		}
		if m.breakers.For(ep).IsOpen() {
			m.logger.Debug("Skipping fallback agent with open breaker",
				zap.String("agent_type", string(alt)),
				zap.String("endpoint", ep),
			)
			continue
		}
		return alt, true
	}
	return "", false
}

// MaxRetries returns the retry ceiling for a failure class.
func (m *Manager) MaxRetries(class FailureClass) int {
	switch class {
	case ClassTemporary:
		return m.cfg.MaxRetriesTemporary
	case ClassRateLimit:
		return m.cfg.MaxRetriesRateLimit
	case ClassAgentUnavailable:
		return m.cfg.MaxRetriesAgentUnavailable
	case ClassDataQuality:
		return m.cfg.MaxRetriesDataQuality
	default:
		return 0
	}
}

// BackoffDelay returns the delay before attempt retryCount+1. The delay
// doubles per attempt from the class's base and is capped at its ceiling, so
// it is non-decreasing in retryCount.
func (m *Manager) BackoffDelay(class FailureClass, retryCount int) time.Duration {
	base := m.cfg.BackoffBase
	cap := m.cfg.BackoffCap
	if class == ClassRateLimit {
		base = m.cfg.RateLimitBackoffBase
		cap = m.cfg.RateLimitBackoffCap
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// onCriticalPath reports whether a step's failure would block a large part of
// the plan: high priority, or it unblocks several dependents.
func (m *Manager) onCriticalPath(p *plan.Plan, step plan.Step) bool {
	if step.Priority <= m.cfg.CriticalPathPriority {
		return true
	}
	return p.DependentCount(step.ID) >= m.cfg.UnblockEscalationCount
}

// Decide maps a classified failure to a recovery action. fallbackUsed marks
// that the step already consumed its one fallback re-dispatch.
func (m *Manager) Decide(p *plan.Plan, step plan.Step, err error, retryCount int, fallbackUsed bool) Decision {
	class := Classify(err)

	if retryCount < m.MaxRetries(class) {
		delay := m.BackoffDelay(class, retryCount)
		metrics.StepRetries.WithLabelValues(class.String()).Inc()
		m.logger.Info("Scheduling step retry",
			zap.String("step_id", step.ID),
			zap.String("class", class.String()),
			zap.Int("retry_count", retryCount),
			zap.Duration("backoff", delay),
		)
		return Decision{
			Action: ActionRetry,
			Class:  class,
			Delay:  delay,
			Issue: state.NewIssue("step-retry", state.SeverityLow,
				fmt.Sprintf("step %s failed (%s); retry %d of %d scheduled: %v",
					step.ID, class, retryCount+1, m.MaxRetries(class), err),
				step.ID),
		}
	}

	// Retries exhausted.
	if !fallbackUsed && class != ClassCritical && len(step.FallbackStrategies) > 0 {
		if alt, ok := m.pickFallback(step.AgentType); ok {
			metrics.RecoveryActions.WithLabelValues("fallback").Inc()
			return Decision{
				Action:        ActionFallback,
				Class:         class,
				FallbackAgent: alt,
				Issue: state.NewIssue("step-fallback", state.SeverityMedium,
					fmt.Sprintf("step %s exhausted retries (%s); re-dispatching through %s",
						step.ID, class, alt),
					step.ID),
			}
		}
	}

	dependents := p.DependentCount(step.ID)
	if class == ClassCritical || m.onCriticalPath(p, step) || dependents > m.cfg.DependentEscalationCount {
		severity := state.SeverityHigh
		if class == ClassCritical {
			severity = state.SeverityCritical
		}
		metrics.RecoveryActions.WithLabelValues("escalate").Inc()
		m.logger.Warn("Escalating failed step",
			zap.String("step_id", step.ID),
			zap.String("class", class.String()),
			zap.Int("dependents", dependents),
		)
		return Decision{
			Action: ActionEscalate,
			Class:  class,
			Issue: state.NewIssue("step-escalated", severity,
				fmt.Sprintf("step %s failed permanently (%s) and needs operator attention: %v",
					step.ID, class, err),
				step.ID),
		}
	}

	metrics.RecoveryActions.WithLabelValues("abort").Inc()
	return Decision{
		Action: ActionAbort,
		Class:  class,
		Issue: state.NewIssue("step-aborted", state.SeverityLow,
			fmt.Sprintf("step %s aborted after exhausting recovery (%s); research continues with reduced scope",
				step.ID, class),
			step.ID),
	}
}
