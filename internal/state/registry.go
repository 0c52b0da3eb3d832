package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
)

// Registry owns all per-research state, keyed by researchId, with an explicit
// create/cleanup lifecycle. There are no process-wide singletons; the
// orchestration service constructs one Registry and passes it down.
type Registry struct {
	mu        sync.RWMutex
	states    map[string]*State
	retention time.Duration
	logger    *zap.Logger
}

// NewRegistry creates a registry. Finished researches become eligible for
// cleanup once they have been in reporting phase longer than retention.
func NewRegistry(retention time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		states:    make(map[string]*State),
		retention: retention,
		logger:    logger,
	}
}

// Create registers state for a new research. Creating the same researchId
// twice is an error; callers must clean up before reuse.
func (r *Registry) Create(s *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[s.ResearchID]; exists {
		return fmt.Errorf("research %q already registered", s.ResearchID)
	}
	r.states[s.ResearchID] = s
	metrics.ResearchesActive.Set(float64(len(r.states)))
	return nil
}

// Get returns the state for a researchId.
func (r *Registry) Get(researchID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[researchID]
	return s, ok
}

// Delete removes a research's state immediately.
func (r *Registry) Delete(researchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, researchID)
	metrics.ResearchesActive.Set(float64(len(r.states)))
}

// List returns all registered research ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.states))
	for id := range r.states {
		out = append(out, id)
	}
	return out
}

// Sweep removes researches that finished reporting longer ago than the
// retention window. Returns the ids removed.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, s := range r.states {
		if s.Phase != PhaseReporting || len(s.ActiveSteps) != 0 || s.FinishedAt == nil {
			continue
		}
		if now.Sub(*s.FinishedAt) >= r.retention {
			delete(r.states, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		metrics.ResearchesActive.Set(float64(len(r.states)))
		r.logger.Info("Swept archived research state",
			zap.Int("removed", len(removed)),
			zap.Int("remaining", len(r.states)),
		)
	}
	return removed
}

// StartSweeper runs Sweep on an interval until stop is closed.
func (r *Registry) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Sweep(time.Now().UTC())
			}
		}
	}()
}
