package agents

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/plan"
)

// RoutingConfig is the YAML shape of the agent routing rules file.
type RoutingConfig struct {
	Endpoints map[string]string   `yaml:"endpoints"`          // agent type -> endpoint URL
	Keywords  map[string][]string `yaml:"keywords,omitempty"` // agent type -> inference keywords
}

// fallbackTable is the fixed substitution table used when retries on the
// primary agent type are exhausted. The three research agents are mutual
// fallbacks; data-analysis can only fall back to web research.
var fallbackTable = map[plan.AgentType][]plan.AgentType{
	plan.AgentWebResearch:      {plan.AgentAcademicResearch, plan.AgentNewsResearch},
	plan.AgentAcademicResearch: {plan.AgentWebResearch, plan.AgentNewsResearch},
	plan.AgentNewsResearch:     {plan.AgentWebResearch, plan.AgentAcademicResearch},
	plan.AgentDataAnalysis:     {plan.AgentWebResearch},
}

// defaultKeywords drives agent-type inference over step descriptions when the
// plan declares a generic agent type.
var defaultKeywords = map[plan.AgentType][]string{
	plan.AgentAcademicResearch: {"paper", "study", "journal", "literature", "peer-reviewed", "academic"},
	plan.AgentNewsResearch:     {"news", "headline", "press", "announcement", "breaking", "coverage"},
	plan.AgentDataAnalysis:     {"statistics", "dataset", "numeric", "analyze", "trend", "correlation", "data"},
	plan.AgentWebResearch:      {"web", "search", "online", "website", "overview"},
}

// maxAssignedForFallback caps how busy an alternate agent may be before it is
// skipped during fallback selection.
const maxAssignedForFallback = 3

// Registry maps agent types to worker endpoints and tracks per-type load.
// Routing updates are rare and idempotent, so they use plain last-write-wins
// overwrite under the lock.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[plan.AgentType]string
	keywords  map[plan.AgentType][]string
	assigned  map[plan.AgentType]int
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		endpoints: make(map[plan.AgentType]string),
		keywords:  make(map[plan.AgentType][]string),
		assigned:  make(map[plan.AgentType]int),
		logger:    logger,
	}
}

// LoadRouting replaces the routing table from a YAML document.
func (r *Registry) LoadRouting(data []byte) error {
	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse agent routing config: %w", err)
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("agent routing config has no endpoints")
	}

	endpoints := make(map[plan.AgentType]string, len(cfg.Endpoints))
	for t, ep := range cfg.Endpoints {
		endpoints[plan.AgentType(t)] = ep
	}
	keywords := make(map[plan.AgentType][]string, len(cfg.Keywords))
	for t, kws := range cfg.Keywords {
		keywords[plan.AgentType(t)] = kws
	}

	r.mu.Lock()
	r.endpoints = endpoints
	r.keywords = keywords
	r.mu.Unlock()

	r.logger.Info("Agent routing table loaded", zap.Int("endpoints", len(endpoints)))
	return nil
}

// SetEndpoint registers or overwrites a single endpoint.
func (r *Registry) SetEndpoint(t plan.AgentType, endpoint string) {
	r.mu.Lock()
	r.endpoints[t] = endpoint
	r.mu.Unlock()
}

// Endpoint resolves the worker endpoint for an agent type.
func (r *Registry) Endpoint(t plan.AgentType) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[t]
	return ep, ok
}

// ResolveType maps a step to a concrete agent type, inferring from description
// keywords when the declared type is generic.
func (r *Registry) ResolveType(step plan.Step) plan.AgentType {
	if step.AgentType != plan.AgentGeneric && step.AgentType != "" {
		return step.AgentType
	}
	return r.inferType(step.Description)
}

func (r *Registry) inferType(description string) plan.AgentType {
	desc := strings.ToLower(description)

	r.mu.RLock()
	custom := r.keywords
	r.mu.RUnlock()

	best := plan.AgentWebResearch
	bestScore := 0
	// Deterministic iteration: score against a fixed type order.
	for _, t := range []plan.AgentType{plan.AgentAcademicResearch, plan.AgentNewsResearch, plan.AgentDataAnalysis, plan.AgentWebResearch} {
		kws := custom[t]
		if len(kws) == 0 {
			kws = defaultKeywords[t]
		}
		score := 0
		for _, kw := range kws {
			if strings.Contains(desc, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	return best
}

// Fallbacks returns the substitution candidates for an agent type, ordered by
// current load (least busy first) and filtered to alternates with fewer than
// maxAssignedForFallback steps already assigned. Candidates without a
// registered endpoint are skipped.
func (r *Registry) Fallbacks(t plan.AgentType) []plan.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []plan.AgentType
	for _, alt := range fallbackTable[t] {
		if _, ok := r.endpoints[alt]; !ok {
			continue
		}
		if r.assigned[alt] >= maxAssignedForFallback {
			continue
		}
		out = append(out, alt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.assigned[out[i]] < r.assigned[out[j]]
	})
	return out
}

// Acquire records a step assignment against an agent type.
func (r *Registry) Acquire(t plan.AgentType) {
	r.mu.Lock()
	r.assigned[t]++
	r.mu.Unlock()
}

// Release records completion of a step assigned to an agent type.
func (r *Registry) Release(t plan.AgentType) {
	r.mu.Lock()
	if r.assigned[t] > 0 {
		r.assigned[t]--
	}
	r.mu.Unlock()
}

// Assigned returns the number of steps currently assigned to an agent type.
func (r *Registry) Assigned(t plan.AgentType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assigned[t]
}
