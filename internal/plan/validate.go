package plan

import (
	"fmt"
	"strings"
)

// CycleCheckResult contains the outcome of dependency cycle detection.
type CycleCheckResult struct {
	HasCycle     bool
	CyclePath    []string // step ids involved in the cycle (if found)
	SortedOrder  []string // topological order (if acyclic)
	ErrorMessage string
}

// DetectCycles checks for circular dependencies among steps using Kahn's
// algorithm (topological sort). A cyclic plan would leave the scheduler with a
// permanently empty frontier, so it must be rejected up front.
func DetectCycles(steps []Step) CycleCheckResult {
	if len(steps) == 0 {
		return CycleCheckResult{SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(steps))
	graph := make(map[string][]string, len(steps)) // step -> steps that depend on it
	known := make(map[string]bool, len(steps))

	for _, st := range steps {
		known[st.ID] = true
		if _, exists := inDegree[st.ID]; !exists {
			inDegree[st.ID] = 0
		}
	}

	// If A depends on B, add edge B -> A.
	for _, st := range steps {
		for _, dep := range st.Dependencies {
			if dep == st.ID || !known[dep] {
				// Self and unknown dependencies are reported by plan.New, not here.
				continue
			}
			graph[dep] = append(graph[dep], st.ID)
			inDegree[st.ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}

	sorted := make([]string, 0, len(steps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(known) {
		return CycleCheckResult{SortedOrder: sorted}
	}

	var cycleNodes []string
	for node, degree := range inDegree {
		if degree > 0 {
			cycleNodes = append(cycleNodes, node)
		}
	}
	path := findCyclePath(graph, cycleNodes)

	return CycleCheckResult{
		HasCycle:     true,
		CyclePath:    path,
		ErrorMessage: fmt.Sprintf("circular dependency detected involving steps: %s", strings.Join(path, " -> ")),
	}
}

// findCyclePath walks the residual graph with DFS to surface one concrete cycle.
func findCyclePath(graph map[string][]string, cycleNodes []string) []string {
	if len(cycleNodes) == 0 {
		return nil
	}

	cycleSet := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		cycleSet[n] = true
	}

	var visited map[string]bool
	var dfs func(node string, current []string) []string
	dfs = func(node string, current []string) []string {
		if visited[node] {
			for i, n := range current {
				if n == node {
					return append(current[i:], node)
				}
			}
			return nil
		}
		if !cycleSet[node] {
			return nil
		}
		visited[node] = true
		current = append(current, node)
		for _, next := range graph[node] {
			if cycleSet[next] {
				if result := dfs(next, current); result != nil {
					return result
				}
			}
		}
		return nil
	}

	for _, start := range cycleNodes {
		visited = make(map[string]bool)
		if result := dfs(start, nil); len(result) > 1 {
			return result
		}
	}
	return cycleNodes
}

// ValidateDependencies returns an error if the step graph contains a cycle.
func ValidateDependencies(steps []Step) error {
	result := DetectCycles(steps)
	if result.HasCycle {
		return fmt.Errorf("%s", result.ErrorMessage)
	}
	return nil
}
