package graph

import (
	"fmt"

	"github.com/nodelab/conduct/pkg/schema"
)

// Dependency is one incoming edge of a node.
type Dependency struct {
	Source string // node this dependency points at
	When   string // optional branch guard ("true"/"false" or a CEL expression)
}

// DependencyGraph is the in-memory directed acyclic graph built from a
// submitted node/edge payload. Immutable once built; used by the engine to
// compute ready-sets layer by layer.
type DependencyGraph struct {
	Nodes      map[string]*schema.Node // node ID → validated node
	Deps       map[string][]Dependency // node ID → incoming edges
	Dependents map[string][]string     // node ID → nodes that depend on it
	Sorted     []string                // topological order
	Roots      []string                // in-degree zero
	Levels     [][]string              // parallel execution layers
}

// validNodeKinds is the set of executable node kinds.
var validNodeKinds = map[schema.NodeKind]bool{
	schema.KindMaterial:  true,
	schema.KindExecution: true,
	schema.KindCondition: true,
	schema.KindResult:    true,
	schema.KindDefault:   true,
}

// Build validates a submission payload and constructs the executable graph.
// It resolves node kinds, builds adjacency lists, topologically sorts using
// Kahn's algorithm, rejects cycles and dangling edges, and computes parallel
// execution levels.
func Build(payload *schema.GraphPayload) (*DependencyGraph, error) {
	if payload == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph payload is nil")
	}
	if len(payload.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	g := &DependencyGraph{
		Nodes:      make(map[string]*schema.Node, len(payload.Nodes)),
		Deps:       make(map[string][]Dependency, len(payload.Nodes)),
		Dependents: make(map[string][]string, len(payload.Nodes)),
	}

	// First pass: resolve kinds, register nodes, check duplicates.
	for i := range payload.Nodes {
		spec := &payload.Nodes[i]

		if spec.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[spec.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", spec.ID)
		}

		kind := schema.ResolveKind(spec)
		if !validNodeKinds[kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", spec.ID, kind)
		}

		g.Nodes[spec.ID] = &schema.Node{
			ID:     spec.ID,
			Kind:   kind,
			Label:  spec.Data.Label,
			Params: spec.Data.Params,
			Retry:  spec.Data.Retry,
		}
	}

	// Second pass: build adjacency lists and validate edges.
	for i, edge := range payload.Edges {
		if edge.Source == "" || edge.Target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d has empty endpoint", i)
		}
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDanglingEdge, "edge references non-existent source node: %s", edge.Source)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDanglingEdge, "edge references non-existent target node: %s", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s depends on itself", edge.Source)
		}
		for _, dep := range g.Deps[edge.Target] {
			if dep.Source == edge.Source {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"duplicate edge %s -> %s", edge.Source, edge.Target)
			}
		}
		g.Deps[edge.Target] = append(g.Deps[edge.Target], Dependency{Source: edge.Source, When: edge.When})
		g.Dependents[edge.Source] = append(g.Dependents[edge.Source], edge.Target)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Dependents[node]))
		copy(dependents, g.Dependents[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle")
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// StartNodes returns the in-degree-zero nodes in deterministic order.
func (g *DependencyGraph) StartNodes() []string {
	roots := make([]string, len(g.Roots))
	copy(roots, g.Roots)
	return roots
}

// ReadySet returns the nodes all of whose dependencies are in completed,
// excluding nodes already in completed or excluded (failed/skipped).
// Output order is deterministic for equal inputs; callers must not rely on
// any particular ordering beyond that.
func (g *DependencyGraph) ReadySet(completed, excluded map[string]bool) []string {
	var ready []string
	for _, id := range g.Sorted {
		if completed[id] || excluded[id] {
			continue
		}
		ok := true
		for _, dep := range g.Deps[id] {
			if !completed[dep.Source] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Reachable returns every node reachable from start via dependent edges,
// excluding start itself. Used for transitive failure propagation.
func (g *DependencyGraph) Reachable(start string) []string {
	seen := map[string]bool{start: true}
	stack := []string{start}
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.Dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				stack = append(stack, dep)
			}
		}
	}
	sortStrings(out)
	return out
}

// computeLevels groups nodes into parallel execution layers: a node's level
// is one past the deepest of its dependencies.
func computeLevels(g *DependencyGraph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Deps[id] {
			if depth[dep.Source] > maxDep {
				maxDep = depth[dep.Source]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}

// String renders a compact adjacency summary, useful in logs.
func (g *DependencyGraph) String() string {
	return fmt.Sprintf("graph{nodes=%d levels=%d}", len(g.Nodes), len(g.Levels))
}
