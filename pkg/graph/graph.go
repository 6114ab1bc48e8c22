// Package graph holds the pure functions used to plan a workflow run:
// validation, cycle detection, dependency maps and topological ordering.
package graph

import (
	"fmt"
	"sort"

	"github.com/ignatij/genflow/pkg/models"
)

// Validate checks that node ids are unique and non-empty and that every
// edge references existing nodes.
func Validate(nodes []models.Node, edges []models.Edge) error {
	seen := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("node at index %d has an empty id", i)
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("duplicate node id '%s'", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range edges {
		if _, ok := seen[e.Source]; !ok {
			return fmt.Errorf("edge %s -> %s: unknown source node", e.Source, e.Target)
		}
		if _, ok := seen[e.Target]; !ok {
			return fmt.Errorf("edge %s -> %s: unknown target node", e.Source, e.Target)
		}
	}
	return nil
}

// DetectCycles reports whether the directed graph induced by edges has a
// cycle. A self-loop counts as a cycle.
func DetectCycles(nodes []models.Node, edges []models.Edge) bool {
	adj := adjacency(edges)

	// temporary marks nodes on the current DFS path, permanent marks nodes
	// whose descendants are known to be acyclic.
	temporary := make(map[string]bool)
	permanent := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		if permanent[id] {
			return false
		}
		if temporary[id] {
			return true
		}
		temporary[id] = true
		for _, next := range adj[id] {
			if visit(next) {
				return true
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return false
	}

	for _, n := range nodes {
		if visit(n.ID) {
			return true
		}
	}
	// Edges may reference ids missing from nodes; they still take part.
	for _, e := range edges {
		if visit(e.Source) {
			return true
		}
	}
	return false
}

// BuildDependencyMap maps every node with at least one incoming edge to the
// sources of those edges, in edge order. Nodes without dependencies have no
// entry.
func BuildDependencyMap(nodes []models.Node, edges []models.Edge) map[string][]string {
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.ID] = struct{}{}
	}
	deps := make(map[string][]string)
	seen := make(map[models.Edge]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := known[e.Target]; !ok {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}

// TopologicalSort orders node ids so that every edge source precedes its
// target. Among nodes that are ready at the same time the one listed first
// in nodes wins. The graph must be acyclic; call DetectCycles first.
func TopologicalSort(nodes []models.Node, edges []models.Edge) []string {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	inDegree := make([]int, len(nodes))
	out := make([][]int, len(nodes))
	seen := make(map[models.Edge]struct{}, len(edges))
	for _, e := range edges {
		s, okS := index[e.Source]
		t, okT := index[e.Target]
		if !okS || !okT {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out[s] = append(out[s], t)
		inDegree[t]++
	}

	// ready stays sorted by node index
	var ready []int
	push := func(i int) {
		pos := sort.SearchInts(ready, i)
		ready = append(ready, 0)
		copy(ready[pos+1:], ready[pos:])
		ready[pos] = i
	}
	for i := range nodes {
		if inDegree[i] == 0 {
			push(i)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		curr := ready[0]
		ready = ready[1:]
		order = append(order, nodes[curr].ID)
		for _, t := range out[curr] {
			inDegree[t]--
			if inDegree[t] == 0 {
				push(t)
			}
		}
	}
	return order
}

func adjacency(edges []models.Edge) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}
