package graph_test

import (
	"testing"

	"github.com/ignatij/genflow/pkg/graph"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func nodes(ids ...string) []models.Node {
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Node{ID: id, Type: models.ImageGenNodeType})
	}
	return out
}

func edge(s, t string) models.Edge {
	return models.Edge{Source: s, Target: t}
}

func assertValidOrder(t *testing.T, ns []models.Node, es []models.Edge, order []string) {
	t.Helper()
	assert.Len(t, order, len(ns))
	pos := make(map[string]int, len(order))
	for i, id := range order {
		_, dup := pos[id]
		assert.False(t, dup, "node %s appears twice", id)
		pos[id] = i
	}
	for _, n := range ns {
		assert.Contains(t, pos, n.ID)
	}
	for _, e := range es {
		assert.Less(t, pos[e.Source], pos[e.Target], "edge %s -> %s out of order", e.Source, e.Target)
	}
}

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name  string
		nodes []models.Node
		edges []models.Edge
		want  bool
	}{
		{"Empty", nil, nil, false},
		{"SingleNode", nodes("A"), nil, false},
		{"Linear", nodes("A", "B", "C"), []models.Edge{edge("A", "B"), edge("B", "C")}, false},
		{"Diamond", nodes("A", "B", "C", "D"), []models.Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")}, false},
		{"SelfLoop", nodes("A"), []models.Edge{edge("A", "A")}, true},
		{"TwoNodeCycle", nodes("A", "B"), []models.Edge{edge("A", "B"), edge("B", "A")}, true},
		{"CycleBehindDAGPrefix", nodes("A", "B", "C", "D"), []models.Edge{edge("A", "B"), edge("B", "C"), edge("C", "D"), edge("D", "B")}, true},
		{"DisconnectedCycle", nodes("A", "B", "C"), []models.Edge{edge("B", "C"), edge("C", "B")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, graph.DetectCycles(tt.nodes, tt.edges))
		})
	}
}

func TestTopologicalSort(t *testing.T) {
	t.Run("Linear", func(t *testing.T) {
		ns := nodes("A", "B", "C")
		es := []models.Edge{edge("A", "B"), edge("B", "C")}
		assert.Equal(t, []string{"A", "B", "C"}, graph.TopologicalSort(ns, es))
	})

	t.Run("ReverseListedLinear", func(t *testing.T) {
		ns := nodes("C", "B", "A")
		es := []models.Edge{edge("A", "B"), edge("B", "C")}
		assert.Equal(t, []string{"A", "B", "C"}, graph.TopologicalSort(ns, es))
	})

	t.Run("TiesFollowNodeOrder", func(t *testing.T) {
		ns := nodes("img2", "img1", "video")
		es := []models.Edge{edge("img1", "video"), edge("img2", "video")}
		assert.Equal(t, []string{"img2", "img1", "video"}, graph.TopologicalSort(ns, es))
	})

	t.Run("Deterministic", func(t *testing.T) {
		ns := nodes("A", "B", "C", "D", "E")
		es := []models.Edge{edge("A", "C"), edge("B", "C"), edge("C", "D"), edge("A", "E")}
		first := graph.TopologicalSort(ns, es)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, graph.TopologicalSort(ns, es))
		}
		assertValidOrder(t, ns, es, first)
	})

	t.Run("IsolatedNodesIncluded", func(t *testing.T) {
		ns := nodes("A", "B", "lonely")
		es := []models.Edge{edge("A", "B")}
		order := graph.TopologicalSort(ns, es)
		assertValidOrder(t, ns, es, order)
	})

	t.Run("Wide", func(t *testing.T) {
		ns := nodes("p1", "p2", "i1", "i2", "i3", "v1", "v2", "out")
		es := []models.Edge{
			edge("p1", "i1"), edge("p1", "i2"), edge("p2", "i3"),
			edge("i1", "v1"), edge("i2", "v1"), edge("i3", "v2"),
			edge("v1", "out"), edge("v2", "out"), edge("p2", "out"),
		}
		assertValidOrder(t, ns, es, graph.TopologicalSort(ns, es))
	})
}

func TestBuildDependencyMap(t *testing.T) {
	t.Run("Linear", func(t *testing.T) {
		deps := graph.BuildDependencyMap(nodes("A", "B", "C"), []models.Edge{edge("A", "B"), edge("B", "C")})
		assert.Equal(t, map[string][]string{"B": {"A"}, "C": {"B"}}, deps)
		_, ok := deps["A"]
		assert.False(t, ok, "nodes without incoming edges have no entry")
	})

	t.Run("FanInKeepsEdgeOrder", func(t *testing.T) {
		es := []models.Edge{edge("B", "D"), edge("A", "D"), edge("C", "D")}
		deps := graph.BuildDependencyMap(nodes("A", "B", "C", "D"), es)
		assert.Equal(t, []string{"B", "A", "C"}, deps["D"])
	})

	t.Run("DuplicateEdgesCollapsed", func(t *testing.T) {
		es := []models.Edge{edge("A", "B"), edge("A", "B")}
		deps := graph.BuildDependencyMap(nodes("A", "B"), es)
		assert.Equal(t, []string{"A"}, deps["B"])
	})

	t.Run("EveryTargetCovered", func(t *testing.T) {
		ns := nodes("A", "B", "C", "D")
		es := []models.Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")}
		deps := graph.BuildDependencyMap(ns, es)
		for _, e := range es {
			assert.Contains(t, deps[e.Target], e.Source)
		}
		assert.Len(t, deps, 3)
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, graph.Validate(nodes("A", "B"), []models.Edge{edge("A", "B")}))

	err := graph.Validate(nodes("A", "A"), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id 'A'")

	err = graph.Validate(nodes("A"), []models.Edge{edge("A", "ghost")})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target node")

	err = graph.Validate([]models.Node{{ID: ""}}, nil)
	assert.Error(t, err)
}
