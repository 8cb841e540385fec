package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownOperations(ops ...string) func(string) bool {
	known := make(map[string]bool, len(ops))
	for _, op := range ops {
		known[op] = true
	}
	return func(op string) bool { return known[op] }
}

func pipeline() *Graph {
	return &Graph{
		ID: "pipeline",
		Nodes: []Node{
			{ID: "split", Operation: "split", Config: map[string]interface{}{"pages": 2}},
			{ID: "ocr", Operation: "ocr"},
			{ID: "merge", Operation: "merge"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "split", Target: "ocr"},
			{ID: "e2", Source: "ocr", Target: "merge"},
		},
	}
}

func TestGraph_ValidateStructure(t *testing.T) {
	known := knownOperations("split", "ocr", "merge")

	tests := []struct {
		name     string
		mutate   func(g *Graph)
		problems []string
	}{
		{name: "valid", mutate: func(g *Graph) {}},
		{
			name:     "empty graph",
			mutate:   func(g *Graph) { g.Nodes = nil; g.Edges = nil },
			problems: []string{"graph has no nodes"},
		},
		{
			name:     "duplicate node",
			mutate:   func(g *Graph) { g.Nodes = append(g.Nodes, Node{ID: "ocr", Operation: "ocr"}) },
			problems: []string{`duplicate node id "ocr"`},
		},
		{
			name:     "unknown operation",
			mutate:   func(g *Graph) { g.Nodes[1].Operation = "translate" },
			problems: []string{`node "ocr" uses unknown operation "translate"`},
		},
		{
			name:   "dangling edge",
			mutate: func(g *Graph) { g.Edges = append(g.Edges, Edge{ID: "e3", Source: "merge", Target: "ghost"}) },
			problems: []string{
				`edge e3 references missing target node "ghost"`,
			},
		},
		{
			name:     "duplicate edge id",
			mutate:   func(g *Graph) { g.Edges[1].ID = "e1" },
			problems: []string{`duplicate edge id "e1"`},
		},
		{
			name: "malformed condition",
			mutate: func(g *Graph) {
				g.Edges[0].Condition = &Condition{Field: "count", Operator: "between", Value: 1}
			},
			problems: []string{"edge e1:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := pipeline()
			tt.mutate(g)

			err := g.ValidateStructure(known)
			if len(tt.problems) == 0 {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, IsValidation(err))
			for _, p := range tt.problems {
				assert.Contains(t, err.Error(), p)
			}
		})
	}
}

func TestGraph_ValidateStructure_IgnoresCycles(t *testing.T) {
	g := &Graph{
		ID:    "loop",
		Nodes: []Node{{ID: "X", Operation: "ocr"}, {ID: "Y", Operation: "ocr"}},
		Edges: []Edge{{ID: "e1", Source: "X", Target: "Y"}, {ID: "e2", Source: "Y", Target: "X"}},
	}
	assert.NoError(t, g.ValidateStructure(knownOperations("ocr")))

	g.Edges = []Edge{{ID: "e1", Source: "X", Target: "Y"}, {ID: "e2", Source: "Y", Target: "Y"}}
	assert.NoError(t, g.ValidateStructure(knownOperations("ocr")), "self loops are left to cycle detection")
}

func TestGraph_Helpers(t *testing.T) {
	g := pipeline()

	assert.Equal(t, []string{"split", "ocr", "merge"}, g.NodeIDs())
	assert.Equal(t, []string{"split"}, g.EntryNodes())
	assert.Equal(t, []string{"merge"}, g.SinkNodes())
	assert.Len(t, g.IncomingEdges("merge"), 1)

	node, ok := g.Node("ocr")
	require.True(t, ok)
	assert.Equal(t, "ocr", node.Operation)

	_, ok = g.Node("missing")
	assert.False(t, ok)
}

func TestGraph_CloneIsDeep(t *testing.T) {
	g := pipeline()
	clone, err := g.Clone()
	require.NoError(t, err)

	clone.Nodes[0].Config["pages"] = 9
	clone.Nodes[1].Status = NodeStatusRunning
	clone.ResetNodes()

	assert.EqualValues(t, 2, g.Nodes[0].Config["pages"])
	assert.Equal(t, NodeStatus(""), g.Nodes[1].Status)
	assert.Equal(t, NodeStatusIdle, clone.Nodes[1].Status)
}
