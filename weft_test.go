package weft_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weft"
)

func TestFacadeRunSync(t *testing.T) {
	manager, err := weft.NewInMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	mark := weft.OperationFunc(func(ctx context.Context, inputs []weft.ArtifactRef, config map[string]interface{}) ([]weft.ArtifactRef, error) {
		out := make([]weft.ArtifactRef, len(inputs))
		for i, in := range inputs {
			out[i] = in
			out[i].Metadata = map[string]interface{}{"seen": true}
		}
		return out, nil
	})
	require.NoError(t, manager.RegisterOperation("mark", mark, weft.OperationOptions{}))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	graph := &weft.Graph{
		ID:    "facade",
		Nodes: []weft.Node{{ID: "a", Operation: "mark"}, {ID: "b", Operation: "mark"}},
		Edges: []weft.Edge{{ID: "ab", Source: "a", Target: "b"}},
	}
	require.NoError(t, manager.Orchestrator().SaveGraph(ctx, graph))

	record, err := manager.Orchestrator().RunSync(ctx, "facade", []weft.ArtifactRef{{ID: "doc"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, weft.ExecutionStatusCompleted, record.Status)
	require.Len(t, record.OutputArtifacts, 1)
	assert.Equal(t, true, record.OutputArtifacts[0].Metadata["seen"])

	require.NoError(t, manager.UnregisterOperation("mark"))
	err = manager.Orchestrator().SaveGraph(ctx, graph)
	assert.True(t, weft.IsValidation(err), "graph with an unregistered operation is rejected")
}

func TestFacadeErrors(t *testing.T) {
	manager, err := weft.New(context.Background(), nil)
	require.NoError(t, err)

	_, err = manager.Orchestrator().GetGraph(context.Background(), "missing")
	assert.True(t, weft.IsNotFound(err))

	noop := weft.OperationFunc(func(ctx context.Context, inputs []weft.ArtifactRef, config map[string]interface{}) ([]weft.ArtifactRef, error) {
		return inputs, nil
	})
	require.NoError(t, manager.RegisterOperation("x", noop, weft.OperationOptions{}))

	err = manager.Orchestrator().SaveGraph(context.Background(), &weft.Graph{
		ID:    "loop",
		Nodes: []weft.Node{{ID: "a", Operation: "x"}, {ID: "b", Operation: "x"}},
		Edges: []weft.Edge{{ID: "1", Source: "a", Target: "b"}, {ID: "2", Source: "b", Target: "a"}},
	})
	assert.True(t, weft.IsCycle(err))

	var cycleErr *weft.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Nodes)
}
