package engine

import (
	"errors"
	"fmt"

	"github.com/heimdalr/dag"

	"github.com/eleven-am/weft/internal/domain"
)

// AncestryIndex answers ancestor queries over a graph using heimdalr/dag,
// which caches ancestor and descendant walks per vertex.
type AncestryIndex struct {
	dag *dag.DAG
}

// NewAncestryIndex builds the index. A cyclic graph fails with
// *domain.CycleError.
func NewAncestryIndex(nodes []domain.Node, edges []domain.Edge) (*AncestryIndex, error) {
	d := dag.NewDAG()

	for _, n := range nodes {
		if err := d.AddVertexByID(n.ID, n.ID); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", n.ID, err)
		}
	}

	deps := BuildDependencyMap(nodes, edges)
	for _, n := range nodes {
		for _, source := range deps[n.ID] {
			err := d.AddEdge(source, n.ID)
			if err == nil {
				continue
			}

			var loopErr dag.EdgeLoopError
			if errors.As(err, &loopErr) {
				return nil, &domain.CycleError{Nodes: DetectCycles(nodes, edges)}
			}
			return nil, fmt.Errorf("failed to add edge from %s to %s: %w", source, n.ID, err)
		}
	}

	return &AncestryIndex{dag: d}, nil
}

// IsAncestor reports whether a path leads from ancestor to id.
func (a *AncestryIndex) IsAncestor(ancestor, id string) bool {
	ancestors, err := a.dag.GetAncestors(id)
	if err != nil {
		return false
	}
	_, ok := ancestors[ancestor]
	return ok
}

// Related reports whether either node is an ancestor of the other.
func (a *AncestryIndex) Related(x, y string) bool {
	return a.IsAncestor(x, y) || a.IsAncestor(y, x)
}

