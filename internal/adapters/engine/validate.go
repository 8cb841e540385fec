package engine

import (
	"github.com/eleven-am/weft/internal/domain"
)

// ValidateGraph runs every check a graph must pass before it can run:
// structural integrity, then acyclicity, then the presence of an entry node.
// A graph without an entry node always contains a cycle, so a pure cycle is
// reported as *domain.CycleError.
func ValidateGraph(graph *domain.Graph, known func(operation string) bool) error {
	if err := graph.ValidateStructure(known); err != nil {
		return err
	}

	if cycle := DetectCycles(graph.Nodes, graph.Edges); len(cycle) > 0 {
		return &domain.CycleError{Nodes: cycle}
	}

	verr := domain.NewValidationError(graph.ID)
	if len(graph.EntryNodes()) == 0 {
		verr.Add("missing entry node")
	}

	for _, e := range graph.Edges {
		if e.Condition == nil || !e.Condition.IsExpression() {
			continue
		}
		if err := CompileCondition(e.Condition); err != nil {
			verr.Add("edge %s: %v", e.ID, err)
		}
	}

	if verr.HasProblems() {
		return verr
	}
	return nil
}
