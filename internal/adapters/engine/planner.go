package engine

import (
	"fmt"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// ExecutionStep is one unit of a plan: a single node, or a group of nodes
// that may run concurrently.
type ExecutionStep struct {
	Index            int           `json:"index"`
	NodeIDs          []string      `json:"node_ids"`
	CanRunInParallel bool          `json:"can_run_in_parallel"`
	EstimatedTime    time.Duration `json:"estimated_time"`
	Dependencies     []string      `json:"dependencies"`
}

type ExecutionPlan struct {
	Steps            []ExecutionStep `json:"steps"`
	CriticalPath     []string        `json:"critical_path"`
	CriticalPathTime time.Duration   `json:"critical_path_time"`
	EstimatedTotal   time.Duration   `json:"estimated_total"`
}

// Summaries returns the persisted outline of the plan.
func (p *ExecutionPlan) Summaries() []domain.StepSummary {
	summaries := make([]domain.StepSummary, 0, len(p.Steps))
	for _, step := range p.Steps {
		summaries = append(summaries, domain.StepSummary{
			NodeIDs:          append([]string(nil), step.NodeIDs...),
			CanRunInParallel: step.CanRunInParallel,
			EstimatedTime:    step.EstimatedTime,
		})
	}
	return summaries
}

// BuildPlan schedules nodes layer by layer. Each round takes every unscheduled
// node whose dependencies are already scheduled, splits that ready set along
// the parallel groups and emits one step per part.
func BuildPlan(nodes []domain.Node, edges []domain.Edge, parallelSafe func(operation string) bool, cost CostFunc) (*ExecutionPlan, error) {
	if cost == nil {
		cost = ConstantCost(domain.DefaultEngineConfig().DefaultNodeCost)
	}

	groups, err := IdentifyParallelGroups(nodes, edges, parallelSafe)
	if err != nil {
		return nil, err
	}

	groupOf := make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			groupOf[id] = i
		}
	}

	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	deps := BuildDependencyMap(nodes, edges)
	scheduled := make(map[string]bool, len(nodes))
	plan := &ExecutionPlan{Steps: []ExecutionStep{}}

	for len(scheduled) < len(nodes) {
		var ready []string
		for _, n := range nodes {
			if scheduled[n.ID] {
				continue
			}
			satisfied := true
			for _, d := range deps[n.ID] {
				if !scheduled[d] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, n.ID)
			}
		}

		if len(ready) == 0 {
			var remaining []string
			for _, n := range nodes {
				if !scheduled[n.ID] {
					remaining = append(remaining, n.ID)
				}
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPlan, &domain.CycleError{Nodes: remaining})
		}

		for _, part := range partitionReadySet(ready, groupOf) {
			plan.Steps = append(plan.Steps, newStep(len(plan.Steps), part, deps, byID, cost))
		}

		for _, id := range ready {
			scheduled[id] = true
		}
	}

	for _, step := range plan.Steps {
		plan.EstimatedTotal += step.EstimatedTime
	}

	path, total, err := CriticalPath(nodes, edges, cost)
	if err != nil {
		return nil, err
	}
	plan.CriticalPath = path
	plan.CriticalPathTime = total

	return plan, nil
}

func partitionReadySet(ready []string, groupOf map[string]int) [][]string {
	var parts [][]string
	partOfGroup := make(map[int]int)

	for _, id := range ready {
		g, grouped := groupOf[id]
		if !grouped {
			parts = append(parts, []string{id})
			continue
		}
		if idx, ok := partOfGroup[g]; ok {
			parts[idx] = append(parts[idx], id)
			continue
		}
		partOfGroup[g] = len(parts)
		parts = append(parts, []string{id})
	}
	return parts
}

func newStep(index int, ids []string, deps map[string][]string, byID map[string]domain.Node, cost CostFunc) ExecutionStep {
	step := ExecutionStep{
		Index:            index,
		NodeIDs:          ids,
		CanRunInParallel: len(ids) > 1,
		Dependencies:     []string{},
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		c := cost(byID[id])
		if step.CanRunInParallel {
			if c > step.EstimatedTime {
				step.EstimatedTime = c
			}
		} else {
			step.EstimatedTime += c
		}

		for _, d := range deps[id] {
			if !seen[d] {
				seen[d] = true
				step.Dependencies = append(step.Dependencies, d)
			}
		}
	}
	return step
}
