package engine

import (
	"sort"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// Analysis bundles everything the analyzer can say about a graph.
type Analysis struct {
	GraphID          string              `json:"graph_id"`
	Acyclic          bool                `json:"acyclic"`
	EntryNodes       []string            `json:"entry_nodes"`
	SinkNodes        []string            `json:"sink_nodes"`
	Dependencies     map[string][]string `json:"dependencies"`
	Cycles           []string            `json:"cycles,omitempty"`
	Order            []string            `json:"order,omitempty"`
	Unreachable      []string            `json:"unreachable,omitempty"`
	ParallelGroups   [][]string          `json:"parallel_groups,omitempty"`
	CriticalPath     []string            `json:"critical_path,omitempty"`
	CriticalPathTime time.Duration       `json:"critical_path_time"`
	Warnings         []string            `json:"warnings,omitempty"`
}

// BuildDependencyMap maps every node to the distinct sources of the edges
// that target it, in edge order. Edges pointing at unknown nodes are ignored.
func BuildDependencyMap(nodes []domain.Node, edges []domain.Edge) map[string][]string {
	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = []string{}
	}

	seen := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		if _, ok := deps[e.Source]; !ok {
			continue
		}
		if _, ok := deps[e.Target]; !ok {
			continue
		}
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}

func buildSuccessorMap(nodes []domain.Node, edges []domain.Edge) map[string][]string {
	deps := BuildDependencyMap(nodes, edges)
	succ := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		succ[n.ID] = []string{}
	}
	for _, n := range nodes {
		for _, d := range deps[n.ID] {
			succ[d] = append(succ[d], n.ID)
		}
	}
	return succ
}

func nodeIndex(nodes []domain.Node) map[string]int {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	return index
}

// DetectCycles runs a depth-first search and returns every node that sits on
// a cycle reached through a back edge, in node order. An acyclic graph yields
// an empty slice.
func DetectCycles(nodes []domain.Node, edges []domain.Edge) []string {
	succ := buildSuccessorMap(nodes, edges)
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	members := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		visiting[id] = true
		stack = append(stack, id)

		for _, next := range succ[id] {
			if visiting[next] {
				for i := len(stack) - 1; i >= 0; i-- {
					members[stack[i]] = true
					if stack[i] == next {
						break
					}
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		visiting[id] = false
		visited[id] = true
	}

	for _, n := range nodes {
		if !visited[n.ID] {
			visit(n.ID)
		}
	}

	cycle := []string{}
	for _, n := range nodes {
		if members[n.ID] {
			cycle = append(cycle, n.ID)
		}
	}
	return cycle
}

// TopologicalOrder orders nodes with Kahn's algorithm. Nodes that become
// ready together leave the queue in their original order, so the result is
// deterministic.
func TopologicalOrder(nodes []domain.Node, edges []domain.Edge) ([]string, error) {
	deps := BuildDependencyMap(nodes, edges)
	succ := buildSuccessorMap(nodes, edges)
	index := nodeIndex(nodes)

	inDegree := make(map[string]int, len(nodes))
	var ready []string
	for _, n := range nodes {
		inDegree[n.ID] = len(deps[n.ID])
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		released := false
		for _, next := range succ[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			sort.SliceStable(ready, func(i, j int) bool {
				return index[ready[i]] < index[ready[j]]
			})
		}
	}

	if len(order) < len(nodes) {
		return nil, &domain.CycleError{Nodes: DetectCycles(nodes, edges)}
	}
	return order, nil
}

// FindUnreachable returns the nodes a breadth-first walk from the entry
// nodes never visits.
func FindUnreachable(nodes []domain.Node, edges []domain.Edge) []string {
	deps := BuildDependencyMap(nodes, edges)
	succ := buildSuccessorMap(nodes, edges)

	visited := make(map[string]bool, len(nodes))
	var queue []string
	for _, n := range nodes {
		if len(deps[n.ID]) == 0 {
			visited[n.ID] = true
			queue = append(queue, n.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range succ[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	unreachable := []string{}
	for _, n := range nodes {
		if !visited[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}
	return unreachable
}

// IdentifyParallelGroups groups nodes that share a dependency set, are not
// ancestors of one another and run parallel-safe operations. Nodes are taken
// in topological order and join the first compatible group. Only groups with
// more than one member are returned.
func IdentifyParallelGroups(nodes []domain.Node, edges []domain.Edge, parallelSafe func(operation string) bool) ([][]string, error) {
	order, err := TopologicalOrder(nodes, edges)
	if err != nil {
		return nil, err
	}

	ancestry, err := NewAncestryIndex(nodes, edges)
	if err != nil {
		return nil, err
	}

	deps := BuildDependencyMap(nodes, edges)
	operations := make(map[string]string, len(nodes))
	for _, n := range nodes {
		operations[n.ID] = n.Operation
	}

	type group struct {
		key     string
		members []string
	}
	var groups []*group

	for _, id := range order {
		if parallelSafe == nil || !parallelSafe(operations[id]) {
			continue
		}

		key := dependencyKey(deps[id])
		var target *group
		for _, g := range groups {
			if g.key != key {
				continue
			}
			compatible := true
			for _, member := range g.members {
				if ancestry.Related(member, id) {
					compatible = false
					break
				}
			}
			if compatible {
				target = g
				break
			}
		}

		if target == nil {
			groups = append(groups, &group{key: key, members: []string{id}})
			continue
		}
		target.members = append(target.members, id)
	}

	result := [][]string{}
	for _, g := range groups {
		if len(g.members) > 1 {
			result = append(result, g.members)
		}
	}
	return result, nil
}

func dependencyKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)

	key := ""
	for _, d := range sorted {
		key += d + "\x00"
	}
	return key
}

// CriticalPath finds the most expensive dependency chain. pathTime(n) is
// cost(n) plus the largest pathTime among n's dependencies; the path ends at
// the node with the largest pathTime and is rebuilt by following the most
// expensive dependency backwards. Ties go to the earlier node.
func CriticalPath(nodes []domain.Node, edges []domain.Edge, cost CostFunc) ([]string, time.Duration, error) {
	if len(nodes) == 0 {
		return []string{}, 0, nil
	}

	order, err := TopologicalOrder(nodes, edges)
	if err != nil {
		return nil, 0, err
	}

	if cost == nil {
		cost = ConstantCost(domain.DefaultEngineConfig().DefaultNodeCost)
	}

	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	deps := BuildDependencyMap(nodes, edges)
	pathTime := make(map[string]time.Duration, len(nodes))
	best := make(map[string]string, len(nodes))

	var end string
	for _, id := range order {
		var longest time.Duration
		for i, d := range deps[id] {
			if i == 0 || pathTime[d] > longest {
				longest = pathTime[d]
				best[id] = d
			}
		}
		pathTime[id] = cost(byID[id]) + longest

		if end == "" || pathTime[id] > pathTime[end] {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = best[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, pathTime[end], nil
}

// Analyze runs every analysis over a graph. Cyclic graphs only get the
// structural parts; ordering, grouping and the critical path need a DAG.
func Analyze(graph *domain.Graph, parallelSafe func(operation string) bool, cost CostFunc) *Analysis {
	analysis := &Analysis{
		GraphID:      graph.ID,
		EntryNodes:   graph.EntryNodes(),
		SinkNodes:    graph.SinkNodes(),
		Dependencies: BuildDependencyMap(graph.Nodes, graph.Edges),
		Unreachable:  FindUnreachable(graph.Nodes, graph.Edges),
	}

	for _, id := range analysis.Unreachable {
		analysis.Warnings = append(analysis.Warnings, "node "+id+" is unreachable from any entry node")
	}

	analysis.Cycles = DetectCycles(graph.Nodes, graph.Edges)
	if len(analysis.Cycles) > 0 {
		analysis.Warnings = append(analysis.Warnings, "graph contains a cycle")
		return analysis
	}
	analysis.Acyclic = true

	order, err := TopologicalOrder(graph.Nodes, graph.Edges)
	if err != nil {
		analysis.Warnings = append(analysis.Warnings, err.Error())
		return analysis
	}
	analysis.Order = order

	if groups, err := IdentifyParallelGroups(graph.Nodes, graph.Edges, parallelSafe); err == nil {
		analysis.ParallelGroups = groups
	} else {
		analysis.Warnings = append(analysis.Warnings, err.Error())
	}

	if path, total, err := CriticalPath(graph.Nodes, graph.Edges, cost); err == nil {
		analysis.CriticalPath = path
		analysis.CriticalPathTime = total
	} else {
		analysis.Warnings = append(analysis.Warnings, err.Error())
	}

	return analysis
}
