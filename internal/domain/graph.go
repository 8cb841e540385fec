package domain

import (
	"strconv"
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type NodeStatus string

const (
	NodeStatusIdle      NodeStatus = "idle"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
)

func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusError
}

// Graph is a document pipeline: operation nodes joined by directed edges.
type Graph struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Node struct {
	ID        string                 `json:"id"`
	Operation string                 `json:"operation"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Status    NodeStatus             `json:"status"`
	Progress  int                    `json:"progress"`
}

type Edge struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
}

// ArtifactRef points at a document artifact held by the external file store.
type ArtifactRef struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	URI       string                 `json:"uri,omitempty"`
	MediaType string                 `json:"media_type,omitempty"`
	Size      int64                  `json:"size,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// EntryNodes returns the ids of nodes without incoming edges, in node order.
func (g *Graph) EntryNodes() []string {
	targets := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		targets[e.Target] = true
	}

	var entries []string
	for _, n := range g.Nodes {
		if !targets[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	return entries
}

// SinkNodes returns the ids of nodes without outgoing edges, in node order.
func (g *Graph) SinkNodes() []string {
	sources := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		sources[e.Source] = true
	}

	var sinks []string
	for _, n := range g.Nodes {
		if !sources[n.ID] {
			sinks = append(sinks, n.ID)
		}
	}
	return sinks
}

// IncomingEdges returns the edges targeting id, in edge order.
func (g *Graph) IncomingEdges(id string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == id {
			in = append(in, e)
		}
	}
	return in
}

// Clone returns a deep copy, so a run can mutate node state without touching
// the stored definition.
func (g *Graph) Clone() (*Graph, error) {
	data, err := xjson.Marshal(g)
	if err != nil {
		return nil, NewInternalError("failed to clone graph", err)
	}

	var clone Graph
	if err := xjson.Unmarshal(data, &clone); err != nil {
		return nil, NewInternalError("failed to clone graph", err)
	}
	return &clone, nil
}

// ResetNodes puts every node back to idle with zero progress.
func (g *Graph) ResetNodes() {
	for i := range g.Nodes {
		g.Nodes[i].Status = NodeStatusIdle
		g.Nodes[i].Progress = 0
	}
}

// ValidateStructure checks referential integrity and that every operation is
// known. Acyclicity and the entry-node requirement are left to the analyzer:
// a graph without an entry node always contains a cycle, and the cycle is the
// more useful report.
func (g *Graph) ValidateStructure(known func(operation string) bool) error {
	verr := NewValidationError(g.ID)

	if len(g.Nodes) == 0 {
		verr.Add("graph has no nodes")
		return verr
	}

	nodes := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		switch {
		case n.ID == "":
			verr.Add("node at index %d has an empty id", i)
			continue
		case nodes[n.ID]:
			verr.Add("duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = true

		if n.Operation == "" {
			verr.Add("node %q has no operation", n.ID)
		} else if known != nil && !known(n.Operation) {
			verr.Add("node %q uses unknown operation %q", n.ID, n.Operation)
		}
	}

	edges := make(map[string]bool, len(g.Edges))
	for i, e := range g.Edges {
		label := e.ID
		if label == "" {
			label = "#" + strconv.Itoa(i)
		} else if edges[e.ID] {
			verr.Add("duplicate edge id %q", e.ID)
		}
		edges[e.ID] = true

		if !nodes[e.Source] {
			verr.Add("edge %s references missing source node %q", label, e.Source)
		}
		if !nodes[e.Target] {
			verr.Add("edge %s references missing target node %q", label, e.Target)
		}
		if e.Condition != nil {
			if err := e.Condition.Validate(); err != nil {
				verr.Add("edge %s: %v", label, err)
			}
		}
	}

	if verr.HasProblems() {
		return verr
	}
	return nil
}
