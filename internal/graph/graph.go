package graph

import "strconv"

// Graph is a named, versioned DAG of function nodes. Edges are expressed as
// DependsOn references; a node's input is the ordered outputs of its
// dependencies, or the invocation input for root nodes.
type Graph struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
}

// Node is one function stage in a graph. Image is the container image the
// function requires; it is the matching key between tasks and executors.
type Node struct {
	ID        string   `json:"id"`
	Function  string   `json:"function"`
	Image     string   `json:"image,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Key identifies a graph version, e.g. for caching.
func (g *Graph) Key() string {
	return Key(g.ID, g.Version)
}

func Key(id string, version int) string {
	return id + "@" + strconv.Itoa(version)
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Roots returns the nodes with no dependencies, in declaration order.
func (g *Graph) Roots() []Node {
	out := make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if len(n.DependsOn) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Sinks returns the nodes no other node depends on, in declaration order.
func (g *Graph) Sinks() []Node {
	depended := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			depended[d] = struct{}{}
		}
	}
	out := make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, ok := depended[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// Downstream returns the nodes that depend on nodeID, in declaration order.
func (g *Graph) Downstream(nodeID string) []Node {
	out := make([]Node, 0, 4)
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			if d == nodeID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
