package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle     = errors.New("graph: cycle detected, graph is not acyclic")
	ErrNoNodes   = errors.New("graph: at least one node is required")
	ErrNoImage   = errors.New("graph: node has no image binding")
	ErrDuplicate = errors.New("graph: duplicate node id")
	ErrDangling  = errors.New("graph: dependency references an undeclared node")
)

// ImageBindings maps a function identity to the image id its executor must
// run. Bindings are resolved into Node.Image during validation; a node with
// an explicit Image keeps it.
type ImageBindings map[string]string

// Validate checks the graph invariants at submission time: node ids are
// unique and non-empty, dependencies reference only previously declared
// nodes, the edge set is acyclic, and every node ends up with an image id.
// Validation mutates the graph only by filling Node.Image from bindings.
func Validate(g *Graph, bindings ImageBindings) error {
	if g == nil || len(g.Nodes) == 0 {
		return ErrNoNodes
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("graph: id is required")
	}

	declared := make(map[string]struct{}, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return fmt.Errorf("graph: node %d has no id", i)
		}
		if _, ok := declared[id]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicate, id)
		}
		for _, d := range n.DependsOn {
			if _, ok := declared[d]; !ok {
				return fmt.Errorf("%w: %q depends on %q", ErrDangling, id, d)
			}
		}
		declared[id] = struct{}{}

		if strings.TrimSpace(n.Image) == "" {
			img, ok := bindings[n.Function]
			if !ok {
				return fmt.Errorf("%w: node %q function %q", ErrNoImage, id, n.Function)
			}
			n.Image = img
		}
	}

	return validateAcyclic(g.Nodes)
}

// validateAcyclic runs a three-state DFS over the dependency edges. The
// declaration-order invariant already rules out cycles, but graphs arriving
// over the wire are not trusted to satisfy it.
func validateAcyclic(nodes []Node) error {
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, d := range n.DependsOn {
			adj[d] = append(adj[d], n.ID)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(nodes))
	for _, n := range nodes {
		state[n.ID] = unvisited
	}

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}
		state[id] = visited
		return false
	}

	for _, n := range nodes {
		if state[n.ID] == unvisited {
			if dfs(n.ID) {
				return ErrCycle
			}
		}
	}
	return nil
}
