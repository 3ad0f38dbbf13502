// Package graph provides the dependency graph used to validate and order a batch.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownDependency indicates an edge points at a node outside the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateNode indicates two nodes share an ID.
	ErrDuplicateNode = errors.New("duplicate node")
)

// Node is a graph vertex: an ID and the IDs it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// DependencyGraph is a directed acyclic graph of "blocked by" edges.
// Node order is the insertion order, so every traversal is deterministic.
// A DependencyGraph is read-only once built.
type DependencyGraph struct {
	order []string
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// reverse maps node ID to the IDs depending on it, in insertion order.
	reverse map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// Build constructs the graph from nodes.
// Returns an error if a node is duplicated, a dependency references an
// unknown node, or a cycle is detected.
func (g *DependencyGraph) Build(nodes []Node) error {
	for _, n := range nodes {
		if _, exists := g.edges[n.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		g.order = append(g.order, n.ID)
		g.edges[n.ID] = nil
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, exists := g.edges[dep]; !exists {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, n.ID, dep)
			}
			g.edges[n.ID] = append(g.edges[n.ID], dep)
			g.reverse[dep] = append(g.reverse[dep], n.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	return g.findCycle() != nil
}

// findCycle runs a three-color DFS and returns the first cycle found as a
// path that starts and ends on the same node.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopologicalSort returns node IDs with every dependency before its dependents.
// Ties are broken by insertion order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.order)
}

// Dependencies returns the IDs the given node depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.edges[id]
}

// Dependents returns the IDs that directly depend on the given node.
func (g *DependencyGraph) Dependents(id string) []string {
	return g.reverse[id]
}

// Descendants returns every node transitively depending on id, breadth first.
func (g *DependencyGraph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.reverse[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.reverse[next]...)
	}
	return out
}
