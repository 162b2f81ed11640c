package topology

import (
	"github.com/juju/errors"
)

// Graph is the directed dependency graph over the stack roles of
// one environment. An edge from A to B means B requires A's
// handle: A must finish provisioning before B starts, and A must
// not be torn down before B.
type Graph struct {
	nodes []Role
	edges map[Role]map[Role]bool
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[Role]map[Role]bool),
	}
}

// AddNode registers a role. Adding the same role twice is a no-op.
func (g *Graph) AddNode(role Role) {
	if _, ok := g.edges[role]; ok {
		return
	}
	g.nodes = append(g.nodes, role)
	g.edges[role] = make(map[Role]bool)
}

// AddEdge declares that 'to' depends on 'from'. Both roles must
// be registered. The edge is rejected if it would introduce a
// cycle, so the graph stays acyclic at all times.
func (g *Graph) AddEdge(from, to Role) error {
	if _, ok := g.edges[from]; !ok {
		return errors.Errorf("unknown stack role '%s'", from)
	}
	if _, ok := g.edges[to]; !ok {
		return errors.Errorf("unknown stack role '%s'", to)
	}
	if from == to {
		return errors.Errorf("stack '%s' cannot depend on itself", from)
	}
	if g.reachable(to, from) {
		return errors.Errorf("dependency from '%s' to '%s' would create a cycle", from, to)
	}
	g.edges[from][to] = true
	return nil
}

// Dependencies returns the roles the given role depends on, in
// node registration order.
func (g *Graph) Dependencies(role Role) []Role {
	var deps []Role
	for _, from := range g.nodes {
		if g.edges[from][role] {
			deps = append(deps, from)
		}
	}
	return deps
}

// HasEdge reports whether 'to' directly depends on 'from'.
func (g *Graph) HasEdge(from, to Role) bool {
	return g.edges[from][to]
}

// reachable reports whether 'to' can be reached from 'from'.
func (g *Graph) reachable(from, to Role) bool {
	if from == to {
		return true
	}
	for next := range g.edges[from] {
		if g.reachable(next, to) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns the roles in provisioning order. The
// order is deterministic: among roles whose dependencies are met,
// registration order wins.
func (g *Graph) TopologicalOrder() ([]Role, error) {
	indegree := make(map[Role]int, len(g.nodes))
	for _, role := range g.nodes {
		indegree[role] = 0
	}
	for _, targets := range g.edges {
		for to := range targets {
			indegree[to]++
		}
	}

	order := make([]Role, 0, len(g.nodes))
	done := make(map[Role]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		progress := false
		for _, role := range g.nodes {
			if done[role] || indegree[role] != 0 {
				continue
			}
			order = append(order, role)
			done[role] = true
			for to := range g.edges[role] {
				indegree[to]--
			}
			progress = true
		}
		if !progress {
			return nil, errors.Errorf("dependency graph contains a cycle")
		}
	}
	return order, nil
}
