package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidGraph     = errors.New("invalid pipeline graph")
	ErrDuplicateStage   = fmt.Errorf("%w: duplicate stage", ErrInvalidGraph)
	ErrStageNotFound    = fmt.Errorf("%w: stage not found", ErrInvalidGraph)
	ErrInvalidEdge      = fmt.Errorf("%w: invalid edge", ErrInvalidGraph)
	ErrCycleDetected    = fmt.Errorf("%w: cycle detected", ErrInvalidGraph)
	ErrDanglingStage    = fmt.Errorf("%w: stage is not connected", ErrInvalidGraph)
	ErrUnreachableStage = fmt.Errorf("%w: stage unreachable from sources", ErrInvalidGraph)
)

// Edge feeds the output of stage From into the input of stage To.
type Edge struct {
	From string
	To   string
}

func (e Edge) String() string {
	return e.From + " -> " + e.To
}

type node struct {
	name     string
	role     Role
	op       Operator
	parents  []string
	children []string
	in       []int
	out      []int
}

// Graph is a validated stage graph that has not been started. It is
// immutable once returned by NewGraph.
type Graph struct {
	nodes map[string]*node
	order []string
	edges []Edge
}

// NewGraph validates stages and edges: names are unique, every endpoint
// is a declared stage, sources have no input, sinks have no output,
// every transform and sink is fed, every source and transform feeds
// something, the graph is acyclic and every stage is reachable from a
// source.
func NewGraph(stages []Operator, edges []Edge) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(stages))}
	for _, op := range stages {
		name := op.Name()
		if name == "" || strings.TrimSpace(name) != name {
			return nil, fmt.Errorf("%w: bad stage name %q", ErrInvalidGraph, name)
		}
		if _, exists := g.nodes[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStage, name)
		}
		role, ok := roleOf(op)
		if !ok {
			return nil, fmt.Errorf("%w: stage %q is neither source, transform nor sink", ErrInvalidGraph, name)
		}
		g.nodes[name] = &node{name: name, role: role, op: op}
		g.order = append(g.order, name)
	}

	seen := make(map[Edge]bool, len(edges))
	for i, e := range edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: %q in edge %s", ErrStageNotFound, e.From, e)
		}
		to, ok := g.nodes[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: %q in edge %s", ErrStageNotFound, e.To, e)
		}
		switch {
		case seen[e]:
			return nil, fmt.Errorf("%w: %s declared twice", ErrInvalidEdge, e)
		case e.From == e.To:
			return nil, fmt.Errorf("%w: %s feeds itself", ErrCycleDetected, e.From)
		case from.role == RoleSink:
			return nil, fmt.Errorf("%w: sink %q cannot feed %q", ErrInvalidEdge, e.From, e.To)
		case to.role == RoleSource:
			return nil, fmt.Errorf("%w: source %q cannot be fed by %q", ErrInvalidEdge, e.To, e.From)
		}
		seen[e] = true
		from.children = append(from.children, e.To)
		from.out = append(from.out, i)
		to.parents = append(to.parents, e.From)
		to.in = append(to.in, i)
	}
	g.edges = slices.Clone(edges)

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validate() error {
	var sources int
	for _, name := range g.order {
		n := g.nodes[name]
		switch n.role {
		case RoleSource:
			sources++
			if len(n.children) == 0 {
				return fmt.Errorf("%w: source %q has no outbound edge", ErrDanglingStage, name)
			}
		case RoleTransform:
			if len(n.parents) == 0 {
				return fmt.Errorf("%w: transform %q has no inbound edge", ErrDanglingStage, name)
			}
			if len(n.children) == 0 {
				return fmt.Errorf("%w: transform %q has no outbound edge", ErrDanglingStage, name)
			}
		case RoleSink:
			if len(n.parents) == 0 {
				return fmt.Errorf("%w: sink %q has no inbound edge", ErrDanglingStage, name)
			}
		}
	}
	if sources == 0 {
		return fmt.Errorf("%w: no source stage", ErrInvalidGraph)
	}

	if err := g.detectCycles(); err != nil {
		return err
	}
	return g.validateReachable()
}

// detectCycles runs a depth-first search and reports the first cycle
// with its path.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.nodes))
	onPath := make(map[string]bool, len(g.nodes))

	var dfs func(name string, path []string) error
	dfs = func(name string, path []string) error {
		visited[name] = true
		onPath[name] = true
		path = append(path, name)
		for _, child := range g.nodes[name].children {
			if onPath[child] {
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(append(path, child), " -> "))
			}
			if !visited[child] {
				if err := dfs(child, path); err != nil {
					return err
				}
			}
		}
		onPath[name] = false
		return nil
	}

	for _, name := range g.order {
		if !visited[name] {
			if err := dfs(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) validateReachable() error {
	reachable := make(map[string]bool, len(g.nodes))
	var mark func(string)
	mark = func(name string) {
		if reachable[name] {
			return
		}
		reachable[name] = true
		for _, child := range g.nodes[name].children {
			mark(child)
		}
	}
	for _, name := range g.order {
		if g.nodes[name].role == RoleSource {
			mark(name)
		}
	}

	var orphans []string
	for _, name := range g.order {
		if !reachable[name] {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) > 0 {
		return fmt.Errorf("%w: %s", ErrUnreachableStage, strings.Join(orphans, ", "))
	}
	return nil
}

// Stages returns the stage names in declaration order.
func (g *Graph) Stages() []string {
	return slices.Clone(g.order)
}

// Edges returns the edges in declaration order. Edge i is carried by
// channel i of a running graph.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}
