package orchestrator

import (
	"context"
	"fmt"
)

// Node is one computation step of the control graph.
type Node interface {
	Run(ctx context.Context, st State) (Update, error)
}

// NodeFunc adapts a function to Node.
type NodeFunc func(ctx context.Context, st State) (Update, error)

// Run calls f.
func (f NodeFunc) Run(ctx context.Context, st State) (Update, error) { return f(ctx, st) }

// Predicate decides whether an edge can be traversed from the state the
// source node produced. A nil predicate always transitions.
type Predicate func(st State) bool

// NextIs matches when the supervisor routed to target.
func NextIs(target string) Predicate {
	return func(st State) bool { return st.Next == target }
}

// Edge is a transition between two nodes.
type Edge struct {
	From      string
	To        string
	Predicate Predicate
}

// Graph is the directed control graph. Outgoing edges are evaluated in the
// order they were added; the first match wins.
type Graph struct {
	nodes      map[string]Node
	order      []string
	edges      map[string][]Edge
	entryPoint string
	exitPoints map[string]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]Node),
		edges:      make(map[string][]Edge),
		exitPoints: make(map[string]bool),
	}
}

// AddNode registers a node under a unique name.
func (g *Graph) AddNode(name string, node Node) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if node == nil {
		return fmt.Errorf("node %s cannot be nil", name)
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("node %s already exists", name)
	}
	g.nodes[name] = node
	g.order = append(g.order, name)
	return nil
}

// AddEdge adds a transition between two registered nodes.
func (g *Graph) AddEdge(from, to string, predicate Predicate) error {
	if _, exists := g.nodes[from]; !exists {
		return fmt.Errorf("from node %s does not exist", from)
	}
	if _, exists := g.nodes[to]; !exists {
		return fmt.Errorf("to node %s does not exist", to)
	}
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, Predicate: predicate})
	return nil
}

// SetEntryPoint sets the single starting node.
func (g *Graph) SetEntryPoint(name string) error {
	if g.entryPoint != "" {
		return fmt.Errorf("entry point already set to %s", g.entryPoint)
	}
	if _, exists := g.nodes[name]; !exists {
		return fmt.Errorf("entry point node %s does not exist", name)
	}
	g.entryPoint = name
	return nil
}

// SetExitPoint marks a terminal node.
func (g *Graph) SetExitPoint(name string) error {
	if _, exists := g.nodes[name]; !exists {
		return fmt.Errorf("exit point node %s does not exist", name)
	}
	g.exitPoints[name] = true
	return nil
}

// Validate checks that the graph has an entry, at least one exit, that
// exit points have no outgoing edges and that every other node can leave.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.entryPoint == "" {
		return fmt.Errorf("entry point not set")
	}
	if len(g.exitPoints) == 0 {
		return fmt.Errorf("no exit points set")
	}
	for _, name := range g.order {
		out := len(g.edges[name])
		if g.exitPoints[name] && out > 0 {
			return fmt.Errorf("exit point %s has outgoing edges", name)
		}
		if !g.exitPoints[name] && out == 0 {
			return fmt.Errorf("node %s has no outgoing edges", name)
		}
	}
	return nil
}

// Entry returns the entry node name.
func (g *Graph) Entry() string { return g.entryPoint }

// IsExit reports whether name is terminal.
func (g *Graph) IsExit(name string) bool { return g.exitPoints[name] }

// Node returns the node registered under name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Next evaluates the outgoing edges of from against st.
func (g *Graph) Next(from string, st State) (string, error) {
	for _, e := range g.edges[from] {
		if e.Predicate == nil || e.Predicate(st) {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("no transition from %s (next=%q)", from, st.Next)
}

// buildGraph wires the supervisor, the specialists and the reporter.
func buildGraph(supervisor Node, specialists map[string]Node, report Node) (*Graph, error) {
	g := NewGraph()
	if err := g.AddNode(NodeSupervisor, supervisor); err != nil {
		return nil, err
	}
	for _, name := range SpecialistNodes() {
		n, ok := specialists[name]
		if !ok {
			return nil, fmt.Errorf("%w: no node bound for %s", ErrUnknownRole, name)
		}
		if err := g.AddNode(name, n); err != nil {
			return nil, err
		}
	}
	if err := g.AddNode(NodeFinalReport, report); err != nil {
		return nil, err
	}

	for _, name := range SpecialistNodes() {
		if err := g.AddEdge(NodeSupervisor, name, NextIs(name)); err != nil {
			return nil, err
		}
		back := NodeSupervisor
		if name == NodePRCreator {
			back = NodeFinalReport
		}
		if err := g.AddEdge(name, back, nil); err != nil {
			return nil, err
		}
	}
	if err := g.AddEdge(NodeSupervisor, NodeFinalReport, NextIs(Finish)); err != nil {
		return nil, err
	}

	if err := g.SetEntryPoint(NodeSupervisor); err != nil {
		return nil, err
	}
	if err := g.SetExitPoint(NodeFinalReport); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	return g, nil
}
