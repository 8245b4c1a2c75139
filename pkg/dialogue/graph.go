// Package dialogue constrains a protocol to a directed graph of message
// types and tracks the state of each conversation session.
package dialogue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/amurg-ai/agentwire/pkg/model"
)

var (
	// ErrCyclicRules is returned for rule graphs that are not acyclic.
	ErrCyclicRules = errors.New("dialogue rules contain a cycle")
	// ErrNoStarter is returned when the rules do not have exactly one message
	// type without incoming transitions.
	ErrNoStarter = errors.New("dialogue rules need exactly one starter")
	// ErrInvalidReplies is returned when a handler declares replies the rules
	// do not allow.
	ErrInvalidReplies = errors.New("declared replies not allowed by dialogue rules")
	// ErrUnknownModel is returned for message types outside the rules.
	ErrUnknownModel = errors.New("message type not part of dialogue")
	// ErrInvalidTransition is returned when a message is not an allowed next
	// step for its session.
	ErrInvalidTransition = errors.New("invalid dialogue transition")
)

// Rule lists the message types allowed to follow Message.
type Rule struct {
	Message model.Type
	Replies []model.Type
}

// Node is a dialogue state: the state reached after accepting Model.
type Node struct {
	Name     string
	Digest   string
	Starter  bool
	Terminal bool
}

// Edge is a transition carrying one message type. Parent is empty for the
// edge that opens a session.
type Edge struct {
	Name   string
	Parent string
	Child  string
	Model  model.Type
}

// Graph is a validated, immutable rule graph.
type Graph struct {
	types   map[string]model.Type
	next    map[string]map[string]bool
	order   []string
	starter string
}

// NewGraph validates rules and builds the graph. Reply types without their
// own rule are terminal.
func NewGraph(rules []Rule) (*Graph, error) {
	g := &Graph{
		types: make(map[string]model.Type),
		next:  make(map[string]map[string]bool),
	}
	for _, r := range rules {
		if r.Message.IsZero() {
			return nil, errors.New("dialogue rule with zero message type")
		}
		d := r.Message.Digest()
		if _, dup := g.next[d]; dup {
			return nil, fmt.Errorf("duplicate rule for %s", r.Message.Name())
		}
		g.types[d] = r.Message
		set := make(map[string]bool, len(r.Replies))
		for _, reply := range r.Replies {
			g.types[reply.Digest()] = reply
			set[reply.Digest()] = true
		}
		g.next[d] = set
	}
	for d := range g.types {
		if g.next[d] == nil {
			g.next[d] = map[string]bool{}
		}
	}

	indegree := make(map[string]int, len(g.types))
	for d := range g.types {
		indegree[d] += 0
		for child := range g.next[d] {
			indegree[child]++
		}
	}

	var sources []string
	for d, n := range indegree {
		if n == 0 {
			sources = append(sources, d)
		}
	}
	sort.Strings(sources)

	queue := append([]string(nil), sources...)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		g.order = append(g.order, d)
		children := make([]string, 0, len(g.next[d]))
		for child := range g.next[d] {
			children = append(children, child)
		}
		sort.Strings(children)
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(g.order) != len(g.types) {
		return nil, ErrCyclicRules
	}
	if len(sources) != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrNoStarter, len(sources))
	}
	g.starter = sources[0]
	return g, nil
}

// Starter is the message type that opens a session.
func (g *Graph) Starter() model.Type { return g.types[g.starter] }

// Model returns the message type for digest.
func (g *Graph) Model(digest string) (model.Type, bool) {
	t, ok := g.types[digest]
	return t, ok
}

// IsTerminal reports whether digest ends a session.
func (g *Graph) IsTerminal(digest string) bool {
	next, ok := g.next[digest]
	return ok && len(next) == 0
}

// Allowed returns the types that may follow digest.
func (g *Graph) Allowed(digest string) []model.Type {
	out := make([]model.Type, 0, len(g.next[digest]))
	for d := range g.next[digest] {
		out = append(out, g.types[d])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest() < out[j].Digest() })
	return out
}

// IsValidTransition reports whether candidate may follow current. An empty
// current means no message has been accepted yet.
func (g *Graph) IsValidTransition(current, candidate string) bool {
	if current == "" {
		return candidate == g.starter
	}
	return g.next[current][candidate]
}

// Nodes lists the states in topological order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, d := range g.order {
		out = append(out, Node{
			Name:     g.types[d].Name(),
			Digest:   d,
			Starter:  d == g.starter,
			Terminal: g.IsTerminal(d),
		})
	}
	return out
}

// Edges lists every transition, starting with the opening edge.
func (g *Graph) Edges() []Edge {
	out := []Edge{{Name: g.types[g.starter].Name(), Child: g.starter, Model: g.types[g.starter]}}
	for _, parent := range g.order {
		for _, t := range g.Allowed(parent) {
			out = append(out, Edge{
				Name:   g.types[parent].Name() + "->" + t.Name(),
				Parent: parent,
				Child:  t.Digest(),
				Model:  t,
			})
		}
	}
	return out
}
