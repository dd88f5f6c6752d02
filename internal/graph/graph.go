package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalid matches every *ValidationError via errors.Is.
	ErrInvalid = errors.New("graph: invalid")
	// ErrUnknownNode is an integrity defect: a node id that does not exist.
	ErrUnknownNode = errors.New("graph: unknown node")
	// ErrBranchRequired is returned when a condition successor is requested
	// without a yes/no branch.
	ErrBranchRequired = errors.New("graph: condition requires a branch")
)

// ValidationError describes why a graph was rejected at publish time.
type ValidationError struct {
	Reason string
	NodeID string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return "graph: " + e.Reason
	}
	return fmt.Sprintf("graph: node %q: %s", e.NodeID, e.Reason)
}

// Is lets callers test for ErrInvalid.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func invalid(nodeID, format string, args ...any) *ValidationError {
	return &ValidationError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Graph is a validated, immutable workflow graph.
type Graph struct {
	nodes   map[string]*Node
	order   []string
	trigger string
	// follow holds each node's effective single successor: its explicit Next
	// or, for nodes inside a condition branch list, the implicit fall-through.
	follow map[string]string
}

// slot is one implicit successor claim on a node sitting in a branch list:
// either a concrete node id or "whatever follows condition after".
type slot struct {
	next  string
	after string
}

// New validates nodes and builds a Graph.
//
// Validation rejects a missing or repeated trigger, duplicate ids, edges to
// unknown ids or back to the trigger, condition nodes without both branch
// keys, reachable non-end nodes with no outgoing edge, and nodes whose
// fall-through successor is ambiguous. Cycles are allowed.
func New(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:  make(map[string]*Node, len(nodes)),
		follow: make(map[string]string, len(nodes)),
	}

	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, invalid("", "node at position %d has no id", i)
		}
		if !n.Type.Valid() {
			return nil, invalid(n.ID, "unknown node type %q", n.Type)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, invalid(n.ID, "duplicate node id")
		}
		if err := checkConfig(&n); err != nil {
			return nil, err
		}
		if n.Type == TypeTrigger {
			if g.trigger != "" {
				return nil, invalid(n.ID, "more than one trigger (first is %q)", g.trigger)
			}
			g.trigger = n.ID
		}
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}
	if g.trigger == "" {
		return nil, invalid("", "missing trigger")
	}

	if err := g.checkEdges(); err != nil {
		return nil, err
	}
	if err := g.linkFallThrough(); err != nil {
		return nil, err
	}
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate reports whether nodes form a publishable graph.
func Validate(nodes []Node) error {
	_, err := New(nodes)
	return err
}

func checkConfig(n *Node) error {
	if n.Config == nil {
		switch n.Type {
		case TypeEnd:
			n.Config = &EndConfig{}
		case TypeTrigger:
			n.Config = &TriggerConfig{}
		default:
			return invalid(n.ID, "missing config")
		}
	}
	if n.Config.nodeType() != n.Type {
		return invalid(n.ID, "config of type %s on %s node", n.Config.nodeType(), n.Type)
	}
	switch c := n.Config.(type) {
	case *ConditionConfig:
		if c.Branches.Yes == nil || c.Branches.No == nil {
			return invalid(n.ID, "condition must define both yes and no branches")
		}
	case *TriggerConfig:
		// Copy so the compiled schedule never aliases a caller's config.
		cp := *c
		if err := cp.compile(); err != nil {
			return invalid(n.ID, "%v", err)
		}
		n.Config = &cp
	}
	if err := configValidator().Struct(n.Config); err != nil {
		return invalid(n.ID, "invalid config: %v", err)
	}
	return nil
}

func (g *Graph) checkEdges() error {
	target := func(from, to string) error {
		t, ok := g.nodes[to]
		if !ok {
			return invalid(from, "edge to unknown node %q", to)
		}
		if t.Type == TypeTrigger {
			return invalid(from, "edge back to trigger %q", to)
		}
		return nil
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Type == TypeEnd {
			continue
		}
		if n.Next != "" {
			if err := target(id, n.Next); err != nil {
				return err
			}
		}
		if c, ok := n.Config.(*ConditionConfig); ok {
			for _, list := range [][]string{c.Branches.Yes, c.Branches.No} {
				for _, to := range list {
					if err := target(id, to); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// linkFallThrough resolves the implicit successor of every node that sits in
// a branch list without an explicit next: the following list element, or
// whatever follows the owning condition when it is the last element.
func (g *Graph) linkFallThrough() error {
	slots := make(map[string][]slot)
	for _, id := range g.order {
		c, ok := g.nodes[id].Config.(*ConditionConfig)
		if !ok {
			continue
		}
		for _, list := range [][]string{c.Branches.Yes, c.Branches.No} {
			for i, member := range list {
				if i+1 < len(list) {
					slots[member] = append(slots[member], slot{next: list[i+1]})
				} else {
					slots[member] = append(slots[member], slot{after: id})
				}
			}
		}
	}

	var resolve func(id string, seen map[string]bool) string
	resolve = func(id string, seen map[string]bool) string {
		n := g.nodes[id]
		if n.Next != "" || n.Type == TypeEnd {
			return n.Next
		}
		s := slots[id]
		if len(s) == 0 || seen[id] {
			return ""
		}
		seen[id] = true
		if s[0].next != "" {
			return s[0].next
		}
		return resolve(s[0].after, seen)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Type == TypeEnd {
			continue
		}
		if n.Next != "" {
			g.follow[id] = n.Next
			continue
		}
		var chosen string
		for i, s := range slots[id] {
			succ := s.next
			if succ == "" {
				succ = resolve(s.after, map[string]bool{id: true})
			}
			if i == 0 {
				chosen = succ
				continue
			}
			if succ != chosen {
				return invalid(id, "ambiguous fall-through: listed in branches leading to %q and %q", chosen, succ)
			}
		}
		if chosen != "" {
			g.follow[id] = chosen
		}
	}
	return nil
}

func (g *Graph) checkReachable() error {
	seen := map[string]bool{g.trigger: true}
	queue := []string{g.trigger}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.nodes[id]

		var out []string
		switch n.Type {
		case TypeEnd:
			continue
		case TypeCondition:
			c := n.Config.(*ConditionConfig)
			out = append(out, c.Branches.Yes...)
			out = append(out, c.Branches.No...)
			if f := g.follow[id]; f != "" {
				out = append(out, f)
			}
		default:
			if f := g.follow[id]; f != "" {
				out = append(out, f)
			}
		}
		if len(out) == 0 {
			return invalid(id, "%s node has no outgoing edge", n.Type)
		}
		for _, to := range out {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	return nil
}

// Trigger returns the entry node.
func (g *Graph) Trigger() *Node { return g.nodes[g.trigger] }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	return n, nil
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// NextNodes returns the successors of nodeID. Single-successor nodes return
// one id (explicit or fall-through); a condition returns the chosen branch
// list, or its own successor when that list is empty; end returns nothing.
// An empty result means the enrollment is complete.
func (g *Graph) NextNodes(nodeID, branch string) ([]string, error) {
	n, err := g.Node(nodeID)
	if err != nil {
		return nil, err
	}
	switch n.Type {
	case TypeEnd:
		return nil, nil
	case TypeCondition:
		c := n.Config.(*ConditionConfig)
		var list []string
		switch branch {
		case "yes":
			list = c.Branches.Yes
		case "no":
			list = c.Branches.No
		case "":
			return nil, fmt.Errorf("%w: %q", ErrBranchRequired, nodeID)
		default:
			return nil, fmt.Errorf("graph: node %q: unknown branch %q", nodeID, branch)
		}
		if len(list) > 0 {
			return append([]string(nil), list...), nil
		}
	}
	if f := g.follow[nodeID]; f != "" {
		if _, ok := g.nodes[f]; !ok {
			return nil, fmt.Errorf("%w: %q (successor of %q)", ErrUnknownNode, f, nodeID)
		}
		return []string{f}, nil
	}
	return nil, nil
}

// NextNodes is the function form of (*Graph).NextNodes.
func NextNodes(g *Graph, nodeID, branch string) ([]string, error) {
	return g.NextNodes(nodeID, branch)
}
