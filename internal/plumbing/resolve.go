package plumbing

import "github.com/flowstate/engine/internal/eventflow"

// Producer identifies the node that bound a resolved variable and the kind
// of binding it made, so the interpreter can decide how to pull the value
// out of accumulated state (a fetched snapshot, a call result, a loop
// variable, ...).
type Producer struct {
	NodeID int
	Kind   eventflow.NodeKind
}

// Resolve finds the variable binding visible to node id by walking
// backward over the graph's Previous links breadth-first, stopping at the
// first producer encountered — "nearest predecessor wins". Ties
// along equally-near paths are broken by Previous's declared order, making
// resolution deterministic for a given compiled graph.
func Resolve(g *eventflow.Graph, fromID int, name string) (*Producer, bool) {
	visited := map[int]bool{fromID: true}
	queue := []int{fromID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n, ok := g.Nodes[id]
		if !ok {
			continue
		}

		if id != fromID {
			if p, ok := binds(n, name); ok {
				return p, true
			}
		}

		for _, prev := range n.Previous {
			if !visited[prev] {
				visited[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	return nil, false
}

// binds reports whether node n is the producer of variable name, and the
// node-kind tag the interpreter should use to extract its value.
func binds(n *eventflow.Node, name string) (*Producer, bool) {
	switch n.Kind {
	case eventflow.NodeStart:
		for _, p := range n.Params {
			if p == name {
				return &Producer{NodeID: n.ID, Kind: n.Kind}, true
			}
		}
	case eventflow.NodeRequestState:
		if n.RequestVar == name {
			return &Producer{NodeID: n.ID, Kind: n.Kind}, true
		}
	case eventflow.NodeInvokeSplitFun, eventflow.NodeInvokeExternal:
		if n.ResultVar == name {
			return &Producer{NodeID: n.ID, Kind: n.Kind}, true
		}
	case eventflow.NodeInvokeFor:
		if n.LoopVar == name {
			return &Producer{NodeID: n.ID, Kind: n.Kind}, true
		}
	}
	return nil, false
}

// ResolveAll resolves every name in names against fromID, returning
// plumbing.ErrMissingInput-compatible behavior via the caller: unresolved
// names are simply omitted so the caller can apply its own InputDescriptor
// to detect what's still missing.
func ResolveAll(g *eventflow.Graph, fromID int, names []string) map[string]*Producer {
	out := make(map[string]*Producer, len(names))
	for _, name := range names {
		if p, ok := Resolve(g, fromID, name); ok {
			out[name] = p
		}
	}
	return out
}
