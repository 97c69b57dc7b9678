package eventflow

import (
	"fmt"

	"github.com/flowstate/engine/internal/blockgraph"
	"github.com/flowstate/engine/internal/descriptor"
)

// ClassResolver reports whether a class name belongs to a registered
// stateful function type, distinguishing an InvokeSplitFun (targets another
// instance managed by a Stateful Operator) from an InvokeExternal (calls an
// ordinary external function with no operator-managed state).
type ClassResolver interface {
	FunctionType(className string) (FunctionType, bool)
}

// Compiler lowers one method's block graph into its Event Flow Graph. It
// is stateless and safe to reuse across methods.
type Compiler struct {
	resolver ClassResolver
}

// NewCompiler builds a Compiler consulting resolver for split-vs-external
// call classification.
func NewCompiler(resolver ClassResolver) *Compiler {
	return &Compiler{resolver: resolver}
}

// compileState carries the node-id allocator and block-to-node wiring
// tables across one Compile call.
type compileState struct {
	nodes     map[int]*Node
	counter   int
	blockHead map[int]int // block id -> id of the first EFG node compiled from it
	blockTail map[int]int // block id -> id of the node whose Next should be wired to successor blocks
}

func (s *compileState) newNode(kind NodeKind) *Node {
	n := &Node{ID: s.counter, Kind: kind, TrueNext: -1, FalseNext: -1, BodyNext: -1, ElseNext: -1, AfterNext: -1}
	s.counter++
	s.nodes[n.ID] = n
	return n
}

func (s *compileState) edge(from, to int) {
	s.nodes[from].Next = append(s.nodes[from].Next, to)
	s.nodes[to].Previous = append(s.nodes[to].Previous, from)
}

// Compile produces the Event Flow Graph for method m of functionType,
// already split into bg by package blockgraph (RequestState insertion
// already reflected in bg.Blocks[*].StateRequests). Here we only translate
// block shapes 1:1 into node shapes and wire a leading Start plus
// per-parameter RequestState chain.
func (c *Compiler) Compile(functionType FunctionType, m *descriptor.Method, bg *blockgraph.Graph) (*Graph, error) {
	st := &compileState{
		nodes:     make(map[int]*Node),
		blockHead: make(map[int]int),
		blockTail: make(map[int]int),
	}

	start := st.newNode(NodeStart)
	start.Label = m.Name
	start.Params = make([]string, len(m.Input))
	for i, p := range m.Input {
		start.Params[i] = p.Name
	}

	// a RequestState node per typed (external-class) input
	// parameter, chained after Start, before the rest of the method.
	prev := start.ID
	for _, p := range m.Input {
		if p.Type == "" || p.Type == descriptor.NoType {
			continue
		}
		ft, ok := FunctionType(""), false
		if c.resolver != nil {
			ft, ok = c.resolver.FunctionType(p.Type)
		}
		if !ok {
			continue
		}
		rs := st.newNode(NodeRequestState)
		rs.RequestVar = p.Name
		rs.RequestClass = ft
		st.edge(prev, rs.ID)
		prev = rs.ID
	}

	if len(bg.Blocks) == 0 {
		ret := st.newNode(NodeReturn)
		st.edge(prev, ret.ID)
		return &Graph{FunctionType: functionType, Method: m.Name, Entry: start.ID, Nodes: st.nodes}, nil
	}

	// Translate every block once, independent of wiring, then wire edges
	// in a second pass so forward references (e.g. a ConditionalBlock
	// pointing at a TrueHead block compiled later) resolve correctly.
	order := blockOrder(bg)
	for _, id := range order {
		if err := c.compileBlock(st, bg.Blocks[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range order {
		c.wireBlock(st, bg, bg.Blocks[id])
	}

	st.edge(prev, st.blockHead[bg.Entry])

	return &Graph{FunctionType: functionType, Method: m.Name, Entry: start.ID, Nodes: st.nodes}, nil
}

// blockOrder returns block ids in a deterministic order (ascending by id,
// since blockgraph.Builder allocates ids in a stable single pass).
func blockOrder(bg *blockgraph.Graph) []int {
	order := make([]int, 0, len(bg.Blocks))
	for id := range bg.Blocks {
		order = append(order, id)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	return order
}

// compileBlock translates one block's own shape (not its edges to other
// blocks, which wireBlock handles) into one or more EFG nodes chained
// together, recording the block's head and tail node ids.
func (c *Compiler) compileBlock(st *compileState, b *blockgraph.Block) error {
	switch b.Kind {
	case blockgraph.KindStatement:
		return c.compileStatementBlock(st, b)
	case blockgraph.KindConditional:
		return c.compileConditionalBlock(st, b)
	case blockgraph.KindFor:
		return c.compileForBlock(st, b)
	default:
		return fmt.Errorf("eventflow: unknown block kind %d", b.Kind)
	}
}

func (c *Compiler) compileStatementBlock(st *compileState, b *blockgraph.Block) error {
	var head, tail int
	first := true
	chain := func(n *Node) {
		if first {
			head = n.ID
			first = false
		} else {
			st.edge(tail, n.ID)
		}
		tail = n.ID
	}

	for _, sr := range b.StateRequests {
		rs := st.newNode(NodeRequestState)
		rs.RequestVar = sr.Var
		rs.RequestClass = resolvedFunctionType(c.resolver, sr.Class)
		chain(rs)
	}

	if b.EndsWithCall != nil {
		call := st.newNode(nodeKindForCall(c.resolver, b.EndsWithCall))
		call.TargetType = resolvedFunctionType(c.resolver, b.EndsWithCall.ReceiverType)
		call.TargetMethod = b.EndsWithCall.Method
		call.ReceiverVar = b.EndsWithCall.Receiver
		call.InputVars = b.EndsWithCall.Args
		call.ResultVar = resultVarOf(b.Stmts)
		if call.Kind == NodeInvokeSplitFun {
			call.SplitKind = SplitNormal
		}
		chain(call)
	} else if !b.EarlyReturn && (first || b.LoopExit != blockgraph.LoopExitNone) {
		// an empty straight-line block with no successor content of its own
		// (no state request, no call, no return) still needs a
		// representable node; a block ending in a bare return chains the
		// Return node itself below instead. A block that closes on a bare
		// break/continue (no state request preceding it either) needs the
		// same placeholder so the loop-exit tag below has a node to land on.
		opaque := st.newNode(NodeInvokeExternal)
		opaque.Label = "noop"
		opaque.TargetMethod = ""
		chain(opaque)
	}

	if b.EarlyReturn {
		ret := st.newNode(NodeReturn)
		ret.ReturnVar = returnVarOf(b.Stmts)
		chain(ret)
	}

	// A block's final statement being break/continue is a signal the
	// enclosing ForNode needs at runtime, not a compile-time graph shape:
	// tag the block's own last node so the interpreter can read it off the
	// node that ran immediately before the ForNode steps again. Mirrors the
	// original's previous_node.output["_type"] check in InvokeFor.step.
	switch b.LoopExit {
	case blockgraph.LoopExitBreak:
		st.nodes[tail].SplitKind = SplitBreak
	case blockgraph.LoopExitContinue:
		st.nodes[tail].SplitKind = SplitContinue
	}

	st.blockHead[b.ID] = head
	st.blockTail[b.ID] = tail
	return nil
}

func (c *Compiler) compileConditionalBlock(st *compileState, b *blockgraph.Block) error {
	var head, tail int
	first := true
	chain := func(n *Node) {
		if first {
			head = n.ID
			first = false
		} else {
			st.edge(tail, n.ID)
		}
		tail = n.ID
	}

	var testVar string
	if b.TestInvocation != nil {
		call := st.newNode(nodeKindForCall(c.resolver, b.TestInvocation))
		call.TargetType = resolvedFunctionType(c.resolver, b.TestInvocation.ReceiverType)
		call.TargetMethod = b.TestInvocation.Method
		call.ReceiverVar = b.TestInvocation.Receiver
		call.InputVars = b.TestInvocation.Args
		testVar = fmt.Sprintf("__cond%d", call.ID)
		call.ResultVar = testVar
		if call.Kind == NodeInvokeSplitFun {
			call.SplitKind = SplitNormal
		}
		chain(call)
	} else if o, ok := b.Test.(descriptor.Opaque); ok {
		testVar = o.Label
	}

	cond := st.newNode(NodeInvokeConditional)
	cond.TestVar = testVar
	chain(cond)

	st.blockHead[b.ID] = head
	st.blockTail[b.ID] = tail
	return nil
}

func (c *Compiler) compileForBlock(st *compileState, b *blockgraph.Block) error {
	n := st.newNode(NodeInvokeFor)
	n.IterVar = b.IterName
	n.LoopVar = b.IterTarget
	st.blockHead[b.ID] = n.ID
	st.blockTail[b.ID] = n.ID
	return nil
}

// wireBlock connects a compiled block's tail node(s) to its successor
// blocks' head nodes, per the block's own Kind.
func (c *Compiler) wireBlock(st *compileState, bg *blockgraph.Graph, b *blockgraph.Block) {
	switch b.Kind {
	case blockgraph.KindStatement:
		if b.EarlyReturn {
			return // Return node has no successors
		}
		for _, next := range b.Next {
			st.edge(st.blockTail[b.ID], st.blockHead[next])
		}
	case blockgraph.KindConditional:
		condNode := st.nodes[st.blockTail[b.ID]]
		if b.TrueHead != blockgraphNoHead() {
			condNode.TrueNext = st.blockHead[b.TrueHead]
		}
		if b.FalseHead != blockgraphNoHead() {
			condNode.FalseNext = st.blockHead[b.FalseHead]
		} else {
			// dangling false branch: falls through to whatever follows
			// the whole if, which Next already names.
			for _, next := range b.Next {
				condNode.FalseNext = st.blockHead[next]
			}
		}
	case blockgraph.KindFor:
		forNode := st.nodes[st.blockTail[b.ID]]
		if b.BodyHead != blockgraphNoHead() {
			forNode.BodyNext = st.blockHead[b.BodyHead]
		}
		if b.ElseHead != blockgraphNoHead() {
			forNode.ElseNext = st.blockHead[b.ElseHead]
		}
		for _, next := range b.Next {
			if next == b.ID {
				continue // loop-back edge, not an "after the loop" edge
			}
			forNode.AfterNext = st.blockHead[next]
		}
	}
}

// blockgraphNoHead mirrors blockgraph's unexported noBlock sentinel (-1)
// without requiring that package to export it.
func blockgraphNoHead() int { return -1 }

func nodeKindForCall(resolver ClassResolver, call *descriptor.Call) NodeKind {
	if resolver == nil {
		return NodeInvokeExternal
	}
	if _, ok := resolver.FunctionType(call.ReceiverType); ok {
		return NodeInvokeSplitFun
	}
	return NodeInvokeExternal
}

// returnVarOf extracts the bare variable name a block's trailing Return
// statement carries, if any. A Return's Value is an Opaque{Label: name}
// when it names a simple local rather than a fresh expression the
// interpreter has no variable binding for.
func returnVarOf(stmts []descriptor.Stmt) string {
	if len(stmts) == 0 {
		return ""
	}
	ret, ok := stmts[len(stmts)-1].(descriptor.Return)
	if !ok {
		return ""
	}
	opaque, ok := ret.Value.(descriptor.Opaque)
	if !ok {
		return ""
	}
	return opaque.Label
}

// resultVarOf reports the variable a block's closing call result is bound
// to: the Assign.Target wrapping the call that closed the block, or "" if
// the call's result is discarded (a bare `item.update_stock(amount)`
// statement with no assignment).
func resultVarOf(stmts []descriptor.Stmt) string {
	if len(stmts) == 0 {
		return ""
	}
	assign, ok := stmts[len(stmts)-1].(descriptor.Assign)
	if !ok {
		return ""
	}
	if _, ok := assign.Value.(descriptor.Call); !ok {
		return ""
	}
	return assign.Target
}

func resolvedFunctionType(resolver ClassResolver, className string) FunctionType {
	if resolver == nil {
		return FunctionType(className)
	}
	if ft, ok := resolver.FunctionType(className); ok {
		return ft
	}
	return FunctionType(className)
}
