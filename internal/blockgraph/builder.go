package blockgraph

import "github.com/flowstate/engine/internal/descriptor"

// ClassLookup resolves a class name to its descriptor so the builder can
// decide whether an invoked method invalidates a cached snapshot.
type ClassLookup interface {
	Class(name string) (*descriptor.Class, bool)
}

// Builder produces the block graph for one method by a single pass over
// its body.
type Builder struct {
	lookup ClassLookup

	counter int
	blocks  map[int]*Block

	// requested tracks, for each external-class variable name, whether a
	// fresh snapshot has already been fetched along the path currently
	// being built. A call that is not read-only clears freshness for its
	// receiver, forcing the next attribute read to request a new snapshot.
	requested map[string]bool
	typed     map[string]string // var name -> declared external class
}

// NewBuilder constructs a Builder resolving external classes via lookup.
func NewBuilder(lookup ClassLookup) *Builder {
	return &Builder{lookup: lookup}
}

// Build compiles the block graph for method m, whose parameters and typed
// locals establish the variable->class typing the split rule consults.
func (b *Builder) Build(m *descriptor.Method) *Graph {
	b.counter = 0
	b.blocks = make(map[int]*Block)
	b.requested = make(map[string]bool)
	b.typed = make(map[string]string, len(m.Input)+len(m.Locals))
	for _, p := range m.Input {
		if p.Type != "" && p.Type != descriptor.NoType {
			b.typed[p.Name] = p.Type
		}
	}
	for name, typ := range m.Locals {
		b.typed[name] = typ
	}

	head, tails := b.buildStmts(m.Body)
	for _, t := range tails {
		b.blocks[t].LastBlock = true
	}
	if len(tails) == 0 {
		// body ended on an unconditional return; nothing to mark, the
		// terminal block already carries EarlyReturn/LastBlock from
		// buildStmts.
	}
	return &Graph{Entry: head, Blocks: b.blocks}
}

func (b *Builder) newID() int {
	id := b.counter
	b.counter++
	return id
}

func (b *Builder) newStatementBlock() *Block {
	blk := &Block{ID: b.newID(), Kind: KindStatement, TrueHead: noBlock, FalseHead: noBlock, BodyHead: noBlock, ElseHead: noBlock}
	b.blocks[blk.ID] = blk
	return blk
}

func (b *Builder) link(fromIDs []int, to int) {
	for _, f := range fromIDs {
		if f == noBlock {
			continue
		}
		blk := b.blocks[f]
		blk.Next = append(blk.Next, to)
		b.blocks[to].Prev = append(b.blocks[to].Prev, f)
	}
}

func (b *Builder) externalClassOf(name string) (string, bool) {
	typ, ok := b.typed[name]
	if !ok {
		return "", false
	}
	if b.lookup != nil {
		if _, found := b.lookup.Class(typ); !found {
			return "", false
		}
	}
	return typ, true
}

// calleeReadOnly looks up whether invoking call.Method on an instance of
// call.ReceiverType is read-only; unknown methods are conservatively
// treated as mutating.
func (b *Builder) calleeReadOnly(call *descriptor.Call) bool {
	if b.lookup == nil {
		return false
	}
	cls, ok := b.lookup.Class(call.ReceiverType)
	if !ok {
		return false
	}
	method, ok := cls.Methods[call.Method]
	if !ok {
		return false
	}
	return method.ReadOnly
}

// buildStmts builds the graph for a statement list, returning the id of
// the first block and the set of unlinked tail blocks (predecessors
// waiting to be wired to whatever follows this list).
func (b *Builder) buildStmts(stmts []descriptor.Stmt) (head int, tails []int) {
	head = noBlock
	cur := b.newStatementBlock()
	head = cur.ID
	var pendingTails []int

	i := 0
	for i < len(stmts) {
		s := stmts[i]
		switch v := s.(type) {
		case descriptor.SelfWrite, descriptor.Opaque:
			cur.Stmts = append(cur.Stmts, s)
			for name := range b.requested {
				_ = name
			}
			i++

		case descriptor.AttrRead:
			b.recordRead(cur, v.Receiver, v.ReceiverType, v.Attr)
			cur.Stmts = append(cur.Stmts, s)
			i++

		case descriptor.Assign:
			if call, ok := v.Value.(descriptor.Call); ok {
				if ext, isExt := b.externalClassOf(call.Receiver); isExt {
					call.ReceiverType = ext
					cur.Stmts = append(cur.Stmts, v)
					cur.EndsWithCall = &call
					cur.Split.CurrentInvocation = &call
					closed := cur.ID
					if !b.calleeReadOnly(&call) {
						b.requested[call.Receiver] = false
					}
					cur = b.newStatementBlock()
					b.link([]int{closed}, cur.ID)
					i++
					continue
				}
			}
			if read, ok := v.Value.(descriptor.AttrRead); ok {
				b.recordRead(cur, read.Receiver, read.ReceiverType, read.Attr)
			}
			cur.Stmts = append(cur.Stmts, s)
			i++

		case descriptor.Call:
			if ext, isExt := b.externalClassOf(v.Receiver); isExt {
				v.ReceiverType = ext
				cur.Stmts = append(cur.Stmts, v)
				cur.EndsWithCall = &v
				cur.Split.CurrentInvocation = &v
				closed := cur.ID
				if !b.calleeReadOnly(&v) {
					b.requested[v.Receiver] = false
				}
				cur = b.newStatementBlock()
				b.link([]int{closed}, cur.ID)
				i++
				continue
			}
			cur.Stmts = append(cur.Stmts, s)
			i++

		case descriptor.If:
			before := cur.ID
			condID := b.buildIf(v, &pendingTails)
			b.link([]int{before}, condID)
			cur = b.newStatementBlock()
			b.link(pendingTails, cur.ID)
			pendingTails = nil
			i++

		case descriptor.For:
			before := cur.ID
			prepID := b.buildFor(v, &pendingTails)
			b.link([]int{before}, prepID)
			cur = b.newStatementBlock()
			b.link(pendingTails, cur.ID)
			pendingTails = nil
			i++

		case descriptor.Return:
			cur.Stmts = append(cur.Stmts, s)
			cur.EarlyReturn = true
			cur.LastBlock = true
			i++
			return head, nil // a return terminates the block list outright

		case descriptor.Break:
			cur.Stmts = append(cur.Stmts, s)
			cur.LoopExit = LoopExitBreak
			i++
			return head, []int{cur.ID}

		case descriptor.Continue:
			cur.Stmts = append(cur.Stmts, s)
			cur.LoopExit = LoopExitContinue
			i++
			return head, []int{cur.ID}

		default:
			i++
		}
	}

	if cur.EndsWithCall == nil {
		pendingTails = append(pendingTails, cur.ID)
	}
	return head, dedupInts(pendingTails)
}

func (b *Builder) recordRead(cur *Block, receiver, declaredType, attr string) {
	typ := declaredType
	if typ == "" {
		t, ok := b.externalClassOf(receiver)
		if !ok {
			return
		}
		typ = t
	} else if _, ok := b.externalClassOf(receiver); !ok {
		return
	}
	if b.requested[receiver] {
		return
	}
	if len(cur.Prev) == 0 && len(b.blocks) == 1 {
		// first block of the method: satisfied by the RequestState nodes
		// the compiler emits for typed parameters; mark
		// fresh without adding an explicit block-level request.
		b.requested[receiver] = true
		return
	}
	cur.StateRequests = append(cur.StateRequests, StateRequest{Var: receiver, Class: typ})
	b.requested[receiver] = true
}

// buildIf builds a ConditionalBlock chain for an if/elif/else construct
// and appends every arm's unlinked tail to *tails.
func (b *Builder) buildIf(n descriptor.If, tails *[]int) int {
	condBlk := &Block{ID: b.newID(), Kind: KindConditional, Test: n.Cond, TestInvocation: n.CondInvocation, TrueHead: noBlock, FalseHead: noBlock}
	b.blocks[condBlk.ID] = condBlk

	thenHead, thenTails := b.buildStmts(n.Then)
	condBlk.TrueHead = thenHead
	b.blocks[thenHead].Prev = append(b.blocks[thenHead].Prev, condBlk.ID)
	*tails = append(*tails, thenTails...)

	switch {
	case len(n.Elifs) > 0:
		next := n.Elifs[0]
		rest := n.Elifs[1:]
		elseBlk := b.buildIf(descriptor.If{
			Cond: next.Cond, CondInvocation: next.CondInvocation,
			Then: next.Body, Elifs: rest, Else: n.Else, HasElse: n.HasElse,
		}, tails)
		condBlk.FalseHead = elseBlk
		b.blocks[elseBlk].Prev = append(b.blocks[elseBlk].Prev, condBlk.ID)
	case n.HasElse:
		elseHead, elseTails := b.buildStmts(n.Else)
		condBlk.FalseHead = elseHead
		b.blocks[elseHead].Prev = append(b.blocks[elseHead].Prev, condBlk.ID)
		*tails = append(*tails, elseTails...)
	default:
		// dangling false branch: the conditional block itself is the
		// unlinked predecessor to whatever follows the whole if.
		condBlk.FalseHead = noBlock
		*tails = append(*tails, condBlk.ID)
	}

	return condBlk.ID
}

// buildFor builds a ForBlock for a for/else construct and returns the id of
// the block that prepares its iterator, which precedes the ForBlock.
func (b *Builder) buildFor(n descriptor.For, tails *[]int) int {
	iterName := "iter_" + itoa(b.counter)
	prep := b.newStatementBlock()
	prep.Stmts = append(prep.Stmts, descriptor.Assign{Target: iterName, Value: n.IterExpr})
	if n.IterInvocation != nil {
		prep.EndsWithCall = n.IterInvocation
		prep.Split.CurrentInvocation = n.IterInvocation
	}

	forBlk := &Block{ID: b.newID(), Kind: KindFor, IterName: iterName, IterTarget: n.Target, BodyHead: noBlock, ElseHead: noBlock}
	b.blocks[forBlk.ID] = forBlk
	b.link([]int{prep.ID}, forBlk.ID)

	bodyHead, bodyTails := b.buildStmts(n.Body)
	forBlk.BodyHead = bodyHead
	b.blocks[bodyHead].Prev = append(b.blocks[bodyHead].Prev, forBlk.ID)
	// loop back: every non-break tail of the body re-enters the ForBlock
	for _, t := range bodyTails {
		b.blocks[t].Next = append(b.blocks[t].Next, forBlk.ID)
		forBlk.Prev = append(forBlk.Prev, t)
	}

	if n.HasElse {
		elseHead, elseTails := b.buildStmts(n.Else)
		forBlk.ElseHead = elseHead
		b.blocks[elseHead].Prev = append(b.blocks[elseHead].Prev, forBlk.ID)
		*tails = append(*tails, elseTails...)
	} else {
		*tails = append(*tails, forBlk.ID)
	}
	return prep.ID
}

func dedupInts(in []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
