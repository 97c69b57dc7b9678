// Package blockgraph splits a method body into an ordered graph of blocks —
// straight-line runs, conditionals, and for-loops — cut at every point the
// body crosses into another instance. This is purely a function of
// descriptor data; it has no dependency on any concrete language frontend.
package blockgraph

import "github.com/flowstate/engine/internal/descriptor"

// Kind identifies which of the three block variants a Block is.
type Kind int

const (
	KindStatement Kind = iota
	KindConditional
	KindFor
)

// StateRequest is a per-block declaration that a named external-class
// variable must have a fresh snapshot fetched before the block runs.
type StateRequest struct {
	Var   string
	Class string
}

// SplitContext carries the invocation context a block was cut on.
type SplitContext struct {
	PrevInvocation    *descriptor.Call
	CurrentInvocation *descriptor.Call
}

// noBlock is the sentinel used in place of a block id for "no such edge",
// since 0 is a valid block id.
const noBlock = -1

// LoopExitKind tags whether a StatementBlock's final statement is a break
// or continue, so the compiler can mark the node that precedes the loop
// re-entry and the interpreter's ForNode can tell a deliberate early exit
// apart from simply falling off the end of the body.
type LoopExitKind int

const (
	LoopExitNone LoopExitKind = iota
	LoopExitBreak
	LoopExitContinue
)

// Block is one node of a method's block graph. Which fields are
// meaningful depends on Kind, one of the three variants it mirrors:
// StatementBlock, ConditionalBlock, ForBlock.
type Block struct {
	ID   int
	Kind Kind

	Prev []int
	Next []int

	Label         string
	StateRequests []StateRequest
	Split         SplitContext

	// --- StatementBlock ---
	Stmts       []descriptor.Stmt
	EndsWithCall *descriptor.Call // set when the block closed on a cross-object call
	LastBlock    bool             // LastBlockContext: the method's final block
	EarlyReturn  bool             // the block's final statement is a return
	LoopExit     LoopExitKind     // set when the block's final statement is break/continue

	// --- ConditionalBlock ---
	Test           descriptor.Stmt
	TestInvocation *descriptor.Call
	TrueHead       int // -1 if the true branch is empty
	FalseHead      int // -1 if there is no else/elif arm (dangling)

	// --- ForBlock ---
	IterName   string // fresh materialized-iterable name, e.g. "iter_0"
	IterTarget string // per-iteration loop variable name
	BodyHead   int
	ElseHead   int // -1 if there is no loop-else arm
}

// Graph is the ordered block graph produced for one method.
type Graph struct {
	Entry  int
	Blocks map[int]*Block
}

// Splittable reports whether this graph contains more than the single
// trivial StatementBlock emitted for a method with no external links.
func (g *Graph) Splittable() bool {
	if len(g.Blocks) != 1 {
		return true
	}
	b := g.Blocks[g.Entry]
	return b.Kind != KindStatement || b.EndsWithCall != nil
}
