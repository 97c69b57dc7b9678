package blockgraph

import (
	"testing"

	"github.com/flowstate/engine/internal/descriptor"
)

type fakeLookup struct {
	classes map[string]*descriptor.Class
}

func (f *fakeLookup) Class(name string) (*descriptor.Class, bool) {
	c, ok := f.classes[name]
	return c, ok
}

func newFakeLookup(classes ...*descriptor.Class) *fakeLookup {
	m := make(map[string]*descriptor.Class, len(classes))
	for _, c := range classes {
		m[c.Name] = c
	}
	return &fakeLookup{classes: m}
}

func TestBuildStraightLineNoSplit(t *testing.T) {
	m := &descriptor.Method{
		Name: "total",
		Body: []descriptor.Stmt{
			descriptor.Opaque{Label: "x = 1"},
			descriptor.Return{Value: descriptor.Opaque{Label: "x"}},
		},
	}
	b := NewBuilder(newFakeLookup())
	g := b.Build(m)

	if g.Splittable() {
		t.Fatalf("expected a single non-call-terminated block to be non-splittable")
	}
	if len(g.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(g.Blocks))
	}
	entry := g.Blocks[g.Entry]
	if !entry.EarlyReturn {
		t.Fatalf("expected entry block to carry EarlyReturn")
	}
}

func TestBuildSplitsOnExternalCall(t *testing.T) {
	ledger := &descriptor.Class{
		Name: "Ledger",
		Methods: map[string]*descriptor.Method{
			"credit": {Name: "credit", ReadOnly: false},
		},
	}
	lookup := newFakeLookup(ledger)

	m := &descriptor.Method{
		Name:  "pay",
		Input: []descriptor.Param{{Name: "ledger", Type: "Ledger"}},
		Body: []descriptor.Stmt{
			descriptor.Call{Receiver: "ledger", Method: "credit", Args: []string{"amount"}},
			descriptor.Return{},
		},
	}
	b := NewBuilder(lookup)
	g := b.Build(m)

	if !g.Splittable() {
		t.Fatalf("expected a graph with a cross-object call to be splittable")
	}
	entry := g.Blocks[g.Entry]
	if entry.EndsWithCall == nil {
		t.Fatalf("expected entry block to end with a call")
	}
	if entry.EndsWithCall.ReceiverType != "Ledger" {
		t.Fatalf("expected resolved receiver type Ledger, got %q", entry.EndsWithCall.ReceiverType)
	}
	if len(entry.Next) != 1 {
		t.Fatalf("expected exactly one successor block after the call, got %d", len(entry.Next))
	}
	successor := g.Blocks[entry.Next[0]]
	if !successor.LastBlock {
		t.Fatalf("expected the block after the call to be the method's last block")
	}
}

func TestBuildStateRequestOnAttrRead(t *testing.T) {
	account := &descriptor.Class{Name: "Account", Methods: map[string]*descriptor.Method{}}
	ledger := &descriptor.Class{Name: "Ledger", Methods: map[string]*descriptor.Method{}}
	lookup := newFakeLookup(account, ledger)

	m := &descriptor.Method{
		Name:  "describe",
		Input: []descriptor.Param{{Name: "acct", Type: "Account"}, {Name: "other", Type: "Ledger"}},
		Body: []descriptor.Stmt{
			descriptor.Call{Receiver: "other", Method: "noop"}, // force a block split unrelated to acct
			descriptor.AttrRead{Receiver: "acct", Attr: "balance"},
			descriptor.Return{},
		},
	}
	b := NewBuilder(lookup)
	g := b.Build(m)

	entry := g.Blocks[g.Entry]
	if entry.EndsWithCall == nil {
		t.Fatalf("expected the call on the typed Ledger receiver to close the first block")
	}
	if len(entry.Next) != 1 {
		t.Fatalf("expected exactly one successor block after the call, got %d", len(entry.Next))
	}
	successor := g.Blocks[entry.Next[0]]
	if len(successor.StateRequests) != 1 || successor.StateRequests[0].Var != "acct" || successor.StateRequests[0].Class != "Account" {
		t.Fatalf("expected the attribute read after the split to request acct's Account state, got %+v", successor.StateRequests)
	}
}

func TestBuildIfWithDanglingFalseBranch(t *testing.T) {
	m := &descriptor.Method{
		Name: "maybe",
		Body: []descriptor.Stmt{
			descriptor.If{
				Cond: descriptor.Opaque{Label: "flag"},
				Then: []descriptor.Stmt{descriptor.Opaque{Label: "x = 1"}},
			},
			descriptor.Return{},
		},
	}
	b := NewBuilder(newFakeLookup())
	g := b.Build(m)

	var cond *Block
	for _, blk := range g.Blocks {
		if blk.Kind == KindConditional {
			cond = blk
		}
	}
	if cond == nil {
		t.Fatalf("expected a conditional block")
	}
	if cond.FalseHead != noBlock {
		t.Fatalf("expected dangling false branch to have no head, got %d", cond.FalseHead)
	}
}

func TestBuildForLoopsBack(t *testing.T) {
	m := &descriptor.Method{
		Name: "sumAll",
		Body: []descriptor.Stmt{
			descriptor.For{
				IterExpr: descriptor.Opaque{Label: "items"},
				Target:   "item",
				Body:     []descriptor.Stmt{descriptor.Opaque{Label: "acc += item"}},
			},
			descriptor.Return{},
		},
	}
	b := NewBuilder(newFakeLookup())
	g := b.Build(m)

	var forBlk *Block
	for _, blk := range g.Blocks {
		if blk.Kind == KindFor {
			forBlk = blk
		}
	}
	if forBlk == nil {
		t.Fatalf("expected a for block")
	}
	if len(forBlk.Prev) == 0 {
		t.Fatalf("expected the for block to have at least one predecessor looping back from its body")
	}
}
