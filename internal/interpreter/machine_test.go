package interpreter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flowstate/engine/internal/classwrapper"
	"github.com/flowstate/engine/internal/eventflow"
)

type stubWrapper struct {
	invoked []string
}

func (s *stubWrapper) InvokeReturnInstance(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubWrapper) InvokeWithInstance(ctx context.Context, instance json.RawMessage, method string, args []json.RawMessage) (classwrapper.InvocationResult, json.RawMessage, error) {
	s.invoked = append(s.invoked, method)
	return classwrapper.InvocationResult{Kind: classwrapper.ResultValue, Value: json.RawMessage(`true`)}, json.RawMessage(`{"updated":true}`), nil
}

func TestMachineLinearTerminal(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeInvokeSplitFun, TargetType: "Account", TargetMethod: "credit", ResultVar: "r", Previous: []int{0}, Next: []int{2}},
			2: {ID: 2, Kind: eventflow.NodeReturn, ReturnVar: "r", Previous: []int{1}},
		},
	}

	w := &stubWrapper{}
	m := NewMachine(g, w, "Account", "acct-1", json.RawMessage(`{"balance":0}`))

	out, err := m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance {
		t.Fatalf("step 0: %v %+v", err, out)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance {
		t.Fatalf("step 1: %v %+v", err, out)
	}
	if len(w.invoked) != 1 || w.invoked[0] != "credit" {
		t.Fatalf("expected credit to be invoked, got %v", w.invoked)
	}

	out, err = m.Step(context.Background())
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if out.Kind != OutcomeTerminal {
		t.Fatalf("expected terminal outcome, got %+v", out)
	}
	if len(out.Results) != 1 || string(out.Results[0]) != "true" {
		t.Fatalf("expected result true, got %+v", out.Results)
	}
}

func TestMachineCrossAddressReportedNotInvoked(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeInvokeSplitFun, TargetType: "Item", TargetMethod: "update_stock", Previous: []int{0}, Next: []int{2}},
			2: {ID: 2, Kind: eventflow.NodeReturn, Previous: []int{1}},
		},
	}
	w := &stubWrapper{}
	m := NewMachine(g, w, "User", "u1", json.RawMessage(`{}`))

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("start step: %v", err)
	}
	out, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if out.Kind != OutcomeCrossAddress {
		t.Fatalf("expected cross-address outcome, got %+v", out)
	}
	if out.Target.FunctionType != "Item" {
		t.Fatalf("expected target Item, got %v", out.Target)
	}
	if len(w.invoked) != 0 {
		t.Fatalf("expected the wrapper not to be invoked locally for a cross-address call")
	}
}

func TestMachineRequestStateRoundTrip(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeRequestState, RequestVar: "item", RequestClass: "Item", Previous: []int{0}, Next: []int{2}},
			2: {ID: 2, Kind: eventflow.NodeReturn, ReturnVar: "item", Previous: []int{1}},
		},
	}
	w := &stubWrapper{}
	m := NewMachine(g, w, "User", "u1", json.RawMessage(`{}`))
	m.Step(context.Background())

	out, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if out.Kind != OutcomeNeedsState {
		t.Fatalf("expected needs-state outcome, got %+v", out)
	}

	m.ResolveState(1, "i1", json.RawMessage(`{"stock":5}`))
	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance {
		t.Fatalf("expected advance after resolving state: %v %+v", err, out)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeTerminal {
		t.Fatalf("expected terminal: %v %+v", err, out)
	}
	if string(out.Results[0]) != `{"stock":5}` {
		t.Fatalf("expected item snapshot as result, got %s", out.Results[0])
	}
}

func TestMachineForLoopEntersBodyOnFirstIteration(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeInvokeFor, IterVar: "items", LoopVar: "item", BodyNext: 2, ElseNext: 3, AfterNext: 3, Previous: []int{0}},
			2: {ID: 2, Kind: eventflow.NodeReturn, Previous: []int{1}}, // stand-in body terminal, not re-entered in this smoke test
			3: {ID: 3, Kind: eventflow.NodeReturn, ReturnVar: "item", Previous: []int{1}},
		},
	}
	w := &stubWrapper{}
	m := NewMachine(g, w, "User", "u1", json.RawMessage(`{}`))
	m.outputs[1] = map[string]json.RawMessage{"items": json.RawMessage(`[1,2,3]`)}

	m.Step(context.Background())
	out, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("first iteration: %v", err)
	}
	if out.Kind != OutcomeAdvance || m.Current() != 2 {
		t.Fatalf("expected first iteration to enter the body, got %+v current=%d", out, m.Current())
	}
}

// countingWrapper's "bump" method increments a call counter and reports it
// as both the method result and the persisted instance state, standing in
// for a loop body whose every pass mutates self state once.
type countingWrapper struct {
	calls int
}

func (w *countingWrapper) InvokeReturnInstance(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (w *countingWrapper) InvokeWithInstance(ctx context.Context, instance json.RawMessage, method string, args []json.RawMessage) (classwrapper.InvocationResult, json.RawMessage, error) {
	w.calls++
	value, _ := json.Marshal(w.calls)
	next, _ := json.Marshal(map[string]int{"count": w.calls})
	return classwrapper.InvocationResult{Kind: classwrapper.ResultValue, Value: value}, next, nil
}

// TestMachineForLoopRunsBodyThenStopIteration drives a 4-element loop whose
// body runs inline each pass and loops back to the ForNode, matching the
// scenario of a for loop iterating a fixed list and returning the number of
// passes once it is exhausted: the ForNode steps five times (four body
// entries plus the StopIteration check) before falling through.
func TestMachineForLoopRunsBodyThenStopIteration(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeInvokeFor, IterVar: "items", LoopVar: "item", BodyNext: 2, ElseNext: -1, AfterNext: 3, Previous: []int{0, 2}},
			2: {ID: 2, Kind: eventflow.NodeInvokeExternal, TargetMethod: "bump", ResultVar: "count", Previous: []int{1}, Next: []int{1}},
			3: {ID: 3, Kind: eventflow.NodeReturn, ReturnVar: "count", Previous: []int{1}},
		},
	}
	w := &countingWrapper{}
	m := NewMachine(g, w, "Counter", "c1", json.RawMessage(`{}`))
	m.outputs[1] = map[string]json.RawMessage{"items": json.RawMessage(`[1,2,3,4]`)}

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("start step: %v", err)
	}

	for i := 0; i < 4; i++ {
		out, err := m.Step(context.Background())
		if err != nil || out.Kind != OutcomeAdvance || m.Current() != 2 {
			t.Fatalf("iteration %d: expected advance into body, got %+v current=%d err=%v", i, out, m.Current(), err)
		}
		out, err = m.Step(context.Background())
		if err != nil || out.Kind != OutcomeAdvance {
			t.Fatalf("iteration %d: expected advance out of body, got %+v err=%v", i, out, err)
		}
	}

	out, err := m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance || m.Current() != 3 {
		t.Fatalf("expected StopIteration to fall through to node 3, got %+v current=%d err=%v", out, m.Current(), err)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeTerminal {
		t.Fatalf("expected terminal outcome, got %+v err=%v", out, err)
	}
	if w.calls != 4 {
		t.Fatalf("expected the loop body to run exactly 4 times, got %d", w.calls)
	}
	if len(out.Results) != 1 || string(out.Results[0]) != "4" {
		t.Fatalf("expected the returned count to be 4, got %+v", out.Results)
	}
}

// TestMachineForLoopBreaksEarly covers a body block the compiler tagged
// SplitBreak (its last statement was a break): the ForNode must route
// straight to AfterNext on the very next step instead of consuming the rest
// of the iterable, and must not fall into the loop-else arm either.
func TestMachineForLoopBreaksEarly(t *testing.T) {
	g := &eventflow.Graph{
		Entry: 0,
		Nodes: map[int]*eventflow.Node{
			0: {ID: 0, Kind: eventflow.NodeStart, Next: []int{1}},
			1: {ID: 1, Kind: eventflow.NodeInvokeFor, IterVar: "items", LoopVar: "item", BodyNext: 2, ElseNext: 4, AfterNext: 3, Previous: []int{0, 2}},
			2: {ID: 2, Kind: eventflow.NodeInvokeExternal, TargetMethod: "bump", ResultVar: "count", SplitKind: eventflow.SplitBreak, Previous: []int{1}, Next: []int{1}},
			3: {ID: 3, Kind: eventflow.NodeReturn, ReturnVar: "count", Previous: []int{1}},
			4: {ID: 4, Kind: eventflow.NodeReturn, Previous: []int{1}},
		},
	}
	w := &countingWrapper{}
	m := NewMachine(g, w, "Counter", "c1", json.RawMessage(`{}`))
	m.outputs[1] = map[string]json.RawMessage{"items": json.RawMessage(`[1,2,3,4]`)}

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("start step: %v", err)
	}

	out, err := m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance || m.Current() != 2 {
		t.Fatalf("expected advance into body, got %+v current=%d err=%v", out, m.Current(), err)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance || m.Current() != 1 {
		t.Fatalf("expected advance back to the ForNode, got %+v current=%d err=%v", out, m.Current(), err)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeAdvance || m.Current() != 3 {
		t.Fatalf("expected the break to route to AfterNext (3), not ElseNext (4), got %+v current=%d err=%v", out, m.Current(), err)
	}

	out, err = m.Step(context.Background())
	if err != nil || out.Kind != OutcomeTerminal {
		t.Fatalf("expected terminal outcome, got %+v err=%v", out, err)
	}
	if w.calls != 1 {
		t.Fatalf("expected the loop body to run exactly once before breaking, got %d", w.calls)
	}
	if len(out.Results) != 1 || string(out.Results[0]) != "1" {
		t.Fatalf("expected the returned count to be 1, got %+v", out.Results)
	}
}
