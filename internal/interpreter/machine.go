// Package interpreter implements the one-step-at-a-time EFG interpreter
// embedded inside the Stateful Operator. It threads partial state
// forward via node outputs and tells its caller when a step must cross a
// key or FunctionType boundary, so the operator can externalize it as a
// message rather than the interpreter ever blocking or calling the state
// store itself.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowstate/engine/internal/classwrapper"
	"github.com/flowstate/engine/internal/eventflow"
	"github.com/flowstate/engine/internal/metrics"
	"github.com/flowstate/engine/internal/plumbing"
)

// ErrMissingInput mirrors plumbing's but names the node that could not
// resolve it.
type ErrMissingInput struct {
	NodeID int
	Var    string
}

func (e *ErrMissingInput) Error() string {
	return fmt.Sprintf("interpreter: node %d: cannot resolve input %q", e.NodeID, e.Var)
}

// OutcomeKind tags what the caller must do after a Step.
type OutcomeKind int

const (
	// OutcomeAdvance means the machine moved to another node local to this
	// partition; the caller should call Step again.
	OutcomeAdvance OutcomeKind = iota
	// OutcomeNeedsState means the current node is a RequestState that the
	// caller must resolve (via the messaging substrate, never a direct
	// store call from here) by calling ResolveState, then Step again.
	OutcomeNeedsState
	// OutcomeCrossAddress means the current node targets another
	// FunctionAddress; the caller must externalize the frozen graph as an
	// EventFlow event addressed there.
	OutcomeCrossAddress
	// OutcomeTerminal means a Return node was reached; Results holds the
	// method's output.
	OutcomeTerminal
)

// Outcome reports what happened after a Step call.
type Outcome struct {
	Kind    OutcomeKind
	NodeID  int // the node that was just stepped
	Results []json.RawMessage

	// OutcomeNeedsState
	RequestVar   string
	RequestClass eventflow.FunctionType
	RequestKey   string // the key bound upstream (e.g. at Start) that the fetch should target, if resolvable yet

	// OutcomeCrossAddress
	Target eventflow.FunctionAddress
}

// Machine drives one EFG instance. It owns no I/O: every externally visible
// effect (state fetch, cross-address call) is reported as an Outcome for
// the operator to perform and feed back via Resolve*.
type Machine struct {
	graph   *eventflow.Graph
	wrapper classwrapper.Wrapper

	current int
	outputs map[int]map[string]json.RawMessage

	// selfInstance is the serialized state of whichever key this
	// partition currently holds; it changes each time a cross-address
	// step resumes on a new partition.
	selfInstance json.RawMessage
	selfKey      string
	selfType     eventflow.FunctionType

	// iterState tracks per-InvokeFor-node loop progress: the remaining
	// elements of the materialized iterable and the iteration count.
	iterState map[int]*loopState

	// lastNode is the id of the node stepped immediately before current,
	// so stepFor can tell whether the body block it just returned from
	// closed on a break (SplitBreak) rather than simply running out of
	// statements. -1 once at Start or after a Resume, matching the
	// original's per-node `previous` pointer only being meaningful once a
	// node has actually run.
	lastNode int
}

type loopState struct {
	remaining []json.RawMessage
	index     int
}

// NewMachine constructs a Machine positioned at graph's Entry node, bound
// to the instance currently held by this partition.
func NewMachine(graph *eventflow.Graph, wrapper classwrapper.Wrapper, selfType eventflow.FunctionType, selfKey string, selfInstance json.RawMessage) *Machine {
	return &Machine{
		graph:        graph,
		wrapper:      wrapper,
		current:      graph.Entry,
		outputs:      make(map[int]map[string]json.RawMessage),
		selfInstance: selfInstance,
		selfKey:      selfKey,
		selfType:     selfType,
		iterState:    make(map[int]*loopState),
		lastNode:     -1,
	}
}

// Resume rebuilds a Machine from a frozen graph whose current node was
// persisted in an EventFlow event's payload, landing on the partition now
// holding selfKey/selfInstance.
func Resume(graph *eventflow.Graph, currentNode int, outputs map[int]map[string]json.RawMessage, wrapper classwrapper.Wrapper, selfType eventflow.FunctionType, selfKey string, selfInstance json.RawMessage) *Machine {
	if outputs == nil {
		outputs = make(map[int]map[string]json.RawMessage)
	}
	return &Machine{
		graph:        graph,
		wrapper:      wrapper,
		current:      currentNode,
		outputs:      outputs,
		selfInstance: selfInstance,
		selfKey:      selfKey,
		selfType:     selfType,
		iterState:    make(map[int]*loopState),
		lastNode:     -1,
	}
}

// Current returns the id of the node the machine is positioned on.
func (m *Machine) Current() int { return m.current }

// Outputs exposes the accumulated per-node output bindings, so the operator
// can persist them alongside the frozen graph across a cross-address hop.
func (m *Machine) Outputs() map[int]map[string]json.RawMessage { return m.outputs }

// SelfInstance returns the current partition's instance state as mutated by
// whichever InvokeSplitFun/InvokeExternal nodes have run inline so far, so
// the operator can persist it once the flow reaches OutcomeTerminal on this
// partition.
func (m *Machine) SelfInstance() json.RawMessage { return m.selfInstance }

func (m *Machine) setOutput(nodeID int, name string, value json.RawMessage) {
	bucket, ok := m.outputs[nodeID]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		m.outputs[nodeID] = bucket
	}
	bucket[name] = value
}

// ResolveState feeds a fetched snapshot back into a RequestState node the
// previous Step reported via OutcomeNeedsState.
func (m *Machine) ResolveState(nodeID int, key string, snapshot json.RawMessage) {
	m.setOutput(nodeID, "__key", json.RawMessage(fmt.Sprintf("%q", key)))
	n := m.graph.Nodes[nodeID]
	m.setOutput(nodeID, n.RequestVar, snapshot)
}

// ResolveCrossAddress feeds back the result of running an InvokeSplitFun/
// InvokeExternal node on the target partition, after the operator
// externalized it per OutcomeCrossAddress.
func (m *Machine) ResolveCrossAddress(nodeID int, result classwrapper.InvocationResult, nextInstance json.RawMessage) error {
	n := m.graph.Nodes[nodeID]
	if result.Kind == classwrapper.ResultError {
		return fmt.Errorf("interpreter: node %d: %s", nodeID, result.Err)
	}
	if n.ResultVar != "" {
		m.setOutput(nodeID, n.ResultVar, result.Value)
	}
	m.selfInstance = nextInstance
	m.lastNode = nodeID
	m.current = single(n.Next)
	return nil
}

// Step advances the machine by exactly one node. Callers must
// inspect Outcome.Kind: an OutcomeNeedsState or OutcomeCrossAddress result
// leaves the machine positioned on the same node until the corresponding
// Resolve* call supplies the missing effect. After ResolveState the next
// Step advances past the RequestState node; ResolveCrossAddress itself moves
// the machine on to the invoked node's successor.
func (m *Machine) Step(ctx context.Context) (Outcome, error) {
	n, ok := m.graph.Nodes[m.current]
	if !ok {
		return Outcome{}, fmt.Errorf("interpreter: no such node %d", m.current)
	}

	start := time.Now()
	label := n.Kind.String()
	defer func() {
		metrics.StepsExecuted.WithLabelValues(label).Inc()
		metrics.StepDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch n.Kind {
	case eventflow.NodeStart:
		return m.advanceTo(n, single(n.Next))

	case eventflow.NodeRequestState:
		if _, ok := m.outputs[n.ID][n.RequestVar]; !ok {
			var key string
			if raw, ok := m.lookup(n.ID, n.RequestVar); ok {
				json.Unmarshal(raw, &key)
			}
			return Outcome{Kind: OutcomeNeedsState, NodeID: n.ID, RequestVar: n.RequestVar, RequestClass: n.RequestClass, RequestKey: key}, nil
		}
		return m.advanceTo(n, single(n.Next))

	case eventflow.NodeInvokeSplitFun, eventflow.NodeInvokeExternal:
		return m.stepInvoke(ctx, n)

	case eventflow.NodeInvokeConditional:
		return m.stepConditional(n)

	case eventflow.NodeInvokeFor:
		return m.stepFor(n)

	case eventflow.NodeReturn:
		var results []json.RawMessage
		if n.ReturnVar != "" {
			if v, ok := m.lookup(n.ID, n.ReturnVar); ok {
				results = []json.RawMessage{v}
			}
		}
		return Outcome{Kind: OutcomeTerminal, NodeID: n.ID, Results: results}, nil

	default:
		return Outcome{}, fmt.Errorf("interpreter: unknown node kind at %d", n.ID)
	}
}

// stepInvoke runs an InvokeSplitFun/InvokeExternal node: a call targeting
// either the instance this partition already holds (run inline) or another
// address entirely (reported as OutcomeCrossAddress for the operator to
// externalize).
func (m *Machine) stepInvoke(ctx context.Context, n *eventflow.Node) (Outcome, error) {
	if n.TargetMethod == "" {
		// a compiled placeholder for an empty block: nothing to invoke.
		return m.advanceTo(n, single(n.Next))
	}

	resolved := make([]json.RawMessage, 0, len(n.InputVars))
	for _, name := range n.InputVars {
		v, ok := m.lookup(n.ID, name)
		if !ok {
			return Outcome{}, &ErrMissingInput{NodeID: n.ID, Var: name}
		}
		resolved = append(resolved, v)
	}

	targetsSelf := n.TargetType == "" || n.TargetType == m.selfType
	if !targetsSelf {
		key := m.selfKey
		if n.ReceiverVar != "" {
			if k, ok := m.lookupKey(n.ID, n.ReceiverVar); ok {
				key = k
			}
		}
		return Outcome{Kind: OutcomeCrossAddress, NodeID: n.ID, Target: eventflow.FunctionAddress{FunctionType: n.TargetType, Key: key}}, nil
	}

	result, nextInstance, err := m.wrapper.InvokeWithInstance(ctx, m.selfInstance, n.TargetMethod, resolved)
	if err != nil {
		return Outcome{}, fmt.Errorf("interpreter: node %d: %w", n.ID, err)
	}
	if result.Kind == classwrapper.ResultError {
		return Outcome{}, fmt.Errorf("interpreter: node %d: %s", n.ID, result.Err)
	}
	m.selfInstance = nextInstance
	if n.ResultVar != "" {
		m.setOutput(n.ID, n.ResultVar, result.Value)
	}
	return m.advanceTo(n, single(n.Next))
}

func (m *Machine) stepConditional(n *eventflow.Node) (Outcome, error) {
	v, ok := m.lookup(n.ID, n.TestVar)
	if !ok {
		return Outcome{}, &ErrMissingInput{NodeID: n.ID, Var: n.TestVar}
	}
	var flag bool
	if err := json.Unmarshal(v, &flag); err != nil {
		return Outcome{}, fmt.Errorf("interpreter: node %d: predicate is not a boolean: %w", n.ID, err)
	}
	next := n.FalseNext
	if flag {
		next = n.TrueNext
	}
	if next < 0 {
		return Outcome{}, fmt.Errorf("interpreter: node %d: no successor for predicate=%v", n.ID, flag)
	}
	return m.advanceTo(n, next)
}

func (m *Machine) stepFor(n *eventflow.Node) (Outcome, error) {
	// A body pass that closed on a break skips the remaining iterations (and
	// the loop-else arm) outright, mirroring InvokeFor.step's
	// previous_node.output["_type"] == "Break" check against whatever node
	// just ran. A continue carries no special handling here: the body
	// already looped back to this node exactly as a normal pass would.
	if prev, ok := m.graph.Nodes[m.lastNode]; ok && prev.SplitKind == eventflow.SplitBreak {
		delete(m.iterState, n.ID)
		return m.advanceTo(n, n.AfterNext)
	}

	state, ok := m.iterState[n.ID]
	if !ok {
		iterable, iok := m.lookup(n.ID, n.IterVar)
		if !iok {
			return Outcome{}, &ErrMissingInput{NodeID: n.ID, Var: n.IterVar}
		}
		var elements []json.RawMessage
		if err := json.Unmarshal(iterable, &elements); err != nil {
			return Outcome{}, fmt.Errorf("interpreter: node %d: iterable is not an array: %w", n.ID, err)
		}
		state = &loopState{remaining: elements}
		m.iterState[n.ID] = state
	}

	if state.index >= len(state.remaining) {
		// StopIteration
		next := n.ElseNext
		if next < 0 {
			next = n.AfterNext
		}
		return m.advanceTo(n, next)
	}

	element := state.remaining[state.index]
	state.index++
	m.setOutput(n.ID, n.LoopVar, element)
	return m.advanceTo(n, n.BodyNext)
}

func (m *Machine) advanceTo(from *eventflow.Node, next int) (Outcome, error) {
	if next < 0 {
		return Outcome{}, fmt.Errorf("interpreter: node %d has no successor", from.ID)
	}
	m.lastNode = from.ID
	m.current = next
	return Outcome{Kind: OutcomeAdvance, NodeID: from.ID}, nil
}

// lookup resolves name as visible from nodeID: first among that node's own
// recorded output (covers RequestState's "__key" companion binding and
// values produced by the node currently being stepped), then via nearest-
// predecessor-wins over the graph.
func (m *Machine) lookup(nodeID int, name string) (json.RawMessage, bool) {
	if bucket, ok := m.outputs[nodeID]; ok {
		if v, ok := bucket[name]; ok {
			return v, true
		}
	}
	producer, ok := plumbing.Resolve(m.graph, nodeID, name)
	if !ok {
		return nil, false
	}
	bucket, ok := m.outputs[producer.NodeID]
	if !ok {
		return nil, false
	}
	v, ok := bucket[name]
	return v, ok
}

// lookupKey resolves the __key companion binding that the RequestState
// node producing name recorded alongside its fetched snapshot, letting a
// cross-address call reconstruct which keyed instance a resolved variable
// actually refers to.
func (m *Machine) lookupKey(nodeID int, name string) (string, bool) {
	producer, ok := plumbing.Resolve(m.graph, nodeID, name)
	if !ok || producer.Kind != eventflow.NodeRequestState {
		return "", false
	}
	bucket, ok := m.outputs[producer.NodeID]
	if !ok {
		return "", false
	}
	raw, ok := bucket["__key"]
	if !ok {
		return "", false
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", false
	}
	return key, true
}

func single(next []int) int {
	if len(next) == 0 {
		return -1
	}
	return next[0]
}
