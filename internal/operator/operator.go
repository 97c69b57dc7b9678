// Package operator implements the Stateful Operator: a per-key,
// per-FunctionType dispatcher that loads state, applies one request event,
// persists the result, and emits a reply or continuation. It embeds the EFG
// interpreter (package interpreter) to drive EventFlow events one node at a
// time, externalizing cross-address hops as new EventFlow messages rather
// than calling across partitions directly.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowstate/engine/internal/bus"
	"github.com/flowstate/engine/internal/classwrapper"
	"github.com/flowstate/engine/internal/eventflow"
	"github.com/flowstate/engine/internal/interpreter"
	"github.com/flowstate/engine/internal/logging"
	"github.com/flowstate/engine/internal/metrics"
	"github.com/flowstate/engine/internal/statefn"
)

// KeyFunc derives the instance key from its just-constructed state, the
// way a constructor's key-extraction logic does at instance-creation time.
type KeyFunc func(instance json.RawMessage) (string, error)

// GraphLookup resolves the compiled EFG for a splittable method, keyed by
// method name.
type GraphLookup interface {
	Graph(method string) (*eventflow.Graph, bool)
}

// Handler is the per-FunctionType operator. One Handler instance is shared
// across every key of its type; state isolation comes entirely from the
// StateStore's function-id/key namespacing, not from any in-process
// per-key object.
type Handler struct {
	functionType eventflow.FunctionType
	store        statefn.StateStore
	messages     bus.MessageBus
	wrapper      classwrapper.Wrapper
	graphs       GraphLookup
	keyFn        KeyFunc
}

// Config bundles a Handler's dependencies.
type Config struct {
	FunctionType eventflow.FunctionType
	Store        statefn.StateStore
	Bus          bus.MessageBus
	Wrapper      classwrapper.Wrapper
	Graphs       GraphLookup
	KeyFunc      KeyFunc
}

// NewHandler constructs a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		functionType: cfg.FunctionType,
		store:        cfg.Store,
		messages:     cfg.Bus,
		wrapper:      cfg.Wrapper,
		graphs:       cfg.Graphs,
		keyFn:        cfg.KeyFunc,
	}
}

// HandleEvent dispatches one delivered event to the handler matching its
// EventType, replying or continuing via the bus.
func (h *Handler) HandleEvent(ctx context.Context, env bus.Envelope) error {
	log := logging.Op().With(
		"component", "operator",
		"function_type", string(h.functionType),
		"event_id", env.EventID,
		"event_type", string(env.EventType),
		"key", env.FunAddress.Key,
	)
	log.Debug("dispatching event")

	var err error
	switch env.EventType {
	case bus.EventInitClass:
		err = h.handleInitClass(ctx, env)
	case bus.EventInvokeStateful:
		err = h.handleInvokeStateful(ctx, env)
	case bus.EventGetState:
		err = h.handleGetState(ctx, env)
	case bus.EventUpdateState:
		err = h.handleUpdateState(ctx, env)
	case bus.EventFindClass:
		err = h.handleFindClass(ctx, env)
	case bus.EventFlow:
		err = h.handleEventFlow(ctx, env)
	default:
		err = fmt.Errorf("operator: unrecognized event type %q", env.EventType)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Error("event handling failed", slog.Any("err", err))
	}
	metrics.EventsHandled.WithLabelValues(string(h.functionType), string(env.EventType), outcome).Inc()
	return err
}

func (h *Handler) reply(ctx context.Context, eventID string, addr eventflow.FunctionAddress, kind bus.EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("operator: encode reply payload: %w", err)
	}
	return h.messages.PublishReply(ctx, bus.Envelope{EventID: eventID, EventType: kind, FunAddress: addr, Payload: data})
}

// handleInitClass implements the two-phase handshake: the key is
// derived from the newly constructed instance before the write is
// attempted, so a duplicate init never partially overwrites existing
// state.
func (h *Handler) handleInitClass(ctx context.Context, env bus.Envelope) error {
	var payload bus.InvokeStatefulPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("operator: decode init payload: %w", err)
	}

	instance, err := h.wrapper.InvokeReturnInstance(ctx, payload.MethodName, payload.Args)
	if err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventFailedInvocation, map[string]string{"error": err.Error()})
	}

	key := env.FunAddress.Key
	if h.keyFn != nil {
		derived, err := h.keyFn(instance)
		if err != nil {
			return h.reply(ctx, env.EventID, env.FunAddress, bus.EventFailedInvocation, map[string]string{"error": err.Error()})
		}
		key = derived
	}

	addr := eventflow.FunctionAddress{FunctionType: h.functionType, Key: key}

	if _, err := h.store.Get(ctx, string(h.functionType), key); err == nil {
		return h.reply(ctx, env.EventID, addr, bus.EventFailedInvocation, map[string]string{"error": "duplicate init: key already occupied"})
	}

	if _, err := h.store.Put(ctx, string(h.functionType), key, instance, nil); err != nil {
		return fmt.Errorf("operator: persist init state: %w", err)
	}

	return h.reply(ctx, env.EventID, addr, bus.EventSuccessfulCreateClass, map[string]string{"key": key})
}

func (h *Handler) handleInvokeStateful(ctx context.Context, env bus.Envelope) error {
	existing, err := h.store.Get(ctx, string(h.functionType), env.FunAddress.Key)
	if err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventKeyNotFound, nil)
	}

	var payload bus.InvokeStatefulPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("operator: decode invoke payload: %w", err)
	}

	// A splittable method has a compiled EFG and must be driven through it
	// rather than invoked inline, so a call crossing into another instance
	// partway through externalizes instead of reaching across partitions
	// directly.
	if h.graphs != nil {
		if graph, ok := h.graphs.Graph(payload.MethodName); ok {
			start := graph.Nodes[graph.Entry]
			bucket := make(map[string]json.RawMessage, len(start.Params))
			for i, name := range start.Params {
				if i < len(payload.Args) {
					bucket[name] = payload.Args[i]
				}
			}
			flow := bus.EventFlowPayload{
				Graph:       graph,
				CurrentNode: graph.Entry,
				Outputs:     map[int]map[string]json.RawMessage{graph.Entry: bucket},
				Origin:      &env.FunAddress,
			}
			return h.runEventFlow(ctx, env, flow, existing)
		}
	}

	result, next, err := h.wrapper.InvokeWithInstance(ctx, existing.Value, payload.MethodName, payload.Args)
	if err != nil {
		return fmt.Errorf("operator: invoke %s: %w", payload.MethodName, err)
	}
	if result.Kind == classwrapper.ResultError {
		// A failed invocation leaves the previous state byte-identical —
		// do not call Put.
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventFailedInvocation, map[string]string{"error": result.Err})
	}

	if _, err := h.store.Put(ctx, string(h.functionType), env.FunAddress.Key, next, &statefn.PutOptions{ExpectedVersion: existing.Version}); err != nil {
		return fmt.Errorf("operator: persist updated state: %w", err)
	}

	return h.reply(ctx, env.EventID, env.FunAddress, bus.EventSuccessfulInvocation, map[string]json.RawMessage{"return_results": result.Value})
}

func (h *Handler) handleGetState(ctx context.Context, env bus.Envelope) error {
	existing, err := h.store.Get(ctx, string(h.functionType), env.FunAddress.Key)
	if err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventKeyNotFound, nil)
	}

	var payload bus.GetStatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("operator: decode get-state payload: %w", err)
	}

	if payload.Continuation != nil {
		return h.resumeAfterStateFetch(ctx, env, payload.Continuation, existing)
	}

	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(existing.Value, &attrs); err != nil {
		return fmt.Errorf("operator: decode instance attributes: %w", err)
	}

	return h.reply(ctx, env.EventID, env.FunAddress, bus.EventSuccessfulStateRequest, map[string]json.RawMessage{"state": attrs[payload.Attribute]})
}

// resumeAfterStateFetch services a nested state fetch issued by another
// partition's RequestState node: it binds this instance's snapshot into the
// suspended flow at cont.RequestNode and republishes the flow to
// cont.ReturnAddress, mirroring how a cross-address call republishes after
// running inline rather than replying to the original caller directly.
func (h *Handler) resumeAfterStateFetch(ctx context.Context, env bus.Envelope, cont *bus.StateFetchContinuation, existing *statefn.Entry) error {
	outputs := cont.Outputs
	if outputs == nil {
		outputs = make(map[int]map[string]json.RawMessage)
	}
	bucket, ok := outputs[cont.RequestNode]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		outputs[cont.RequestNode] = bucket
	}
	bucket["__key"] = json.RawMessage(fmt.Sprintf("%q", env.FunAddress.Key))
	n, ok := cont.Graph.Nodes[cont.RequestNode]
	if !ok {
		return fmt.Errorf("operator: state-fetch continuation names unknown node %d", cont.RequestNode)
	}
	bucket[n.RequestVar] = existing.Value

	next := bus.EventFlowPayload{Graph: cont.Graph, CurrentNode: cont.RequestNode, Outputs: outputs, Origin: cont.Origin}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("operator: encode state-fetch continuation: %w", err)
	}
	return h.messages.Publish(ctx, bus.Envelope{EventID: env.EventID, EventType: bus.EventFlow, FunAddress: cont.ReturnAddress, Payload: data})
}

func (h *Handler) handleUpdateState(ctx context.Context, env bus.Envelope) error {
	existing, err := h.store.Get(ctx, string(h.functionType), env.FunAddress.Key)
	if err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventKeyNotFound, nil)
	}

	var payload bus.UpdateStatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("operator: decode update-state payload: %w", err)
	}

	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(existing.Value, &attrs); err != nil {
		attrs = make(map[string]json.RawMessage)
	}
	attrs[payload.Attribute] = payload.AttributeValue

	next, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("operator: encode updated attributes: %w", err)
	}
	if _, err := h.store.Put(ctx, string(h.functionType), env.FunAddress.Key, next, &statefn.PutOptions{ExpectedVersion: existing.Version}); err != nil {
		return fmt.Errorf("operator: persist updated attribute: %w", err)
	}

	return h.reply(ctx, env.EventID, env.FunAddress, bus.EventSuccessfulStateRequest, nil)
}

// hopOutcomeLabel names an interpreter.Outcome.Kind for log lines, matching
// the node-kind-as-string convention metrics.StepsExecuted uses.
func hopOutcomeLabel(kind interpreter.OutcomeKind) string {
	switch kind {
	case interpreter.OutcomeAdvance:
		return "advance"
	case interpreter.OutcomeNeedsState:
		return "needs_state"
	case interpreter.OutcomeCrossAddress:
		return "cross_address"
	case interpreter.OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

func (h *Handler) handleFindClass(ctx context.Context, env bus.Envelope) error {
	if _, err := h.store.Get(ctx, string(h.functionType), env.FunAddress.Key); err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventKeyNotFound, nil)
	}
	return h.reply(ctx, env.EventID, env.FunAddress, bus.EventFoundClass, nil)
}

// handleEventFlow steps an in-flight EFG until it either terminates (reply
// to Origin) or reaches a node targeting another address (externalize a
// continuation EventFlow event there).
func (h *Handler) handleEventFlow(ctx context.Context, env bus.Envelope) error {
	var payload bus.EventFlowPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("operator: decode event-flow payload: %w", err)
	}

	existing, err := h.store.Get(ctx, string(h.functionType), env.FunAddress.Key)
	if err != nil {
		return h.reply(ctx, env.EventID, env.FunAddress, bus.EventKeyNotFound, nil)
	}

	return h.runEventFlow(ctx, env, payload, existing)
}

// runEventFlow drives payload's frozen graph from its CurrentNode until the
// machine either terminates (reply to Origin) or reaches a node targeting
// another address (externalize a continuation EventFlow event there). Used
// both for an EventFlow event resuming mid-graph and for a fresh
// InvokeStateful call against a splittable method starting at its Entry.
func (h *Handler) runEventFlow(ctx context.Context, env bus.Envelope, payload bus.EventFlowPayload, existing *statefn.Entry) error {
	m := interpreter.Resume(payload.Graph, payload.CurrentNode, payload.Outputs, h.wrapper, h.functionType, env.FunAddress.Key, existing.Value)
	log := logging.Op().With(
		"component", "operator.flow",
		"function_type", string(h.functionType),
		"event_id", env.EventID,
		"key", env.FunAddress.Key,
	)

	for {
		outcome, err := m.Step(ctx)
		if err != nil {
			log.Error("hop failed", slog.Int("node", m.Current()), slog.Any("err", err))
			origin := payload.Origin
			if origin == nil {
				origin = &env.FunAddress
			}
			return h.reply(ctx, env.EventID, *origin, bus.EventFailedInvocation, map[string]string{"error": err.Error()})
		}
		log.Debug("hop", slog.Int("node", outcome.NodeID), slog.String("outcome", hopOutcomeLabel(outcome.Kind)))

		switch outcome.Kind {
		case interpreter.OutcomeAdvance:
			continue

		case interpreter.OutcomeNeedsState:
			// The fetch crosses into the RequestClass partition, so it is
			// externalized the same way a cross-address call is: publish
			// and return rather than block, carrying enough of the
			// suspended flow for the target partition to resume it once
			// its own snapshot is bound. Any mutation this partition made
			// earlier in the flow must survive the hop, so persist first.
			if _, err := h.store.Put(ctx, string(h.functionType), env.FunAddress.Key, m.SelfInstance(), &statefn.PutOptions{ExpectedVersion: existing.Version}); err != nil {
				return fmt.Errorf("operator: persist state before nested fetch: %w", err)
			}
			data, err := json.Marshal(bus.GetStatePayload{
				Continuation: &bus.StateFetchContinuation{
					Graph:         payload.Graph,
					Outputs:       m.Outputs(),
					RequestNode:   outcome.NodeID,
					ReturnAddress: env.FunAddress,
					Origin:        payload.Origin,
				},
			})
			if err != nil {
				return fmt.Errorf("operator: encode state-fetch request: %w", err)
			}
			return h.messages.Publish(ctx, bus.Envelope{
				EventID:    env.EventID,
				EventType:  bus.EventGetState,
				FunAddress: eventflow.FunctionAddress{FunctionType: outcome.RequestClass, Key: outcome.RequestKey},
				Payload:    data,
			})

		case interpreter.OutcomeCrossAddress:
			// Any mutation this partition made earlier in the flow must
			// survive the hop to the target partition, so persist first.
			if _, err := h.store.Put(ctx, string(h.functionType), env.FunAddress.Key, m.SelfInstance(), &statefn.PutOptions{ExpectedVersion: existing.Version}); err != nil {
				return fmt.Errorf("operator: persist state before cross-address hop: %w", err)
			}
			next := bus.EventFlowPayload{
				Graph:       payload.Graph,
				CurrentNode: outcome.NodeID,
				Outputs:     m.Outputs(),
				Origin:      payload.Origin,
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("operator: encode continuation: %w", err)
			}
			return h.messages.Publish(ctx, bus.Envelope{
				EventID:    env.EventID,
				EventType:  bus.EventFlow,
				FunAddress: outcome.Target,
				Payload:    data,
			})

		case interpreter.OutcomeTerminal:
			if _, err := h.store.Put(ctx, string(h.functionType), env.FunAddress.Key, m.SelfInstance(), &statefn.PutOptions{ExpectedVersion: existing.Version}); err != nil {
				return fmt.Errorf("operator: persist terminal state: %w", err)
			}
			origin := payload.Origin
			if origin == nil {
				origin = &env.FunAddress
			}
			return h.reply(ctx, env.EventID, *origin, bus.EventSuccessfulInvocation, map[string][]json.RawMessage{"return_results": outcome.Results})
		}
	}
}
