// Package bus defines the messaging substrate contract the Stateful
// Operator consumes events from and replies through: at-least-once
// delivery keyed by (function type, key), a client-facing reply stream
// keyed by event_id, and ordered per-partition consumption. Besides the
// contract and the wire envelope, this package holds the concrete
// transports: the in-memory, Postgres and Redis buses.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowstate/engine/internal/eventflow"
)

// EventKind is the dotted event taxonomy: Request kinds are
// delivered to a Stateful Operator; Reply kinds are delivered to the
// client-facing reply stream.
type EventKind string

const (
	EventInitClass      EventKind = "request.init_class"
	EventInvokeStateful EventKind = "request.invoke_stateful"
	EventGetState       EventKind = "request.get_state"
	EventUpdateState    EventKind = "request.update_state"
	EventFindClass      EventKind = "request.find_class"
	EventFlow           EventKind = "request.event_flow"

	EventSuccessfulCreateClass   EventKind = "reply.successful_create_class"
	EventSuccessfulInvocation    EventKind = "reply.successful_invocation"
	EventFailedInvocation        EventKind = "reply.failed_invocation"
	EventSuccessfulStateRequest  EventKind = "reply.successful_state_request"
	EventFoundClass              EventKind = "reply.found_class"
	EventKeyNotFound              EventKind = "reply.key_not_found"
	EventPong                     EventKind = "reply.pong"
)

// Envelope is the wire format: `{event_id, event_type, fun_address,
// payload}`. Payload shape depends on EventKind; callers type-assert after
// inspecting Kind.
type Envelope struct {
	EventID     string                    `json:"event_id"`
	EventType   EventKind                 `json:"event_type"`
	FunAddress  eventflow.FunctionAddress `json:"fun_address"`
	Payload     json.RawMessage           `json:"payload"`
}

// InvokeStatefulPayload is the payload of an EventInvokeStateful request.
type InvokeStatefulPayload struct {
	MethodName string            `json:"method_name"`
	Args       []json.RawMessage `json:"args"`
}

// GetStatePayload is the payload of an EventGetState request. A plain
// client-issued request names Attribute and gets a reply back; a
// Continuation-carrying request is the Stateful Operator's own nested
// state fetch for a RequestState node, serviced by reading the whole
// instance and republishing the suspended flow rather than replying.
type GetStatePayload struct {
	Attribute    string                  `json:"attribute,omitempty"`
	Continuation *StateFetchContinuation `json:"continuation,omitempty"`
}

// StateFetchContinuation carries a suspended EventFlow machine across a
// nested state fetch that crosses into another FunctionType's partition:
// the partition servicing the fetch binds its own snapshot into Outputs at
// RequestNode and republishes the flow to ReturnAddress, the way an
// InvokeSplitFun/InvokeExternal hop republishes after running inline.
type StateFetchContinuation struct {
	Graph         *eventflow.Graph                    `json:"graph"`
	Outputs       map[int]map[string]json.RawMessage  `json:"outputs"`
	RequestNode   int                                  `json:"request_node"`
	ReturnAddress eventflow.FunctionAddress            `json:"return_address"`
	Origin        *eventflow.FunctionAddress           `json:"origin,omitempty"`
}

// UpdateStatePayload is the payload of an EventUpdateState request.
type UpdateStatePayload struct {
	Attribute      string          `json:"attribute"`
	AttributeValue json.RawMessage `json:"attribute_value"`
}

// EventFlowPayload is the payload of an EventFlow request/continuation: a
// frozen graph plus the node currently being stepped and its accumulated
// per-node outputs (the Stateful Operator serializes the updated EFG
// into an EventFlow event on every hop).
type EventFlowPayload struct {
	Graph       *eventflow.Graph           `json:"flow"`
	CurrentNode int                        `json:"current_flow"`
	Outputs     map[int]map[string]json.RawMessage `json:"outputs"`
	// Origin is the address the eventual terminal reply (or ErrorReply)
	// should be routed to; it travels with the graph across every hop.
	Origin *eventflow.FunctionAddress `json:"origin,omitempty"`
}

// ErrNoMessage is returned by ConsumePartition when no message is currently
// available; callers poll a bounded lease-claiming loop rather than
// blocking indefinitely.
var ErrNoMessage = errors.New("bus: no message available")

// Delivery is one consumed message with its acknowledgement handle.
type Delivery struct {
	Envelope Envelope
	Ack      func(ctx context.Context) error
	Nack     func(ctx context.Context) error
}

// MessageBus is the substrate contract. Partition routing is by
// (FunctionType, key); ConsumePartition drains only messages addressed to
// that shard, and is polled in a loop by the operator's worker.
type MessageBus interface {
	// Publish delivers env toward its FunAddress; at-least-once, no
	// ordering guarantee across different addresses.
	Publish(ctx context.Context, env Envelope) error

	// ConsumePartition claims up to one message addressed to
	// (functionType, key) not yet acknowledged, blocking up to
	// pollTimeout before returning ErrNoMessage.
	ConsumePartition(ctx context.Context, functionType eventflow.FunctionType, key string, pollTimeout time.Duration) (*Delivery, error)

	// PublishReply delivers a reply Envelope to the client-facing reply
	// stream keyed by env.EventID.
	PublishReply(ctx context.Context, env Envelope) error

	// AwaitReply blocks the caller (normally a test harness or client SDK
	// shim, never the operator itself) until a reply keyed by eventID
	// arrives or timeout elapses.
	AwaitReply(ctx context.Context, eventID string, timeout time.Duration) (*Envelope, error)

	Close() error
}
