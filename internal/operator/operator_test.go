package operator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowstate/engine/internal/bus"
	"github.com/flowstate/engine/internal/classwrapper"
	"github.com/flowstate/engine/internal/eventflow"
	"github.com/flowstate/engine/internal/store"
)

type user struct {
	Username string `json:"username"`
	Balance  int    `json:"balance"`
	Items    []string `json:"items"`
}

func (u *user) Init(username string) {
	u.Username = username
	u.Balance = 0
	u.Items = []string{}
}

func (u *user) UpdateBalance(x int) {
	u.Balance += x
}

type nilGraphs struct{}

func (nilGraphs) Graph(method string) (*eventflow.Graph, bool) { return nil, false }

func newTestHandler(t *testing.T) (*Handler, *bus.InMemoryBus, *store.InMemoryStore) {
	t.Helper()
	b := bus.NewInMemoryBus()
	s := store.NewInMemoryStore()
	w := classwrapper.NewReflectWrapper("User", func() any { return &user{} })
	h := NewHandler(Config{
		FunctionType: "User",
		Store:        s,
		Bus:          b,
		Wrapper:      w,
		Graphs:       nilGraphs{},
		KeyFunc: func(instance json.RawMessage) (string, error) {
			var u user
			if err := json.Unmarshal(instance, &u); err != nil {
				return "", err
			}
			return u.Username, nil
		},
	})
	return h, b, s
}

func TestOperatorInitClassThenDuplicate(t *testing.T) {
	h, b, s := newTestHandler(t)
	ctx := context.Background()

	args, _ := json.Marshal("wouter")
	payload, _ := json.Marshal(bus.InvokeStatefulPayload{MethodName: "Init", Args: []json.RawMessage{args}})
	env := bus.Envelope{EventID: "e1", EventType: bus.EventInitClass, FunAddress: eventflow.FunctionAddress{FunctionType: "User"}, Payload: payload}

	if err := h.HandleEvent(ctx, env); err != nil {
		t.Fatalf("init: %v", err)
	}
	reply, err := b.AwaitReply(ctx, "e1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.EventType != bus.EventSuccessfulCreateClass {
		t.Fatalf("expected SuccessfulCreateClass, got %v", reply.EventType)
	}

	entry, err := s.Get(ctx, "User", "wouter")
	if err != nil {
		t.Fatalf("expected persisted state, got %v", err)
	}
	var u user
	json.Unmarshal(entry.Value, &u)
	if u.Username != "wouter" || u.Balance != 0 {
		t.Fatalf("unexpected persisted state %+v", u)
	}

	env2 := bus.Envelope{EventID: "e2", EventType: bus.EventInitClass, FunAddress: eventflow.FunctionAddress{FunctionType: "User"}, Payload: payload}
	if err := h.HandleEvent(ctx, env2); err != nil {
		t.Fatalf("duplicate init: %v", err)
	}
	reply2, err := b.AwaitReply(ctx, "e2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply 2: %v", err)
	}
	if reply2.EventType != bus.EventFailedInvocation {
		t.Fatalf("expected FailedInvocation on duplicate init, got %v", reply2.EventType)
	}
}

func TestOperatorInvokeStatefulUpdatesBalance(t *testing.T) {
	h, b, s := newTestHandler(t)
	ctx := context.Background()
	s.Put(ctx, "User", "u1", json.RawMessage(`{"username":"u1","balance":10,"items":[]}`), nil)

	arg, _ := json.Marshal(5)
	payload, _ := json.Marshal(bus.InvokeStatefulPayload{MethodName: "UpdateBalance", Args: []json.RawMessage{arg}})
	env := bus.Envelope{EventID: "e3", EventType: bus.EventInvokeStateful, FunAddress: eventflow.FunctionAddress{FunctionType: "User", Key: "u1"}, Payload: payload}

	if err := h.HandleEvent(ctx, env); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	reply, err := b.AwaitReply(ctx, "e3", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.EventType != bus.EventSuccessfulInvocation {
		t.Fatalf("expected SuccessfulInvocation, got %v", reply.EventType)
	}

	entry, _ := s.Get(ctx, "User", "u1")
	var u user
	json.Unmarshal(entry.Value, &u)
	if u.Balance != 15 {
		t.Fatalf("expected balance 15, got %d", u.Balance)
	}
}

// TestOperatorInvokeStatefulTypedFailure covers an argument that cannot be
// decoded against the method's declared parameter type: it must come back
// as FailedInvocation, with the instance's prior state left byte-identical.
func TestOperatorInvokeStatefulTypedFailure(t *testing.T) {
	h, b, s := newTestHandler(t)
	ctx := context.Background()
	s.Put(ctx, "User", "u1", json.RawMessage(`{"username":"u1","balance":10,"items":[]}`), nil)

	arg, _ := json.Marshal("100")
	payload, _ := json.Marshal(bus.InvokeStatefulPayload{MethodName: "UpdateBalance", Args: []json.RawMessage{arg}})
	env := bus.Envelope{EventID: "e5", EventType: bus.EventInvokeStateful, FunAddress: eventflow.FunctionAddress{FunctionType: "User", Key: "u1"}, Payload: payload}

	if err := h.HandleEvent(ctx, env); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	reply, err := b.AwaitReply(ctx, "e5", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.EventType != bus.EventFailedInvocation {
		t.Fatalf("expected FailedInvocation, got %v", reply.EventType)
	}

	entry, _ := s.Get(ctx, "User", "u1")
	var u user
	json.Unmarshal(entry.Value, &u)
	if u.Balance != 10 {
		t.Fatalf("expected balance unchanged at 10, got %d", u.Balance)
	}
}

func TestOperatorKeyNotFound(t *testing.T) {
	h, b, _ := newTestHandler(t)
	ctx := context.Background()
	env := bus.Envelope{EventID: "e4", EventType: bus.EventGetState, FunAddress: eventflow.FunctionAddress{FunctionType: "User", Key: "ghost"}, Payload: json.RawMessage(`{}`)}

	if err := h.HandleEvent(ctx, env); err != nil {
		t.Fatalf("get state: %v", err)
	}
	reply, err := b.AwaitReply(ctx, "e4", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.EventType != bus.EventKeyNotFound {
		t.Fatalf("expected KeyNotFound, got %v", reply.EventType)
	}
}
