package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowstate/engine/internal/eventflow"
)

func TestInMemoryBusPublishConsume(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()

	addr := eventflow.FunctionAddress{FunctionType: "Account", Key: "a1"}
	env := Envelope{EventID: "evt-1", EventType: EventInvokeStateful, FunAddress: addr, Payload: json.RawMessage(`{}`)}

	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	delivery, err := b.ConsumePartition(ctx, "Account", "a1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if delivery.Envelope.EventID != "evt-1" {
		t.Fatalf("expected evt-1, got %s", delivery.Envelope.EventID)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	_, err = b.ConsumePartition(ctx, "Account", "a1", 20*time.Millisecond)
	if err != ErrNoMessage {
		t.Fatalf("expected ErrNoMessage after drain, got %v", err)
	}
}

func TestInMemoryBusReplyRoundTrip(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()

	reply := Envelope{EventID: "evt-2", EventType: EventSuccessfulInvocation, Payload: json.RawMessage(`{"ok":true}`)}
	if err := b.PublishReply(ctx, reply); err != nil {
		t.Fatalf("publish reply: %v", err)
	}

	got, err := b.AwaitReply(ctx, "evt-2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if got.EventType != EventSuccessfulInvocation {
		t.Fatalf("expected successful invocation reply, got %v", got.EventType)
	}
}

func TestInMemoryBusNackRequeues(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()
	addr := eventflow.FunctionAddress{FunctionType: "Item", Key: "i1"}
	b.Publish(ctx, Envelope{EventID: "evt-3", FunAddress: addr})

	d, err := b.ConsumePartition(ctx, "Item", "i1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := d.Nack(ctx); err != nil {
		t.Fatalf("nack: %v", err)
	}

	redelivered, err := b.ConsumePartition(ctx, "Item", "i1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected redelivery after nack, got %v", err)
	}
	if redelivered.Envelope.EventID != "evt-3" {
		t.Fatalf("expected the nacked message back, got %s", redelivered.Envelope.EventID)
	}
}
