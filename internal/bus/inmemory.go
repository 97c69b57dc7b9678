package bus

import (
	"context"
	"sync"
	"time"

	"github.com/flowstate/engine/internal/eventflow"
)

// InMemoryBus is a MessageBus backed by per-partition channels, used by
// interpreter/operator tests and by the standalone single-process binary.
// It honors the same at-least-once, per-partition-ordered contract as the
// networked implementations, without simulating their latency.
type InMemoryBus struct {
	mu         sync.Mutex
	partitions map[string][]Envelope
	replies    map[string]chan Envelope
	closed     bool
}

// NewInMemoryBus constructs an empty InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		partitions: make(map[string][]Envelope),
		replies:    make(map[string]chan Envelope),
	}
}

func partitionKey(functionType eventflow.FunctionType, key string) string {
	return string(functionType) + "/" + key
}

func (b *InMemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pk := partitionKey(env.FunAddress.FunctionType, env.FunAddress.Key)
	b.partitions[pk] = append(b.partitions[pk], env)
	return nil
}

func (b *InMemoryBus) ConsumePartition(ctx context.Context, functionType eventflow.FunctionType, key string, pollTimeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(pollTimeout)
	pk := partitionKey(functionType, key)
	for {
		b.mu.Lock()
		queue := b.partitions[pk]
		if len(queue) > 0 {
			env := queue[0]
			b.partitions[pk] = queue[1:]
			b.mu.Unlock()
			return &Delivery{
				Envelope: env,
				Ack:      func(context.Context) error { return nil },
				Nack: func(ctx context.Context) error {
					b.mu.Lock()
					b.partitions[pk] = append([]Envelope{env}, b.partitions[pk]...)
					b.mu.Unlock()
					return nil
				},
			}, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *InMemoryBus) PublishReply(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	ch, ok := b.replies[env.EventID]
	if !ok {
		ch = make(chan Envelope, 1)
		b.replies[env.EventID] = ch
	}
	b.mu.Unlock()

	select {
	case ch <- env:
	default:
		// a reply was already delivered for this event_id; at-least-once
		// semantics mean a duplicate is dropped rather than blocking.
	}
	return nil
}

func (b *InMemoryBus) AwaitReply(ctx context.Context, eventID string, timeout time.Duration) (*Envelope, error) {
	b.mu.Lock()
	ch, ok := b.replies[eventID]
	if !ok {
		ch = make(chan Envelope, 1)
		b.replies[eventID] = ch
	}
	b.mu.Unlock()

	select {
	case env := <-ch:
		return &env, nil
	case <-time.After(timeout):
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
