package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowstate/engine/internal/eventflow"
)

// RedisBus implements MessageBus atop Redis Streams, one stream per
// FunctionType/key partition plus a shared consumer group so at most one
// consumer holds a given partition's next message at a time, and a
// separate stream per event_id for replies.
type RedisBus struct {
	client *redis.Client
	group  string
}

// NewRedisBus constructs a RedisBus. group names the consumer group every
// operator worker joins; partitions are independent streams so group
// membership does not serialize unrelated keys.
func NewRedisBus(client *redis.Client, group string) *RedisBus {
	return &RedisBus{client: client, group: group}
}

func (b *RedisBus) streamName(functionType eventflow.FunctionType, key string) string {
	return fmt.Sprintf("dataflow:stream:%s:%s", functionType, key)
}

func (b *RedisBus) replyStreamName(eventID string) string {
	return "dataflow:reply:" + eventID
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	stream := b.streamName(env.FunAddress.FunctionType, env.FunAddress.Key)
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"envelope": data},
	}).Err()
}

func (b *RedisBus) ConsumePartition(ctx context.Context, functionType eventflow.FunctionType, key string, pollTimeout time.Duration) (*Delivery, error) {
	stream := b.streamName(functionType, key)
	consumer := "operator-" + string(functionType)

	if err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("bus: ensure group: %w", err)
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    pollTimeout,
	}).Result()
	if err == redis.Nil || len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read group: %w", err)
	}

	msg := res[0].Messages[0]
	raw, _ := msg.Values["envelope"].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("bus: decode envelope: %w", err)
	}

	return &Delivery{
		Envelope: env,
		Ack: func(ctx context.Context) error {
			return b.client.XAck(ctx, stream, b.group, msg.ID).Err()
		},
		Nack: func(ctx context.Context) error {
			return nil // left pending; XClaim-based redelivery is a substrate concern
		},
	}, nil
}

func (b *RedisBus) PublishReply(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode reply: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.replyStreamName(env.EventID),
		Values: map[string]any{"envelope": data},
	}).Err()
}

func (b *RedisBus) AwaitReply(ctx context.Context, eventID string, timeout time.Duration) (*Envelope, error) {
	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.replyStreamName(eventID), "0"},
		Count:   1,
		Block:   timeout,
	}).Result()
	if err == redis.Nil || len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("bus: await reply: %w", err)
	}
	raw, _ := res[0].Messages[0].Values["envelope"].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("bus: decode reply: %w", err)
	}
	return &env, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
