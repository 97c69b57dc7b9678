package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowstate/engine/internal/eventflow"
)

// PostgresBus implements MessageBus atop a single durable outbox table,
// claiming work with the same `FOR UPDATE SKIP LOCKED` lease pattern the
// workflow engine uses to hand ready DAG nodes to idle workers: a message
// row is claimed by one consumer at a time without blocking other
// partitions' consumers.
type PostgresBus struct {
	pool *pgxpool.Pool
}

// NewPostgresBus opens a pool against dsn and ensures the outbox schema
// exists.
func NewPostgresBus(ctx context.Context, dsn string) (*PostgresBus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	b := &PostgresBus{pool: pool}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBus) ensureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS efg_messages (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			function_type TEXT NOT NULL,
			fun_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			claimed_at TIMESTAMPTZ,
			acked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS efg_messages_partition_idx
			ON efg_messages (function_type, fun_key, id)
			WHERE acked_at IS NULL;

		CREATE TABLE IF NOT EXISTS efg_replies (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			function_type TEXT NOT NULL,
			fun_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("bus: ensure schema: %w", err)
	}
	return nil
}

func (b *PostgresBus) Publish(ctx context.Context, env Envelope) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO efg_messages (event_id, event_type, function_type, fun_key, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, env.EventID, string(env.EventType), string(env.FunAddress.FunctionType), env.FunAddress.Key, env.Payload)
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// ConsumePartition claims the oldest unacknowledged, unclaimed message for
// (functionType, key) via SKIP LOCKED so concurrent consumers on other
// partitions never contend for this row.
func (b *PostgresBus) ConsumePartition(ctx context.Context, functionType eventflow.FunctionType, key string, pollTimeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(pollTimeout)
	for {
		d, err := b.tryClaim(ctx, functionType, key)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (b *PostgresBus) tryClaim(ctx context.Context, functionType eventflow.FunctionType, key string) (*Delivery, error) {
	var (
		id        int64
		eventID   string
		eventType string
		payload   json.RawMessage
	)
	err := b.pool.QueryRow(ctx, `
		WITH claimed AS (
			SELECT id FROM efg_messages
			WHERE function_type = $1 AND fun_key = $2
			  AND acked_at IS NULL AND claimed_at IS NULL
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE efg_messages m
		SET claimed_at = now()
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING m.id, m.event_id, m.event_type, m.payload
	`, string(functionType), key).Scan(&id, &eventID, &eventType, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("bus: claim: %w", err)
	}

	env := Envelope{
		EventID:   eventID,
		EventType: EventKind(eventType),
		FunAddress: eventflow.FunctionAddress{FunctionType: functionType, Key: key},
		Payload:   payload,
	}
	return &Delivery{
		Envelope: env,
		Ack: func(ctx context.Context) error {
			_, err := b.pool.Exec(ctx, `UPDATE efg_messages SET acked_at = now() WHERE id = $1`, id)
			return err
		},
		Nack: func(ctx context.Context) error {
			_, err := b.pool.Exec(ctx, `UPDATE efg_messages SET claimed_at = NULL WHERE id = $1`, id)
			return err
		},
	}, nil
}

func (b *PostgresBus) PublishReply(ctx context.Context, env Envelope) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO efg_replies (event_id, event_type, function_type, fun_key, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, env.EventID, string(env.EventType), string(env.FunAddress.FunctionType), env.FunAddress.Key, env.Payload)
	if err != nil {
		return fmt.Errorf("bus: publish reply: %w", err)
	}
	return nil
}

func (b *PostgresBus) AwaitReply(ctx context.Context, eventID string, timeout time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		var (
			eventType string
			ft        string
			key       string
			payload   json.RawMessage
		)
		err := b.pool.QueryRow(ctx, `
			SELECT event_type, function_type, fun_key, payload FROM efg_replies WHERE event_id = $1
		`, eventID).Scan(&eventType, &ft, &key, &payload)
		if err == nil {
			return &Envelope{
				EventID:    eventID,
				EventType:  EventKind(eventType),
				FunAddress: eventflow.FunctionAddress{FunctionType: eventflow.FunctionType(ft), Key: key},
				Payload:    payload,
			}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bus: await reply: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (b *PostgresBus) Close() error {
	b.pool.Close()
	return nil
}
