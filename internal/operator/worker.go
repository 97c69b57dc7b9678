package operator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"log/slog"

	"github.com/flowstate/engine/internal/bus"
	"github.com/flowstate/engine/internal/logging"
)

// Worker repeatedly polls one partition (FunctionType, key) and dispatches
// whatever it finds to a Handler, retrying failed deliveries with backoff
// instead of dropping them — the same poll/execute/retry shape as the
// workflow engine's per-node worker loop, narrowed here to a single
// partition per worker since the operator's unit of concurrency is the key,
// not the DAG node.
type Worker struct {
	handler     *Handler
	key         string
	pollTimeout time.Duration
	maxRetries  int
}

// NewWorker builds a Worker draining handler's partition for key.
func NewWorker(handler *Handler, key string, pollTimeout time.Duration) *Worker {
	return &Worker{handler: handler, key: key, pollTimeout: pollTimeout, maxRetries: 5}
}

// Run polls until ctx is canceled, processing one delivery at a time (:
// "single-threaded per key").
func (w *Worker) Run(ctx context.Context) {
	log := logging.Op().With("component", "operator.worker")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := w.handler.messages.ConsumePartition(ctx, w.handler.functionType, w.key, w.pollTimeout)
		if err != nil {
			continue // ErrNoMessage (or a transient transport error) — poll again
		}

		if err := w.deliverWithRetry(ctx, delivery); err != nil {
			log.Error("delivery exhausted retries", slog.String("event_id", delivery.Envelope.EventID), slog.Any("err", err))
			_ = delivery.Nack(ctx)
			continue
		}
		_ = delivery.Ack(ctx)
	}
}

func (w *Worker) deliverWithRetry(ctx context.Context, delivery *bus.Delivery) error {
	var err error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if err = w.handler.HandleEvent(ctx, delivery.Envelope); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return err
}

// backoff mirrors the workflow engine's exponential-with-jitter retry
// delay: doubling per attempt, capped, with up to 20% jitter to avoid
// thundering-herd retries across many keys at once.
func backoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	const cap = 10 * time.Second
	if base > cap {
		base = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 5 + 1))
	return base + jitter
}
