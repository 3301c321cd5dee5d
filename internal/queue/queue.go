// Package queue carries submitted transfer intents to the settlement workers
// with at-least-once delivery. A message is acknowledged only after the
// handler returns nil.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/custody-ledger/internal/config"
	"go.uber.org/zap"
)

// Name is the logical channel every backend uses.
const Name = "transactions"

var (
	// ErrPublish wraps any failure to get a durable accept from the broker.
	ErrPublish = errors.New("publish transfer intent")
	// ErrRetriesExhausted is returned by Consume when a message failed
	// MaxAttempts times and no dead-letter destination is configured; the
	// message stays unacknowledged and is redelivered after reconnect.
	ErrRetriesExhausted = errors.New("handler retries exhausted")
)

// Handler settles one intent. A non-nil error means "not processed, deliver again".
type Handler func(ctx context.Context, intent TransferIntent) error

type Publisher interface {
	// Publish returns once the broker has durably accepted the intent.
	Publish(ctx context.Context, intent TransferIntent) error
}

type Consumer interface {
	// Consume blocks delivering messages to h. It returns nil when ctx is
	// cancelled and an error when the broker connection fails.
	Consume(ctx context.Context, h Handler) error
}

type TransferQueue interface {
	Publisher
	Consumer
	Close() error
}

// RetryPolicy governs handler failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	DeadLetter  string
}

// PolicyFromConfig maps the yaml retry block.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := RetryPolicy{MaxAttempts: c.MaxAttempts, Backoff: c.Backoff, DeadLetter: c.DeadLetter}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// delay is linear in the attempt number.
func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.Backoff
}

// Open builds the backend selected by cfg.Queue.Driver.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (TransferQueue, error) {
	policy := PolicyFromConfig(cfg.Queue.Retry)
	switch cfg.Queue.Driver {
	case "kafka":
		return NewKafkaQueue(cfg.Kafka, policy, log), nil
	case "nats":
		return ConnectNATS(ctx, cfg.NATS, policy, log)
	case "memory":
		return NewMemoryQueue(1024, policy, log), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
