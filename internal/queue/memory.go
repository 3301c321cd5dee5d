package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeadLetter is a message the memory queue gave up on.
type DeadLetter struct {
	Body []byte
	Err  error
}

// errQueueFull is recorded when a redelivery finds the buffer full.
var errQueueFull = errors.New("memory queue full")

type delivery struct {
	body    []byte
	attempt int
}

// MemoryQueue is an in-process TransferQueue. It keeps the redelivery and
// dead-letter semantics of the broker backends so settlement can be exercised
// end to end without infrastructure.
type MemoryQueue struct {
	ch     chan delivery
	done   chan struct{}
	once   sync.Once
	policy RetryPolicy
	log    *zap.SugaredLogger

	deadMu sync.Mutex
	dead   []DeadLetter
}

// NewMemoryQueue returns a queue buffering up to capacity messages.
func NewMemoryQueue(capacity int, policy RetryPolicy, log *zap.SugaredLogger) *MemoryQueue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &MemoryQueue{ch: make(chan delivery, capacity), done: make(chan struct{}), policy: policy, log: log}
}

func (q *MemoryQueue) Publish(ctx context.Context, intent TransferIntent) error {
	body, err := intent.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return q.send(ctx, delivery{body: body})
}

// send blocks while the buffer is full, until ctx ends or the queue closes.
func (q *MemoryQueue) send(ctx context.Context, d delivery) error {
	select {
	case <-q.done:
		return fmt.Errorf("%w: queue closed", ErrPublish)
	default:
	}
	select {
	case q.ch <- d:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: queue closed", ErrPublish)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublish, ctx.Err())
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case d := <-q.ch:
			q.deliver(ctx, d, h)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, d delivery, h Handler) {
	intent, err := DecodeIntent(d.body)
	if err != nil {
		q.deadLetter(d.body, err)
		return
	}
	d.attempt++
	err = h(ctx, intent)
	if err == nil {
		return
	}
	if d.attempt >= q.policy.MaxAttempts && q.policy.DeadLetter != "" {
		q.deadLetter(d.body, err)
		return
	}
	q.log.Warnw("redelivering transfer intent", "transaction", intent.Identifier, "attempt", d.attempt, "error", err)
	q.requeue(d)
}

// requeue never blocks: a redelivery that finds the buffer full is
// dead-lettered instead of parking a timer goroutine on the channel.
func (q *MemoryQueue) requeue(d delivery) {
	time.AfterFunc(q.policy.delay(d.attempt), func() {
		select {
		case <-q.done:
			q.log.Warnw("requeue dropped, queue closed", "attempt", d.attempt)
			return
		default:
		}
		select {
		case q.ch <- d:
		case <-q.done:
			q.log.Warnw("requeue dropped, queue closed", "attempt", d.attempt)
		default:
			q.deadLetter(d.body, errQueueFull)
		}
	})
}

func (q *MemoryQueue) deadLetter(body []byte, cause error) {
	q.log.Errorw("dead-lettering transfer intent", "queue", q.policy.DeadLetter, "error", cause)
	q.deadMu.Lock()
	q.dead = append(q.dead, DeadLetter{Body: append([]byte(nil), body...), Err: cause})
	q.deadMu.Unlock()
}

// DeadLetters returns a copy of the dead-lettered messages.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Pending is the number of messages waiting for a consumer.
func (q *MemoryQueue) Pending() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
