package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the queue needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes intents to a topic keyed by transaction id and
// consumes them through a consumer group, committing an offset only after
// the handler succeeded.
type KafkaQueue struct {
	cfg    config.KafkaConfig
	writer messageWriter
	dlq    messageWriter
	policy RetryPolicy
	log    *zap.SugaredLogger
}

// NewKafkaQueue wires a synchronous writer that waits for all in-sync
// replicas, plus a dead-letter writer when the policy names a topic.
func NewKafkaQueue(cfg config.KafkaConfig, policy RetryPolicy, log *zap.SugaredLogger) *KafkaQueue {
	q := &KafkaQueue{
		cfg:    cfg,
		writer: newWriter(cfg.Brokers, cfg.Topic),
		policy: policy,
		log:    log,
	}
	if policy.DeadLetter != "" {
		q.dlq = newWriter(cfg.Brokers, policy.DeadLetter)
	}
	return q
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

// Publish sends to Kafka.
func (q *KafkaQueue) Publish(ctx context.Context, intent TransferIntent) error {
	body, err := intent.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	msg := kafka.Message{
		Key:     []byte(intent.Identifier),
		Value:   body,
		Headers: []kafka.Header{{Key: "currency", Value: []byte(intent.Currency)}},
		Time:    time.Now(),
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// Consume opens a fresh group reader per call, so a caller that restarts
// Consume after an error also gets a fresh broker connection.
func (q *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.cfg.Brokers,
		GroupID:        q.cfg.GroupID,
		Topic:          q.cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := q.deliver(ctx, m, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
	}
}

// deliver runs h with in-place retries. A nil return means the message may be
// committed. Offsets are per partition, so a failing message cannot be skipped
// and retried later; it is either retried here, dead-lettered, or left
// uncommitted by returning an error.
func (q *KafkaQueue) deliver(ctx context.Context, m kafka.Message, h Handler) error {
	intent, err := DecodeIntent(m.Value)
	if err != nil {
		return q.deadLetter(ctx, m, err)
	}
	for attempt := 1; ; attempt++ {
		err := h(ctx, intent)
		if err == nil {
			return nil
		}
		if attempt >= q.policy.MaxAttempts {
			if q.dlq != nil {
				return q.deadLetter(ctx, m, err)
			}
			return fmt.Errorf("%w: transaction %s: %v", ErrRetriesExhausted, intent.Identifier, err)
		}
		q.log.Warnw("settlement attempt failed, retrying",
			"transaction", intent.Identifier, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, q.policy.delay(attempt)); err != nil {
			return err
		}
	}
}

func (q *KafkaQueue) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	if q.dlq == nil {
		// nothing can ever settle a body without an identifier; keep it in
		// the log and move on
		q.log.Errorw("dropping undeliverable message", "offset", m.Offset, "partition", m.Partition,
			"body", string(m.Value), "error", cause)
		return nil
	}
	dl := kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Headers: append(append([]kafka.Header(nil), m.Headers...),
			kafka.Header{Key: "error", Value: []byte(cause.Error())}),
		Time: time.Now(),
	}
	if err := q.dlq.WriteMessages(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", m.Offset, err)
	}
	q.log.Errorw("dead-lettered transfer intent", "topic", q.policy.DeadLetter, "key", string(m.Key), "error", cause)
	return nil
}

func (q *KafkaQueue) Close() error {
	var errs []error
	if q.writer != nil {
		errs = append(errs, q.writer.Close())
	}
	if q.dlq != nil {
		errs = append(errs, q.dlq.Close())
	}
	return errors.Join(errs...)
}
