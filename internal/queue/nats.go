package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"go.uber.org/zap"
)

// dedupWindow bounds JetStream's Nats-Msg-Id duplicate detection, which
// absorbs a re-publish of the same transaction by the outbox relay.
const dedupWindow = 2 * time.Minute

// NATSQueue is a JetStream work-queue stream: one subject per currency under
// cfg.Subject, a shared durable pull consumer for all workers, explicit acks.
type NATSQueue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    config.NATSConfig
	policy RetryPolicy
	log    *zap.SugaredLogger
	closed chan struct{}
}

// ConnectNATS dials with unlimited reconnects and ensures the streams exist.
func ConnectNATS(ctx context.Context, cfg config.NATSConfig, policy RetryPolicy, log *zap.SugaredLogger) (*NATSQueue, error) {
	closed := make(chan struct{})
	nc, err := nats.Connect(cfg.URL,
		nats.Name("custody-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	q := &NATSQueue{nc: nc, js: js, cfg: cfg, policy: policy, log: log, closed: closed}
	if err := q.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *NATSQueue) ensureStreams(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   streamSubjects(q.cfg.Subject),
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: dedupWindow,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", q.cfg.Stream, err)
	}
	if q.policy.DeadLetter == "" {
		return nil
	}
	_, err = q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.cfg.Stream + "_DLQ",
		Subjects:  []string{q.policy.DeadLetter},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    14 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create dead-letter stream: %w", err)
	}
	return nil
}

// streamSubjects lists one subject per currency so the dead-letter subject
// can share the prefix without overlapping the work stream.
func streamSubjects(prefix string) []string {
	subjects := make([]string, 0, len(currency.All()))
	for _, c := range currency.All() {
		subjects = append(subjects, subjectFor(prefix, c))
	}
	return subjects
}

func subjectFor(prefix string, c currency.Currency) string {
	return prefix + "." + c.RoutingKey()
}

// Publish waits for the stream's PubAck, i.e. the intent is stored.
func (q *NATSQueue) Publish(ctx context.Context, intent TransferIntent) error {
	cur, err := currency.Parse(intent.Currency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	body, err := intent.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if _, err := q.js.Publish(ctx, subjectFor(q.cfg.Subject, cur), body, jetstream.WithMsgID(intent.Identifier)); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// consumerConfig leaves MaxDeliver unlimited. Retry exhaustion is decided in
// handle, and a message only leaves the stream once it is acked or safely
// dead-lettered; a server-side cap would drop it if the dead-letter publish
// failed on the last allowed delivery.
func (q *NATSQueue) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Consume attaches to the shared durable consumer; concurrent callers split
// the messages between them.
func (q *NATSQueue) Consume(ctx context.Context, h Handler) error {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, q.consumerConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("create consumer %s: %w", q.cfg.Durable, err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, h)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		q.log.Warnw("jetstream consume error", "consumer", q.cfg.Durable, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.Durable, err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-q.closed:
		return errors.New("nats connection closed")
	}
}

func (q *NATSQueue) handle(ctx context.Context, msg jetstream.Msg, h Handler) {
	intent, err := DecodeIntent(msg.Data())
	if err != nil {
		if dlErr := q.deadLetter(ctx, msg, err); dlErr != nil {
			q.log.Errorw("dead-letter failed", "error", dlErr)
			_ = msg.Nak()
			return
		}
		_ = msg.Term()
		return
	}

	if err := h(ctx, intent); err != nil {
		attempt := 1
		if md, mdErr := msg.Metadata(); mdErr == nil {
			attempt = int(md.NumDelivered)
		}
		if q.policy.DeadLetter != "" && attempt >= q.policy.MaxAttempts {
			dlErr := q.deadLetter(ctx, msg, err)
			if dlErr == nil {
				_ = msg.Term()
				return
			}
			q.log.Errorw("dead-letter failed, message stays on the stream",
				"transaction", intent.Identifier, "attempt", attempt, "error", dlErr)
		}
		q.log.Warnw("settlement attempt failed, nak", "transaction", intent.Identifier, "attempt", attempt, "error", err)
		_ = msg.NakWithDelay(q.policy.delay(attempt))
		return
	}

	if err := msg.DoubleAck(ctx); err != nil {
		// a lost ack means one more delivery of a settled transaction
		q.log.Warnw("ack failed", "transaction", intent.Identifier, "error", err)
	}
}

func (q *NATSQueue) deadLetter(ctx context.Context, msg jetstream.Msg, cause error) error {
	if q.policy.DeadLetter == "" {
		q.log.Errorw("dropping undeliverable message", "subject", msg.Subject(), "body", string(msg.Data()), "error", cause)
		return nil
	}
	out := nats.NewMsg(q.policy.DeadLetter)
	out.Data = msg.Data()
	out.Header.Set("Ledger-Error", cause.Error())
	out.Header.Set("Ledger-Original-Subject", msg.Subject())
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("dead-letter publish: %w", err)
	}
	q.log.Errorw("dead-lettered transfer intent", "subject", q.policy.DeadLetter, "error", cause)
	return nil
}

func (q *NATSQueue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}
