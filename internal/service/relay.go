package service

import (
	"context"
	"time"

	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"go.uber.org/zap"
)

// OutboxStore is what the relay reads.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int, olderThan time.Time) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	OldestUnconfirmed(ctx context.Context) (*model.Transaction, error)
	CountUnconfirmedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Relay republishes intents whose immediate publish failed and watches for
// transactions stuck in Unconfirmed.
type Relay struct {
	repo    OutboxStore
	queue   queue.Publisher
	metrics *metrics.Metrics
	cfg     config.MonitorConfig
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewRelay(r OutboxStore, q queue.Publisher, m *metrics.Metrics, cfg config.MonitorConfig, logger *zap.SugaredLogger) *Relay {
	return &Relay{repo: r, queue: q, metrics: m, cfg: cfg, log: logger, now: time.Now}
}

// RelayOnce handles one batch of pending outbox events older than the grace
// period and returns how many reached the queue.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.repo.PollOutbox(ctx, r.cfg.OutboxBatch, r.now().Add(-r.cfg.OutboxGrace))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		intent, err := queue.DecodeIntent([]byte(evt.Payload))
		if err != nil {
			r.log.Errorw("unreadable outbox payload skipped", "event", evt.ID, "error", err)
			r.metrics.OutboxRelayed.WithLabelValues("malformed").Inc()
			r.mark(ctx, evt.ID)
			continue
		}
		if err := r.queue.Publish(ctx, intent); err != nil {
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			r.metrics.OutboxRelayed.WithLabelValues("failed").Inc()
			r.metrics.PublishResults.WithLabelValues("relay", "failed").Inc()
			continue
		}
		r.metrics.PublishResults.WithLabelValues("relay", "ok").Inc()
		r.metrics.OutboxRelayed.WithLabelValues("ok").Inc()
		r.mark(ctx, evt.ID)
		r.log.Infof("event %d relayed for transaction %s", evt.ID, evt.AggregateID)
		sent++
	}
	return sent, nil
}

func (r *Relay) mark(ctx context.Context, id uint64) {
	if err := r.repo.MarkOutboxProcessed(ctx, id); err != nil {
		r.log.Errorf("mark processed id=%d: %v", id, err)
	}
}

// CheckStuck updates the Unconfirmed age gauges and warns past the threshold.
func (r *Relay) CheckStuck(ctx context.Context) error {
	oldest, err := r.repo.OldestUnconfirmed(ctx)
	if err != nil {
		return err
	}
	if oldest == nil {
		r.metrics.OldestUnconfirmedAge.Set(0)
		r.metrics.StuckTransactions.Set(0)
		return nil
	}
	now := r.now()
	age := now.Sub(oldest.CreatedAt)
	r.metrics.OldestUnconfirmedAge.Set(age.Seconds())

	stuck, err := r.repo.CountUnconfirmedBefore(ctx, now.Add(-r.cfg.StuckAfter))
	if err != nil {
		return err
	}
	r.metrics.StuckTransactions.Set(float64(stuck))
	if stuck > 0 {
		r.log.Warnw("transactions stuck in Unconfirmed", "count", stuck, "oldest", oldest.ID, "age", age.String())
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RelayOnce(ctx); err != nil {
			r.log.Errorf("poll outbox: %v", err)
		}
		if err := r.CheckStuck(ctx); err != nil {
			r.log.Errorf("check stuck transactions: %v", err)
		}
	}
}
