package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_SkipsMalformedPayload(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateOutboxEvent(ctx, f.repo.DB(ctx), &model.OutboxEvent{
		Aggregate:   model.AggregateTransaction,
		AggregateID: "broken",
		EventType:   model.EventTransferSubmitted,
		Payload:     "{}",
	}))

	relay := NewRelay(f.repo, f.pub, f.metrics, config.MonitorConfig{OutboxBatch: 10}, logger.NewNop())
	relay.now = func() time.Time { return time.Now().Add(time.Second) }
	sent, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, f.pub.intents)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutboxRelayed.WithLabelValues("malformed")))

	pending, err := f.repo.PollOutbox(ctx, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelay_CheckStuck(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()
	relay := NewRelay(f.repo, f.pub, f.metrics, config.MonitorConfig{StuckAfter: time.Minute}, logger.NewNop())

	require.NoError(t, relay.CheckStuck(ctx))
	assert.Zero(t, testutil.ToFloat64(f.metrics.OldestUnconfirmedAge))

	_, err := f.svc.Submit(ctx, SubmitInput{SourceUserID: "alice", TargetUserID: "bob", Currency: "Bitcoin", Amount: "1"})
	require.NoError(t, err)

	require.NoError(t, relay.CheckStuck(ctx))
	assert.Zero(t, testutil.ToFloat64(f.metrics.StuckTransactions))

	relay.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, relay.CheckStuck(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StuckTransactions))
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.OldestUnconfirmedAge), 119.0)
}
