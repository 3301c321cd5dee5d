package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/signature"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type capturePublisher struct {
	mu      sync.Mutex
	intents []queue.TransferIntent
	err     error
}

func (p *capturePublisher) Publish(_ context.Context, intent queue.TransferIntent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.intents = append(p.intents, intent)
	return nil
}

type txFixture struct {
	repo    *repo.Repository
	pub     *capturePublisher
	metrics *metrics.Metrics
	mock    redismock.ClientMock
	svc     *TransactionService
	wallets map[string]*model.Wallet
}

func newTxFixture(t *testing.T) *txFixture {
	t.Helper()
	r := newTestRepo(t)
	rdb, mock := redismock.NewClientMock()
	pub := &capturePublisher{}
	m := metrics.NewNop()
	f := &txFixture{
		repo:    r,
		pub:     pub,
		metrics: m,
		mock:    mock,
		svc:     NewTransactionService(r, pub, repo.NewRedisCache(rdb), m, logger.NewNop()),
		wallets: map[string]*model.Wallet{},
	}
	ws := NewWalletService(r, repo.NewRedisCache(rdb), logger.NewNop())
	for _, u := range []struct{ id, max string }{{"alice", "100"}, {"bob", "5"}, {"carol", "100"}} {
		seedUser(t, r, u.id, u.max)
		w, err := ws.CreateWallet(context.Background(), u.id, currency.Bitcoin)
		require.NoError(t, err)
		f.wallets[u.id] = w
	}
	return f
}

func TestSubmit_RecordsSignsAndPublishes(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()

	txn, err := f.svc.Submit(ctx, SubmitInput{SourceUserID: "alice", TargetUserID: "bob", Currency: "Bitcoin", Amount: "3"})
	require.NoError(t, err)
	assert.Equal(t, model.StateUnconfirmed, txn.State)

	require.Len(t, f.pub.intents, 1)
	intent := f.pub.intents[0]
	assert.Equal(t, txn.ID, intent.Identifier)
	assert.Equal(t, "3.00000000", intent.Amount)
	assert.Equal(t, "Bitcoin", intent.Currency)

	msg := signature.Canonicalize("alice", "bob", currency.Bitcoin, decimal.NewFromInt(3))
	assert.True(t, signature.Verify(f.wallets["alice"].PublicKey, intent.Signature, msg))

	stored, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.Signature, stored.Signature)

	for _, user := range []string{"alice", "bob"} {
		rows, err := f.svc.History(ctx, user, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1, user)
		assert.Equal(t, txn.ID, rows[0].Transaction.ID)
	}

	pending, err := f.repo.PollOutbox(ctx, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending, "outbox row marked after publish")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishResults.WithLabelValues("submit", "ok")))
}

func TestSubmit_Validation(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()
	seedUser(t, f.repo, "dave", "100") // no wallet

	tests := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{"unknown currency", SubmitInput{"alice", "bob", "Dogecoin", "1"}, currency.ErrUnsupported},
		{"negative amount", SubmitInput{"alice", "bob", "Bitcoin", "-1"}, ErrInvalidAmount},
		{"too precise", SubmitInput{"alice", "bob", "Bitcoin", "0.000000001"}, ErrInvalidAmount},
		{"garbage amount", SubmitInput{"alice", "bob", "Bitcoin", "lots"}, ErrInvalidAmount},
		{"above target limit", SubmitInput{"alice", "bob", "Bitcoin", "6"}, ErrLimitExceeded},
		{"above source limit", SubmitInput{"bob", "alice", "Bitcoin", "6"}, ErrLimitExceeded},
		{"unknown target", SubmitInput{"alice", "zed", "Bitcoin", "1"}, ErrUserNotFound},
		{"target without wallet", SubmitInput{"alice", "dave", "Bitcoin", "1"}, ErrWalletNotFound},
		{"no ethereum wallet", SubmitInput{"alice", "bob", "Ethereum", "1"}, ErrWalletNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	all, err := f.svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.pub.intents)
}

func TestSubmit_PublishFailureKeepsOutbox(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()
	f.pub.err = errors.New("broker down")

	txn, err := f.svc.Submit(ctx, SubmitInput{SourceUserID: "alice", TargetUserID: "carol", Currency: "Bitcoin", Amount: "1.5"})
	require.ErrorIs(t, err, ErrQueueUnavailable)
	require.NotNil(t, txn, "the recorded transaction is still returned")

	stored, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnconfirmed, stored.State)

	pending, err := f.repo.PollOutbox(ctx, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txn.ID, pending[0].AggregateID)

	// broker back: the relay delivers the same intent
	f.pub.err = nil
	relay := NewRelay(f.repo, f.pub, f.metrics, config.MonitorConfig{OutboxBatch: 10, OutboxGrace: time.Nanosecond}, logger.NewNop())
	relay.now = func() time.Time { return time.Now().Add(time.Second) }
	sent, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.pub.intents, 1)
	assert.Equal(t, txn.ID, f.pub.intents[0].Identifier)
	assert.Equal(t, stored.Signature, f.pub.intents[0].Signature)

	sent, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestStatus_ReadThroughCache(t *testing.T) {
	f := newTxFixture(t)
	ctx := context.Background()
	txn, err := f.svc.Submit(ctx, SubmitInput{SourceUserID: "alice", TargetUserID: "bob", Currency: "Bitcoin", Amount: "1"})
	require.NoError(t, err)

	// pending: read from the database, nothing written back
	f.mock.ExpectGet("txstate:" + txn.ID).RedisNil()
	st, err := f.svc.Status(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnconfirmed, st)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	// settled behind the cache's back: the next miss sees and caches it
	require.NoError(t, f.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return f.repo.CommitTransfer(ctx, tx, nil, nil, txn, model.StateRejected, time.Now())
	}))
	f.mock.ExpectGet("txstate:" + txn.ID).RedisNil()
	f.mock.ExpectSet("txstate:"+txn.ID, "Rejected", repo.CacheTTL).SetVal("OK")
	f.mock.ExpectGet("txstate:" + txn.ID).SetVal("Rejected")
	f.mock.ExpectGet("txstate:missing").RedisNil()

	for i := 0; i < 2; i++ {
		st, err = f.svc.Status(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateRejected, st)
	}

	_, err = f.svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
