package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db := repotest.OpenSQLite(t)

	r := NewRepository(db, logger.NewNop())
	require.NoError(t, r.Migrate())
	return r
}

func seedWallet(t *testing.T, r *Repository, userID string, cur currency.Currency, bal int64) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		Currency:   cur,
		PrivateKey: "priv",
		PublicKey:  "pub",
		Balance:    decimal.NewFromInt(bal),
	}
	require.NoError(t, r.CreateWallet(context.Background(), w))
	return w
}

func seedTransaction(t *testing.T, r *Repository, src, dst string, amount int64) *model.Transaction {
	t.Helper()
	txn := &model.Transaction{
		ID:           uuid.NewString(),
		Amount:       decimal.NewFromInt(amount),
		Currency:     currency.Bitcoin,
		SourceUserID: src,
		TargetUserID: dst,
		Signature:    "3044",
		State:        model.StateUnconfirmed,
	}
	history := []model.TransactionHistory{
		{ID: uuid.NewString(), UserID: src, TransactionID: txn.ID},
		{ID: uuid.NewString(), UserID: dst, TransactionID: txn.ID},
	}
	err := r.DB(context.Background()).Transaction(func(tx *gorm.DB) error {
		return r.CreateTransaction(context.Background(), tx, txn, history)
	})
	require.NoError(t, err)
	return txn
}

func commit(r *Repository, txnID string, state model.TransactionState, reason *string) error {
	ctx := context.Background()
	return r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.LoadTransactionForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		src, dst, err := LoadWalletPairForUpdate(ctx, r, tx, txn.SourceUserID, txn.TargetUserID, txn.Currency)
		if err != nil {
			return err
		}
		txn.RejectReason = reason
		return r.CommitTransfer(ctx, tx, src, dst, txn, state, time.Now())
	})
}

func balanceOf(t *testing.T, r *Repository, userID string) decimal.Decimal {
	t.Helper()
	w, err := r.GetWallet(context.Background(), userID, currency.Bitcoin)
	require.NoError(t, err)
	return w.Balance
}

func TestCommitTransfer_Confirmed(t *testing.T) {
	r := newTestRepo(t)
	seedWallet(t, r, "alice", currency.Bitcoin, 10)
	seedWallet(t, r, "bob", currency.Bitcoin, 0)
	txn := seedTransaction(t, r, "alice", "bob", 3)

	require.NoError(t, commit(r, txn.ID, model.StateConfirmed, nil))

	assert.True(t, balanceOf(t, r, "alice").Equal(decimal.NewFromInt(7)))
	assert.True(t, balanceOf(t, r, "bob").Equal(decimal.NewFromInt(3)))

	got, err := r.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, got.State)
	assert.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.RejectReason)
}

func TestCommitTransfer_OnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	seedWallet(t, r, "alice", currency.Bitcoin, 10)
	seedWallet(t, r, "bob", currency.Bitcoin, 0)
	txn := seedTransaction(t, r, "alice", "bob", 3)

	require.NoError(t, commit(r, txn.ID, model.StateConfirmed, nil))
	assert.ErrorIs(t, commit(r, txn.ID, model.StateConfirmed, nil), ErrAlreadySettled)
	assert.ErrorIs(t, commit(r, txn.ID, model.StateRejected, nil), ErrAlreadySettled)

	// the second attempt rolled back its wallet writes
	assert.True(t, balanceOf(t, r, "alice").Equal(decimal.NewFromInt(7)))
	assert.True(t, balanceOf(t, r, "bob").Equal(decimal.NewFromInt(3)))
}

func TestCommitTransfer_RejectedLeavesBalances(t *testing.T) {
	r := newTestRepo(t)
	seedWallet(t, r, "alice", currency.Bitcoin, 10)
	seedWallet(t, r, "bob", currency.Bitcoin, 0)
	txn := seedTransaction(t, r, "alice", "bob", 15)

	reason := "insufficient_funds"
	require.NoError(t, commit(r, txn.ID, model.StateRejected, &reason))

	assert.True(t, balanceOf(t, r, "alice").Equal(decimal.NewFromInt(10)))
	assert.True(t, balanceOf(t, r, "bob").IsZero())
	got, err := r.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, got.State)
	require.NotNil(t, got.RejectReason)
	assert.Equal(t, reason, *got.RejectReason)
}

func TestCommitTransfer_Guards(t *testing.T) {
	r := newTestRepo(t)
	seedWallet(t, r, "alice", currency.Bitcoin, 10)
	seedWallet(t, r, "bob", currency.Bitcoin, 0)

	over := seedTransaction(t, r, "alice", "bob", 11)
	assert.ErrorIs(t, commit(r, over.ID, model.StateConfirmed, nil), ErrInsufficientFunds)

	self := seedTransaction(t, r, "alice", "alice", 1)
	assert.ErrorIs(t, commit(r, self.ID, model.StateConfirmed, nil), ErrInvalidTransition)

	pending := seedTransaction(t, r, "alice", "bob", 1)
	assert.ErrorIs(t, commit(r, pending.ID, model.StateUnconfirmed, nil), ErrInvalidTransition)

	assert.True(t, balanceOf(t, r, "alice").Equal(decimal.NewFromInt(10)))
}

func TestUpdateWallet_StaleVersion(t *testing.T) {
	r := newTestRepo(t)
	w := seedWallet(t, r, "alice", currency.Bitcoin, 100)
	ctx := context.Background()

	require.NoError(t, r.UpdateWallet(ctx, r.DB(ctx), w.ID, decimal.NewFromInt(110), w.Version))
	assert.ErrorIs(t, r.UpdateWallet(ctx, r.DB(ctx), w.ID, decimal.NewFromInt(120), w.Version), ErrOptimisticLock)
	assert.ErrorIs(t, r.UpdateWallet(ctx, r.DB(ctx), w.ID, decimal.NewFromInt(-1), w.Version+1), ErrInsufficientFunds)

	assert.True(t, balanceOf(t, r, "alice").Equal(decimal.NewFromInt(110)))
}

type recordingGateway struct {
	*Repository
	order []string
}

func (g *recordingGateway) LoadWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string, cur currency.Currency) (*model.Wallet, error) {
	g.order = append(g.order, userID)
	return g.Repository.LoadWalletForUpdate(ctx, tx, userID, cur)
}

func TestLoadWalletPairForUpdate_Order(t *testing.T) {
	r := newTestRepo(t)
	seedWallet(t, r, "alice", currency.Bitcoin, 1)
	seedWallet(t, r, "bob", currency.Bitcoin, 2)
	ctx := context.Background()

	for _, tc := range []struct{ src, dst string }{{"alice", "bob"}, {"bob", "alice"}} {
		g := &recordingGateway{Repository: r}
		src, dst, err := LoadWalletPairForUpdate(ctx, g, r.DB(ctx), tc.src, tc.dst, currency.Bitcoin)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, g.order)
		assert.Equal(t, tc.src, src.UserID)
		assert.Equal(t, tc.dst, dst.UserID)
	}

	g := &recordingGateway{Repository: r}
	src, dst, err := LoadWalletPairForUpdate(ctx, g, r.DB(ctx), "alice", "alice", currency.Bitcoin)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, g.order)
	assert.Same(t, src, dst)

	_, _, err = LoadWalletPairForUpdate(ctx, r, r.DB(ctx), "alice", "carol", currency.Bitcoin)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestHistory_OneRowPerParty(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	txn := seedTransaction(t, r, "alice", "bob", 3)
	seedTransaction(t, r, "bob", "carol", 1)

	rows, err := r.GetHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, txn.ID, rows[0].Transaction.ID)
	assert.True(t, rows[0].Transaction.Amount.Equal(decimal.NewFromInt(3)))

	rows, err = r.GetHistory(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	all, err := r.ListTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOldestUnconfirmed(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedWallet(t, r, "alice", currency.Bitcoin, 10)
	seedWallet(t, r, "bob", currency.Bitcoin, 0)

	got, err := r.OldestUnconfirmed(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	first := seedTransaction(t, r, "alice", "bob", 1)
	time.Sleep(5 * time.Millisecond)
	second := seedTransaction(t, r, "alice", "bob", 1)

	got, err = r.OldestUnconfirmed(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	require.NoError(t, commit(r, first.ID, model.StateConfirmed, nil))
	got, err = r.OldestUnconfirmed(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	n, err := r.CountUnconfirmedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOutbox_PollHonoursGrace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	evt := &model.OutboxEvent{
		Aggregate:   model.AggregateTransaction,
		AggregateID: uuid.NewString(),
		EventType:   model.EventTransferSubmitted,
		Payload:     `{"identifier":"x"}`,
	}
	require.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), evt))

	evts, err := r.PollOutbox(ctx, 10, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, evts, "fresh event is still inside the grace period")

	evts, err = r.PollOutbox(ctx, 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, evts, 1)

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))
	evts, err = r.PollOutbox(ctx, 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, evts)
}
