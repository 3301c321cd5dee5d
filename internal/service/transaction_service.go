package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount means a negative, unparseable or over-precise amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrLimitExceeded means the amount is above a party's per-transaction maximum.
	ErrLimitExceeded = errors.New("amount exceeds max amount per transaction")
	// ErrTransactionNotFound is returned by the read path.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrQueueUnavailable means the transaction was recorded but its intent
	// could not be handed to the queue. The outbox relay retries it.
	ErrQueueUnavailable = errors.New("settlement queue unavailable")
)

// TransactionStore is the part of the repository the submission and read
// paths need.
type TransactionStore interface {
	DB(ctx context.Context) *gorm.DB
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetWallet(ctx context.Context, userID string, cur currency.Currency) (*model.Wallet, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, history []model.TransactionHistory) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]model.TransactionHistory, error)
	ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
}

// StateCache fronts status reads.
type StateCache interface {
	CacheTransactionState(ctx context.Context, txID string, state model.TransactionState) error
	GetCachedTransactionState(ctx context.Context, txID string) (model.TransactionState, error)
}

// SubmitInput is a transfer request from the authenticated source user.
type SubmitInput struct {
	SourceUserID string
	TargetUserID string
	Currency     string
	Amount       string
}

// TransactionService is the submission and read path around settlement.
type TransactionService struct {
	repo    TransactionStore
	queue   queue.Publisher
	cache   StateCache
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewTransactionService(r TransactionStore, q queue.Publisher, cache StateCache, m *metrics.Metrics, logger *zap.SugaredLogger) *TransactionService {
	return &TransactionService{repo: r, queue: q, cache: cache, metrics: m, log: logger}
}

// Submit validates, signs and records a transfer, then publishes its intent.
// The transaction, both history rows and the outbox event are written in one
// database transaction before the publish. When the publish fails the
// recorded transaction is returned together with ErrQueueUnavailable.
func (s *TransactionService) Submit(ctx context.Context, in SubmitInput) (*model.Transaction, error) {
	cur, err := currency.Parse(in.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := cur.ValidateAmount(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	source, err := s.user(ctx, in.SourceUserID)
	if err != nil {
		return nil, err
	}
	target, err := s.user(ctx, in.TargetUserID)
	if err != nil {
		return nil, err
	}
	for _, u := range []*model.User{source, target} {
		if amount.GreaterThan(u.MaxAmountPerTransaction) {
			return nil, fmt.Errorf("%w: user %s allows %s", ErrLimitExceeded, u.ID, u.MaxAmountPerTransaction)
		}
	}

	srcWallet, err := s.wallet(ctx, source.ID, cur)
	if err != nil {
		return nil, err
	}
	if _, err := s.wallet(ctx, target.ID, cur); err != nil {
		return nil, err
	}

	sig, err := signature.Sign(srcWallet.PrivateKey, signature.Canonicalize(source.ID, target.ID, cur, amount))
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}

	txn := &model.Transaction{
		ID:           uuid.NewString(),
		Amount:       amount,
		Currency:     cur,
		SourceUserID: source.ID,
		TargetUserID: target.ID,
		Signature:    sig,
		State:        model.StateUnconfirmed,
	}
	intent := queue.TransferIntent{
		Identifier: txn.ID,
		SourceUser: source.ID,
		TargetUser: target.ID,
		Currency:   cur.String(),
		Amount:     cur.Format(amount),
		Signature:  sig,
	}
	payload, err := intent.Encode()
	if err != nil {
		return nil, err
	}
	evt := &model.OutboxEvent{
		Aggregate:   model.AggregateTransaction,
		AggregateID: txn.ID,
		EventType:   model.EventTransferSubmitted,
		Payload:     string(payload),
	}
	history := []model.TransactionHistory{
		{ID: uuid.NewString(), UserID: source.ID, TransactionID: txn.ID},
		{ID: uuid.NewString(), UserID: target.ID, TransactionID: txn.ID},
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, txn, history); err != nil {
			return err
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Publish(ctx, intent); err != nil {
		s.metrics.PublishResults.WithLabelValues("submit", "failed").Inc()
		s.log.Warnw("publish failed, left for outbox relay", "transaction", txn.ID, "error", err)
		return txn, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.metrics.PublishResults.WithLabelValues("submit", "ok").Inc()
	if err := s.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
		// the relay will publish again; the worker treats it as a duplicate
		s.log.Warnw("mark outbox processed", "event", evt.ID, "error", err)
	}
	s.log.Infow("transaction submitted", "transaction", txn.ID, "currency", cur, "amount", intent.Amount)
	return txn, nil
}

func (s *TransactionService) user(ctx context.Context, id string) (*model.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, err
	}
	return u, nil
}

func (s *TransactionService) wallet(ctx context.Context, userID string, cur currency.Currency) (*model.Wallet, error) {
	w, err := s.repo.GetWallet(ctx, userID, cur)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s has no %s wallet", ErrWalletNotFound, userID, cur)
		}
		return nil, err
	}
	return w, nil
}

// Status returns the settlement state, Redis first. Only terminal states are
// cached: an Unconfirmed entry could outlive the settlement that ends it.
func (s *TransactionService) Status(ctx context.Context, id string) (model.TransactionState, error) {
	if st, err := s.cache.GetCachedTransactionState(ctx, id); err == nil {
		return st, nil
	}
	txn, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if txn.State.Terminal() {
		if err := s.cache.CacheTransactionState(ctx, id, txn.State); err != nil {
			s.log.Warn(err)
		}
	}
	return txn.State, nil
}

func (s *TransactionService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

// History returns the user's history rows, newest first.
func (s *TransactionService) History(ctx context.Context, userID string, limit int) ([]model.TransactionHistory, error) {
	return s.repo.GetHistory(ctx, userID, limit)
}

func (s *TransactionService) List(ctx context.Context, limit int) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, limit)
}
