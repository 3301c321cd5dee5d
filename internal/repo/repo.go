package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned when wallet balance is not enough.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOptimisticLock means the wallet version moved under us.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	// ErrAlreadySettled means the transaction already left Unconfirmed.
	ErrAlreadySettled = errors.New("transaction already settled")
	// ErrInvalidTransition guards against committing a non-terminal state.
	ErrInvalidTransition = errors.New("invalid transaction state transition")
)

// LedgerGateway is what the settlement worker needs from the stores. Every
// method taking tx runs inside the caller's database transaction; the caller
// commits or rolls back the whole settlement as one unit.
type LedgerGateway interface {
	DB(ctx context.Context) *gorm.DB
	LoadTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	LoadWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string, cur currency.Currency) (*model.Wallet, error)
	CommitTransfer(ctx context.Context, tx *gorm.DB, source, target *model.Wallet, t *model.Transaction,
		newState model.TransactionState, processedAt time.Time) error
}

// Repository implements LedgerGateway and the user/wallet/transaction/outbox
// stores used by the submission path.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Migrate creates or updates every table.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(model.All()...)
}

// LoadTransactionForUpdate locks the transaction row, serializing concurrent
// deliveries of the same intent.
func (r *Repository) LoadTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadWalletForUpdate locks wallet row.
func (r *Repository) LoadWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string, cur currency.Currency) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, cur).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadWalletPairForUpdate locks both wallets of a transfer in ascending owner
// order. Within one currency an owner identifies exactly one wallet, so this is
// a total order and two opposite transfers cannot deadlock. A self-transfer
// locks the single wallet once and returns it twice.
func LoadWalletPairForUpdate(ctx context.Context, g LedgerGateway, tx *gorm.DB, sourceUser, targetUser string, cur currency.Currency) (source, target *model.Wallet, err error) {
	if sourceUser == targetUser {
		w, err := g.LoadWalletForUpdate(ctx, tx, sourceUser, cur)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}
	first, second := sourceUser, targetUser
	if second < first {
		first, second = second, first
	}
	w1, err := g.LoadWalletForUpdate(ctx, tx, first, cur)
	if err != nil {
		return nil, nil, err
	}
	w2, err := g.LoadWalletForUpdate(ctx, tx, second, cur)
	if err != nil {
		return nil, nil, err
	}
	if first == sourceUser {
		return w1, w2, nil
	}
	return w2, w1, nil
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, walletID string, newBalance decimal.Decimal, oldVersion uint64) error {
	if newBalance.IsNegative() {
		return ErrInsufficientFunds
	}
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// CommitTransfer moves t to newState. For Confirmed it also debits source and
// credits target by t.Amount; for Rejected the wallets may be nil and are not
// touched. The state update only matches an Unconfirmed row, so a transaction
// can leave Unconfirmed once.
func (r *Repository) CommitTransfer(ctx context.Context, tx *gorm.DB, source, target *model.Wallet, t *model.Transaction,
	newState model.TransactionState, processedAt time.Time) error {
	if !newState.Terminal() {
		return ErrInvalidTransition
	}

	var newSource, newTarget decimal.Decimal
	if newState == model.StateConfirmed {
		if source == nil || target == nil || source.ID == target.ID {
			return ErrInvalidTransition
		}
		if source.Balance.LessThan(t.Amount) {
			return ErrInsufficientFunds
		}
		newSource = source.Balance.Sub(t.Amount)
		newTarget = target.Balance.Add(t.Amount)
		if err := r.UpdateWallet(ctx, tx, source.ID, newSource, source.Version); err != nil {
			return err
		}
		if err := r.UpdateWallet(ctx, tx, target.ID, newTarget, target.Version); err != nil {
			return err
		}
	}

	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND state = ?", t.ID, model.StateUnconfirmed).
		Updates(map[string]interface{}{
			"state":         newState,
			"processed_at":  processedAt,
			"reject_reason": t.RejectReason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadySettled
	}

	if newState == model.StateConfirmed {
		source.Balance, source.Version = newSource, source.Version+1
		target.Balance, target.Version = newTarget, target.Version+1
	}
	t.State = newState
	t.ProcessedAt = &processedAt
	return nil
}
