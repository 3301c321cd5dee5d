package repo

import (
	"context"
	"time"

	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/model"
	"gorm.io/gorm"
)

// CreateUser inserts record.
func (r *Repository) CreateUser(ctx context.Context, u *model.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateWallet inserts record.
func (r *Repository) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return r.db.WithContext(ctx).Create(w).Error
}

// GetWallet reads the wallet of a user in one currency without locking.
func (r *Repository) GetWallet(ctx context.Context, userID string, cur currency.Currency) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, cur).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) ListWallets(ctx context.Context, cur currency.Currency) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).Where("currency = ?", cur).Order("created_at").Find(&ws).Error
	return ws, err
}

// CreateTransaction inserts the transaction and one history row per party in tx.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, history []model.TransactionHistory) error {
	db := tx.WithContext(ctx)
	if err := db.Create(t).Error; err != nil {
		return err
	}
	for i := range history {
		if err := db.Omit("Transaction").Create(&history[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns the most recent transactions first.
func (r *Repository) ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&txs).Error
	return txs, err
}

// GetHistory fetches the history rows of a user with their transactions.
func (r *Repository) GetHistory(ctx context.Context, userID string, limit int) ([]model.TransactionHistory, error) {
	var rows []model.TransactionHistory
	err := r.db.WithContext(ctx).
		Preload("Transaction").
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// OldestUnconfirmed returns the oldest transaction still waiting for
// settlement, or nil when none is pending.
func (r *Repository) OldestUnconfirmed(ctx context.Context) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Where("state = ?", model.StateUnconfirmed).
		Order("created_at").
		Limit(1).
		Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, nil
	}
	return &t, nil
}

// CountUnconfirmedBefore counts pending transactions created before cutoff.
func (r *Repository) CountUnconfirmedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("state = ? AND created_at < ?", model.StateUnconfirmed, cutoff).
		Count(&n).Error
	return n, err
}

// ListUserWallets returns every wallet a user holds.
func (r *Repository) ListUserWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("currency").Find(&ws).Error
	return ws, err
}
