package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrWalletExists means the user already holds a wallet in that currency.
	ErrWalletExists = errors.New("wallet already exists for this currency")
	// ErrWalletNotFound means the user has no wallet in that currency.
	ErrWalletNotFound = errors.New("wallet not found")
)

// WalletStore is the part of the repository the wallet service needs.
type WalletStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, userID string, cur currency.Currency) (*model.Wallet, error)
	ListWallets(ctx context.Context, cur currency.Currency) ([]model.Wallet, error)
	ListUserWallets(ctx context.Context, userID string) ([]model.Wallet, error)
}

// BalanceCache fronts balance reads.
type BalanceCache interface {
	CacheBalance(ctx context.Context, userID string, cur currency.Currency, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID string, cur currency.Currency) (decimal.Decimal, error)
}

// WalletService provisions wallets and serves balances.
type WalletService struct {
	repo  WalletStore
	cache BalanceCache
	keys  signature.KeyPairFactory
	log   *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r WalletStore, cache BalanceCache, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, cache: cache, log: logger}
}

// CreateWallet provisions a zero-balance wallet with a fresh key pair.
func (s *WalletService) CreateWallet(ctx context.Context, userID string, cur currency.Currency) (*model.Wallet, error) {
	if !cur.Valid() {
		return nil, currency.ErrUnsupported
	}
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if _, err := s.repo.GetWallet(ctx, userID, cur); err == nil {
		return nil, ErrWalletExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	priv, pub, err := s.keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	w := &model.Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		Currency:   cur,
		PrivateKey: priv,
		PublicKey:  pub,
		Balance:    decimal.Zero,
	}
	if err := s.repo.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrWalletExists
		}
		return nil, err
	}
	s.log.Infow("wallet created", "user", userID, "currency", cur, "wallet", w.ID)
	return w, nil
}

// ListWallets returns every wallet of one currency.
func (s *WalletService) ListWallets(ctx context.Context, cur currency.Currency) ([]model.Wallet, error) {
	if !cur.Valid() {
		return nil, currency.ErrUnsupported
	}
	return s.repo.ListWallets(ctx, cur)
}

// UserWallets returns the wallets a user holds.
func (s *WalletService) UserWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	return s.repo.ListUserWallets(ctx, userID)
}

// GetBalance returns current wallet balance.
func (s *WalletService) GetBalance(ctx context.Context, userID string, cur currency.Currency) (decimal.Decimal, error) {
	if !cur.Valid() {
		return decimal.Zero, currency.ErrUnsupported
	}
	bal, err := s.cache.GetCachedBalance(ctx, userID, cur)
	if err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, userID, cur)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrWalletNotFound
		}
		return decimal.Zero, err
	}
	if err := s.cache.CacheBalance(ctx, userID, cur, w.Balance); err != nil {
		s.log.Warn(err)
	}
	return w.Balance, nil
}
