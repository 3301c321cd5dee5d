package model

import (
	"time"

	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/shopspring/decimal"
)

// Wallet is a custodial per-currency account. One per (user, currency).
type Wallet struct {
	ID         string            `gorm:"primaryKey;size:36" json:"identifier"`
	UserID     string            `gorm:"size:36;not null;uniqueIndex:idx_wallet_owner" json:"user"`
	Currency   currency.Currency `gorm:"size:16;not null;uniqueIndex:idx_wallet_owner" json:"currency_type"`
	PrivateKey string            `gorm:"size:64;not null" json:"-"`
	PublicKey  string            `gorm:"size:130;not null" json:"public_key"`
	Balance    decimal.Decimal   `gorm:"type:numeric(38,18);not null;default:0" json:"balance"`
	Version    uint64            `gorm:"not null;default:0" json:"-"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"-"`
}

func (Wallet) TableName() string { return "wallets" }
