package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                      string          `gorm:"primaryKey;size:36" json:"identifier"`
	Name                    string          `gorm:"size:255;not null" json:"name"`
	Description             string          `gorm:"size:1000;not null" json:"description"`
	Email                   string          `gorm:"size:255;not null;uniqueIndex" json:"email"`
	PasswordHash            string          `gorm:"size:72;not null" json:"-"`
	MaxAmountPerTransaction decimal.Decimal `gorm:"type:numeric(26,18);not null" json:"max_amount_per_transaction"`
	CreatedAt               time.Time       `gorm:"autoCreateTime" json:"created"`
}

func (User) TableName() string { return "users" }

// All lists every table in migration order.
func All() []interface{} {
	return []interface{}{&User{}, &Wallet{}, &Transaction{}, &TransactionHistory{}, &OutboxEvent{}}
}
