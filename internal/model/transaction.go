package model

import (
	"time"

	"github.com/richardliu001/custody-ledger/internal/currency"
	"github.com/shopspring/decimal"
)

// TransactionState is the settlement state machine:
// Unconfirmed -> Confirmed | Rejected, once.
type TransactionState string

const (
	StateUnconfirmed TransactionState = "Unconfirmed"
	StateConfirmed   TransactionState = "Confirmed"
	StateRejected    TransactionState = "Rejected"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionState) Terminal() bool {
	return s == StateConfirmed || s == StateRejected
}

// Transaction is an append-only ledger entry for one transfer.
type Transaction struct {
	ID           string            `gorm:"primaryKey;size:36" json:"identifier"`
	Amount       decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency     currency.Currency `gorm:"size:16;not null" json:"currency_type"`
	SourceUserID string            `gorm:"size:36;not null;index" json:"source_user"`
	TargetUserID string            `gorm:"size:36;not null;index" json:"target_user"`
	Signature    string            `gorm:"size:255;not null" json:"signature"`
	State        TransactionState  `gorm:"size:11;not null;default:Unconfirmed;index" json:"state"`
	RejectReason *string           `gorm:"size:32" json:"reject_reason,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index" json:"created"`
	ProcessedAt  *time.Time        `json:"processed"`
}

func (Transaction) TableName() string { return "transactions" }

// TransactionHistory links a transaction to each party, written once per party
// at submission time.
type TransactionHistory struct {
	ID            string      `gorm:"primaryKey;size:36" json:"identifier"`
	UserID        string      `gorm:"size:36;not null;index" json:"user"`
	TransactionID string      `gorm:"size:36;not null;index" json:"-"`
	Transaction   Transaction `gorm:"foreignKey:TransactionID" json:"transaction"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created"`
}

func (TransactionHistory) TableName() string { return "transaction_history" }
