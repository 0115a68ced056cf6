package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionStatus is the lifecycle status of a derived transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusPosted    TransactionStatus = "posted"
	TransactionStatusMatched   TransactionStatus = "matched"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// AggregatorTransaction is the raw upstream record as delivered by the
// aggregator, kept for audit and replay.
type AggregatorTransaction struct {
	ID             string         `gorm:"type:text;primaryKey" json:"id"`
	ExternalID     string         `gorm:"type:text;not null;uniqueIndex" json:"external_id"`
	ItemID         string         `gorm:"type:text;not null;index" json:"item_id"`
	OrganizationID string         `gorm:"type:text;not null" json:"organization_id"`
	AccountID      string         `gorm:"type:text" json:"account_id"`
	Raw            datatypes.JSON `gorm:"type:text" json:"raw"`
	Removed        bool           `gorm:"not null;default:false" json:"removed"`
	RemovedAt      *time.Time     `json:"removed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for AggregatorTransaction.
func (AggregatorTransaction) TableName() string {
	return "aggregator_transactions"
}

// Transaction is the normalized bank transaction consumed by matching.
type Transaction struct {
	ID              string            `gorm:"type:text;primaryKey" json:"id"`
	ExternalID      string            `gorm:"type:text;not null;uniqueIndex" json:"external_id"`
	OrganizationID  string            `gorm:"type:text;not null;index:idx_transactions_org_date" json:"organization_id"`
	ItemID          string            `gorm:"type:text;not null;index" json:"item_id"`
	AccountID       string            `gorm:"type:text" json:"account_id"`
	UserID          string            `gorm:"type:text" json:"user_id"`
	Amount          decimal.Decimal   `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency        string            `gorm:"type:text" json:"currency,omitempty"`
	TransactionDate time.Time         `gorm:"not null;index:idx_transactions_org_date" json:"transaction_date"`
	PostedDate      *time.Time        `json:"posted_date,omitempty"`
	Description     string            `gorm:"type:text" json:"description"`
	MerchantName    string            `gorm:"type:text" json:"merchant_name,omitempty"`
	Latitude        *float64          `json:"latitude,omitempty"`
	Longitude       *float64          `json:"longitude,omitempty"`
	Status          TransactionStatus `gorm:"type:text;not null;default:pending;index" json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string {
	return "transactions"
}

// EffectiveDate is the date compared against receipt dates: the purchase
// (transaction) date, falling back to the posting date when unknown.
func (t *Transaction) EffectiveDate() time.Time {
	if t.TransactionDate.IsZero() && t.PostedDate != nil {
		return *t.PostedDate
	}
	return t.TransactionDate
}
