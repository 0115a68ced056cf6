package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ReceiptStatus is the lifecycle status of an uploaded receipt.
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "pending"
	ReceiptStatusProcessed ReceiptStatus = "processed"
	ReceiptStatusMatched   ReceiptStatus = "matched"
	ReceiptStatusCancelled ReceiptStatus = "cancelled"
)

// Receipt is an uploaded receipt as produced by the OCR/ingestion service.
type Receipt struct {
	ID              string          `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID  string          `gorm:"type:text;not null;index:idx_receipts_org_date" json:"organization_id"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_amount"`
	Currency        string          `gorm:"type:text" json:"currency,omitempty"`
	ReceiptDate     time.Time       `gorm:"not null;index:idx_receipts_org_date" json:"receipt_date"`
	MerchantName    string          `gorm:"type:text" json:"merchant_name,omitempty"`
	UploadedBy      string          `gorm:"type:text" json:"uploaded_by"`
	Latitude        *float64        `json:"latitude,omitempty"`
	Longitude       *float64        `json:"longitude,omitempty"`
	ExtractedFields datatypes.JSON  `gorm:"type:text" json:"extracted_fields,omitempty"`
	Status          ReceiptStatus   `gorm:"type:text;not null;default:pending;index" json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Receipt.
func (Receipt) TableName() string {
	return "receipts"
}

// Matchable reports whether the receipt can still be paired with a transaction.
func (r *Receipt) Matchable() bool {
	return r.Status == ReceiptStatusPending || r.Status == ReceiptStatusProcessed
}
