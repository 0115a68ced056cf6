package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SignatureStatus records how the authenticity of a webhook was established.
type SignatureStatus string

const (
	SignatureValid   SignatureStatus = "valid"
	SignatureSkipped SignatureStatus = "skipped"
)

// WebhookEvent is the durable audit record of one received notification.
// It is written before processing starts and updated once with the outcome.
type WebhookEvent struct {
	ID          string          `gorm:"type:text;primaryKey" json:"id"`
	DedupeKey   string          `gorm:"type:text;not null;index" json:"dedupe_key"`
	ItemID      string          `gorm:"type:text;index" json:"item_id"`
	WebhookType string          `gorm:"type:text" json:"webhook_type"`
	WebhookCode string          `gorm:"type:text" json:"webhook_code"`
	Payload     datatypes.JSON  `gorm:"type:text" json:"payload"`
	Signature   SignatureStatus `gorm:"type:text" json:"signature"`
	Processed   bool            `gorm:"not null;default:false;index" json:"processed"`
	Result      string          `gorm:"type:text" json:"result,omitempty"`
	Error       string          `gorm:"type:text" json:"error,omitempty"`
	ReceivedAt  time.Time       `gorm:"not null" json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
