package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ItemStatus is the sync status of a linked bank connection.
type ItemStatus string

const (
	ItemStatusActive   ItemStatus = "active"
	ItemStatusError    ItemStatus = "error"
	ItemStatusDisabled ItemStatus = "disabled"
)

// ItemErrorInfo is the upstream error detail captured on an item.
type ItemErrorInfo struct {
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message,omitempty"`
}

// ExternalItem represents one linked bank connection at the aggregator.
// The ID is the aggregator's item id.
type ExternalItem struct {
	ID             string                             `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID string                             `gorm:"type:text;not null;index" json:"organization_id"`
	UserID         string                             `gorm:"type:text" json:"user_id"`
	InstitutionID  string                             `gorm:"type:text" json:"institution_id,omitempty"`
	AccessToken    string                             `gorm:"type:text" json:"-"`
	Cursor         string                             `gorm:"type:text" json:"cursor,omitempty"`
	SyncStatus     ItemStatus                         `gorm:"type:text;not null;default:active" json:"sync_status"`
	ErrorInfo      *datatypes.JSONType[ItemErrorInfo] `gorm:"type:text" json:"error_info,omitempty"`
	LastSyncedAt   *time.Time                         `json:"last_synced_at,omitempty"`
	LastWebhookAt  *time.Time                         `json:"last_webhook_at,omitempty"`
	CreatedAt      time.Time                          `json:"created_at"`
	UpdatedAt      time.Time                          `json:"updated_at"`
}

// TableName returns the database table name for ExternalItem.
func (ExternalItem) TableName() string {
	return "external_items"
}

// NewItemErrorInfo wraps info for storage on an item.
func NewItemErrorInfo(info ItemErrorInfo) *datatypes.JSONType[ItemErrorInfo] {
	v := datatypes.NewJSONType(info)
	return &v
}
