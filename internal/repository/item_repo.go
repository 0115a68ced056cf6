package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/domain"
)

// ItemRepository handles linked bank connections.
type ItemRepository struct {
	db *gorm.DB
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *ItemRepository) WithTx(tx *gorm.DB) *ItemRepository {
	return &ItemRepository{db: tx}
}

// Create inserts a new item.
func (r *ItemRepository) Create(ctx context.Context, item *domain.ExternalItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// GetByID retrieves an item, returning domain.ErrItemNotFound when missing.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*domain.ExternalItem, error) {
	var item domain.ExternalItem
	err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateStatus sets the sync status and error detail. A nil info clears it.
// Returns:
//   - bool: false if the item already had this status and detail.
//   - error: non-nil if the update fails.
func (r *ItemRepository) UpdateStatus(ctx context.Context, id string, status domain.ItemStatus, info *domain.ItemErrorInfo) (bool, error) {
	item, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if item.SyncStatus == status && sameErrorInfo(item.ErrorInfo, info) {
		return false, nil
	}

	updates := map[string]interface{}{"sync_status": status}
	if info != nil {
		updates["error_info"] = datatypes.NewJSONType(*info)
	} else {
		updates["error_info"] = gorm.Expr("NULL")
	}
	err = r.db.WithContext(ctx).Model(&domain.ExternalItem{}).Where("id = ?", id).Updates(updates).Error
	return err == nil, err
}

func sameErrorInfo(stored *datatypes.JSONType[domain.ItemErrorInfo], info *domain.ItemErrorInfo) bool {
	if stored == nil || info == nil {
		return stored == nil && info == nil
	}
	return stored.Data() == *info
}

// AdvanceCursor stores the cursor reached by a successful sync.
func (r *ItemRepository) AdvanceCursor(ctx context.Context, id, cursor string, syncedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.ExternalItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cursor":         cursor,
			"last_synced_at": syncedAt,
		}).Error
}

// ClearCursor resets the cursor so the next sync replays from the start.
func (r *ItemRepository) ClearCursor(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.ExternalItem{}).
		Where("id = ?", id).
		Update("cursor", "").Error
}

// TouchWebhook records when the last webhook for the item arrived.
func (r *ItemRepository) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.ExternalItem{}).
		Where("id = ?", id).
		Update("last_webhook_at", at).Error
}
