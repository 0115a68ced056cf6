package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/domain"
)

// WebhookEventRepository stores the webhook audit trail.
type WebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new WebhookEventRepository.
func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *WebhookEventRepository) WithTx(tx *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: tx}
}

// Create inserts a received event.
func (r *WebhookEventRepository) Create(ctx context.Context, ev *domain.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

// GetByID retrieves an event by its ID.
func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// FindByDedupeKey returns the most recent event with key received at or
// after since, or nil when there is none.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: delivery id or body digest.
//   - since: start of the dedupe window.
// Returns:
//   - *domain.WebhookEvent: earlier delivery, or nil.
//   - error: non-nil if the lookup fails.
func (r *WebhookEventRepository) FindByDedupeKey(ctx context.Context, key string, since time.Time) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("dedupe_key = ? AND received_at >= ?", key, since).
		Order("received_at DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkProcessed records the outcome of an event. It only ever applies once;
// later calls for an already processed event are no-ops.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id, result, errMsg string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":    true,
			"result":       result,
			"error":        errMsg,
			"processed_at": now,
		}).Error
}

// ListUnprocessed returns events received before the given time that are
// still awaiting an outcome, oldest first.
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND received_at < ?", false, before).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
