package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/ledgerlink/internal/domain"
)

// TransactionRepository handles raw and derived bank transactions.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *TransactionRepository) WithTx(tx *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: tx}
}

// SyncBatch is everything one aggregator page changes for an item.
type SyncBatch struct {
	ItemID   string
	Raw      []domain.AggregatorTransaction
	Derived  []domain.Transaction
	Removed  []string
	Cursor   string
	SyncedAt time.Time
}

// derivedUpdateColumns are refreshed when an upstream transaction is
// modified. Status is left alone so a matched transaction stays matched.
var derivedUpdateColumns = []string{
	"account_id", "user_id", "amount", "currency", "transaction_date", "posted_date",
	"description", "merchant_name", "latitude", "longitude", "updated_at",
}

// ApplySyncBatch persists one page atomically: raw and derived upserts,
// removals, and the cursor advance. Either all of it lands or none does, so
// a crash mid-sync resumes from the previous cursor.
// Returns:
//   - []string: IDs of derived transactions added or modified.
//   - error: non-nil if the transaction was rolled back.
func (r *TransactionRepository) ApplySyncBatch(ctx context.Context, b SyncBatch) ([]string, error) {
	var touched []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(b.Raw) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"account_id", "raw", "removed", "removed_at", "updated_at"}),
			}).Create(&b.Raw).Error; err != nil {
				return fmt.Errorf("upsert raw transactions: %w", err)
			}
		}

		if len(b.Derived) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns(derivedUpdateColumns),
			}).Create(&b.Derived).Error; err != nil {
				return fmt.Errorf("upsert transactions: %w", err)
			}

			externalIDs := make([]string, len(b.Derived))
			for i, t := range b.Derived {
				externalIDs[i] = t.ExternalID
			}
			if err := tx.Model(&domain.Transaction{}).
				Where("external_id IN ? AND status <> ?", externalIDs, domain.TransactionStatusCancelled).
				Pluck("id", &touched).Error; err != nil {
				return fmt.Errorf("load touched transactions: %w", err)
			}
		}

		if len(b.Removed) > 0 {
			if _, err := markRemoved(tx, b.ItemID, b.Removed, b.SyncedAt); err != nil {
				return err
			}
		}

		return tx.Model(&domain.ExternalItem{}).
			Where("id = ?", b.ItemID).
			Updates(map[string]interface{}{
				"cursor":         b.Cursor,
				"last_synced_at": b.SyncedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// MarkRemoved flags an item's raw rows removed, cancels the derived rows,
// and supersedes their pending matches, all in one transaction. IDs that
// belong to another item are left alone.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - itemID: item the removals were reported for.
//   - externalIDs: upstream transaction IDs.
//   - now: removal time.
// Returns:
//   - int64: derived transactions cancelled by this call.
//   - error: non-nil if anything failed; no row is changed in that case.
func (r *TransactionRepository) MarkRemoved(ctx context.Context, itemID string, externalIDs []string, now time.Time) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	var cancelled int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := markRemoved(tx, itemID, externalIDs, now)
		cancelled = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

func markRemoved(tx *gorm.DB, itemID string, externalIDs []string, now time.Time) (int64, error) {
	if err := tx.Model(&domain.AggregatorTransaction{}).
		Where("item_id = ? AND external_id IN ? AND removed = ?", itemID, externalIDs, false).
		Updates(map[string]interface{}{
			"removed":    true,
			"removed_at": now,
			"updated_at": now,
		}).Error; err != nil {
		return 0, fmt.Errorf("mark raw transactions removed: %w", err)
	}

	var ids []string
	if err := tx.Model(&domain.Transaction{}).
		Where("item_id = ? AND external_id IN ? AND status <> ?", itemID, externalIDs, domain.TransactionStatusCancelled).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("load removed transactions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := tx.Model(&domain.Transaction{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     domain.TransactionStatusCancelled,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel transactions: %w", res.Error)
	}

	if err := tx.Model(&domain.TransactionMatch{}).
		Where("transaction_id IN ? AND status = ?", ids, domain.MatchStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.MatchStatusSuperseded,
			"updated_at": now,
		}).Error; err != nil {
		return 0, fmt.Errorf("supersede matches: %w", err)
	}
	return res.RowsAffected, nil
}

// Create inserts a derived transaction.
func (r *TransactionRepository) Create(ctx context.Context, t *domain.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// GetByID retrieves a derived transaction.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByExternalID retrieves a derived transaction by its upstream ID.
func (r *TransactionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := r.db.WithContext(ctx).First(&t, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByIDs returns the derived transactions with the given IDs.
func (r *TransactionRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var txns []domain.Transaction
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("transaction_date ASC, id ASC").Find(&txns).Error
	return txns, err
}

// ListUnmatched returns up to limit reconcilable transactions for orgID.
func (r *TransactionRepository) ListUnmatched(ctx context.Context, orgID string, limit int) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND status IN ?", orgID,
			[]domain.TransactionStatus{domain.TransactionStatusPending, domain.TransactionStatusPosted}).
		Order("transaction_date DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// GetRaw retrieves a raw aggregator row by its upstream ID.
func (r *TransactionRepository) GetRaw(ctx context.Context, externalID string) (*domain.AggregatorTransaction, error) {
	var t domain.AggregatorTransaction
	if err := r.db.WithContext(ctx).First(&t, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}
