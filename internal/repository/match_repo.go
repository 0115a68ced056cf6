package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/ledgerlink/internal/domain"
)

// MatchRepository persists scored transaction/receipt pairs and their review.
type MatchRepository struct {
	db *gorm.DB
}

// NewMatchRepository creates a new MatchRepository.
func NewMatchRepository(db *gorm.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *MatchRepository) WithTx(tx *gorm.DB) *MatchRepository {
	return &MatchRepository{db: tx}
}

// scoreColumns are refreshed when a pending pair is re-scored.
var scoreColumns = []string{
	"confidence_score", "match_type", "merchant_key",
	"amount_matched", "amount_difference", "amount_deviation_pct",
	"date_matched", "days_difference", "merchant_matched", "merchant_similarity",
	"user_matched", "location_matched", "distance_km", "updated_at",
}

// UpsertPending stores freshly scored pairs. A pair that already exists is
// re-scored only while it is still pending; reviewed pairs are left as is.
func (r *MatchRepository) UpsertPending(ctx context.Context, matches []domain.TransactionMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}, {Name: "receipt_id"}},
		DoUpdates: clause.AssignmentColumns(scoreColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "transaction_matches", Name: "status"}, Value: domain.MatchStatusPending},
		}},
	}).Create(&matches).Error
}

// Create inserts a single match.
func (r *MatchRepository) Create(ctx context.Context, m *domain.TransactionMatch) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// GetByID retrieves a match, returning domain.ErrMatchNotFound when missing.
func (r *MatchRepository) GetByID(ctx context.Context, id string) (*domain.TransactionMatch, error) {
	var m domain.TransactionMatch
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetPair retrieves the match for a transaction/receipt pair, or nil.
func (r *MatchRepository) GetPair(ctx context.Context, transactionID, receiptID string) (*domain.TransactionMatch, error) {
	var m domain.TransactionMatch
	err := r.db.WithContext(ctx).
		First(&m, "transaction_id = ? AND receipt_id = ?", transactionID, receiptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByTransaction returns a transaction's matches, best first.
func (r *MatchRepository) ListByTransaction(ctx context.Context, transactionID string) ([]domain.TransactionMatch, error) {
	var matches []domain.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("confidence_score DESC, receipt_id ASC").
		Find(&matches).Error
	return matches, err
}

// ListSince returns the organization's matches created at or after since.
func (r *MatchRepository) ListSince(ctx context.Context, orgID string, since time.Time) ([]domain.TransactionMatch, error) {
	var matches []domain.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND created_at >= ?", orgID, since).
		Order("created_at ASC").
		Find(&matches).Error
	return matches, err
}

// Review records a verdict on a pending match.
// Returns:
//   - error: domain.ErrMatchAlreadyFinal if the match was reviewed concurrently.
func (r *MatchRepository) Review(ctx context.Context, id string, status domain.MatchStatus, reviewer string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.TransactionMatch{}).
		Where("id = ? AND status = ?", id, domain.MatchStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": reviewer,
			"reviewed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return domain.ErrMatchAlreadyFinal
	}
	return nil
}

// SupersedeSiblings retires the other pending matches of a confirmed pair:
// those sharing its transaction or its receipt.
func (r *MatchRepository) SupersedeSiblings(ctx context.Context, keepID, transactionID, receiptID string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.TransactionMatch{}).
		Where("id <> ? AND status = ?", keepID, domain.MatchStatusPending).
		Where(r.db.Where("transaction_id = ?", transactionID).Or("receipt_id = ?", receiptID)).
		Updates(map[string]interface{}{
			"status":     domain.MatchStatusSuperseded,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// HasConfirmed reports whether the transaction already has a confirmed match.
func (r *MatchRepository) HasConfirmed(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TransactionMatch{}).
		Where("transaction_id = ? AND status = ?", transactionID, domain.MatchStatusConfirmed).
		Count(&count).Error
	return count > 0, err
}

// MarkMatched moves the paired transaction and receipt to matched.
func (r *MatchRepository) MarkMatched(ctx context.Context, transactionID, receiptID string, now time.Time) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&domain.Transaction{}).Where("id = ?", transactionID).
		Updates(map[string]interface{}{"status": domain.TransactionStatusMatched, "updated_at": now}).Error; err != nil {
		return err
	}
	return db.Model(&domain.Receipt{}).Where("id = ?", receiptID).
		Updates(map[string]interface{}{"status": domain.ReceiptStatusMatched, "updated_at": now}).Error
}
