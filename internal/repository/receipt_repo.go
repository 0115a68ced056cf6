package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/domain"
)

// ReceiptRepository reads receipts produced by the ingestion service.
type ReceiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new ReceiptRepository.
func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *ReceiptRepository) WithTx(tx *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: tx}
}

// Create inserts a receipt.
func (r *ReceiptRepository) Create(ctx context.Context, rcpt *domain.Receipt) error {
	return r.db.WithContext(ctx).Create(rcpt).Error
}

// GetByID retrieves a receipt by its ID.
func (r *ReceiptRepository) GetByID(ctx context.Context, id string) (*domain.Receipt, error) {
	var rcpt domain.Receipt
	if err := r.db.WithContext(ctx).First(&rcpt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// CandidateWindow bounds the receipts worth scoring against a transaction.
type CandidateWindow struct {
	OrganizationID string
	From, To       time.Time
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
}

// FindCandidates returns matchable receipts of the organization inside the
// outer date and amount window.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - w: organization, date range and amount range.
// Returns:
//   - []domain.Receipt: receipts ordered by date.
//   - error: non-nil if the query fails.
func (r *ReceiptRepository) FindCandidates(ctx context.Context, w CandidateWindow) ([]domain.Receipt, error) {
	var receipts []domain.Receipt
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND status IN ?", w.OrganizationID,
			[]domain.ReceiptStatus{domain.ReceiptStatusPending, domain.ReceiptStatusProcessed}).
		Where("receipt_date BETWEEN ? AND ?", w.From, w.To).
		Where("total_amount BETWEEN ? AND ?", w.MinAmount, w.MaxAmount).
		Order("receipt_date ASC, id ASC").
		Find(&receipts).Error
	return receipts, err
}
