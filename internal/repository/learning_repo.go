package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/ledgerlink/internal/domain"
)

// LearningRepository stores feedback, learned patterns and the per-organization
// matching configuration. It satisfies learning.Store.
type LearningRepository struct {
	db *gorm.DB
}

// NewLearningRepository creates a new LearningRepository.
func NewLearningRepository(db *gorm.DB) *LearningRepository {
	return &LearningRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *LearningRepository) WithTx(tx *gorm.DB) *LearningRepository {
	return &LearningRepository{db: tx}
}

// AppendFeedback inserts a feedback row. Feedback is never updated.
func (r *LearningRepository) AppendFeedback(ctx context.Context, fb *domain.LearningFeedback) error {
	return r.db.WithContext(ctx).Create(fb).Error
}

// ListRecentFeedback returns the newest perOrg feedback rows of every
// organization, each organization's rows in arrival order.
func (r *LearningRepository) ListRecentFeedback(ctx context.Context, perOrg int) ([]domain.LearningFeedback, error) {
	var orgs []string
	if err := r.db.WithContext(ctx).Model(&domain.LearningFeedback{}).
		Distinct("organization_id").
		Order("organization_id ASC").
		Pluck("organization_id", &orgs).Error; err != nil {
		return nil, err
	}

	var out []domain.LearningFeedback
	for _, orgID := range orgs {
		var rows []domain.LearningFeedback
		if err := r.db.WithContext(ctx).
			Where("organization_id = ?", orgID).
			Order("created_at DESC, id DESC").
			Limit(perOrg).
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := len(rows) - 1; i >= 0; i-- {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

// SavePatterns upserts pattern snapshots keyed by organization, type and key.
func (r *LearningRepository) SavePatterns(ctx context.Context, patterns []domain.LearningPattern) error {
	if len(patterns) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}, {Name: "pattern_type"}, {Name: "pattern_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sample_count", "success_count", "success_rate", "learned_value", "updated_at",
		}),
	}).Create(&patterns).Error
}

// ListPatterns returns the stored patterns of an organization.
func (r *LearningRepository) ListPatterns(ctx context.Context, orgID string) ([]domain.LearningPattern, error) {
	var out []domain.LearningPattern
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("pattern_type ASC, pattern_key ASC").
		Find(&out).Error
	return out, err
}

// GetConfig returns the organization's stored matching config, or nil when
// it still runs on defaults.
func (r *LearningRepository) GetConfig(ctx context.Context, orgID string) (*domain.MatchingConfigRecord, error) {
	var rec domain.MatchingConfigRecord
	err := r.db.WithContext(ctx).First(&rec, "organization_id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveConfig stores rec as the organization's config, bumping the version.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: new config; Version is overwritten.
//   - appliedBy: operator or automation applying the change.
//   - now: application time.
// Returns:
//   - error: non-nil if the transaction fails.
func (r *LearningRepository) SaveConfig(ctx context.Context, rec *domain.MatchingConfigRecord, appliedBy string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.MatchingConfigRecord
		err := tx.First(&current, "organization_id = ?", rec.OrganizationID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec.Version = 1
			rec.CreatedAt = now
		case err != nil:
			return err
		default:
			rec.Version = current.Version + 1
			rec.CreatedAt = current.CreatedAt
		}
		rec.AppliedBy = appliedBy
		rec.AppliedAt = &now
		rec.UpdatedAt = now
		return tx.Save(rec).Error
	})
}
