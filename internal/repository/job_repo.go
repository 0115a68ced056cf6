package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/domain"
)

// JobRepository handles sync job persistence. Every state transition is a
// conditional UPDATE on the current status, so a transition that lost a race
// affects zero rows instead of overwriting another worker's result.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *JobRepository) WithTx(tx *gorm.DB) *JobRepository {
	return &JobRepository{db: tx}
}

// JobFilter narrows List results.
type JobFilter struct {
	ItemID string
	Status domain.JobStatus
	Limit  int
}

// Create inserts a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.SyncJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.SyncJob: job record if found.
//   - error: gorm.ErrRecordNotFound if missing.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first.
func (r *JobRepository) List(ctx context.Context, f JobFilter) ([]domain.SyncJob, error) {
	q := r.db.WithContext(ctx).Model(&domain.SyncJob{})
	if f.ItemID != "" {
		q = q.Where("item_id = ?", f.ItemID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var jobs []domain.SyncJob
	err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// retryableFailed matches failed jobs the scheduler may still re-arm. A
// failure consumes one retry; the job stays eligible until retry_count
// exceeds the budget.
const retryableFailed = "status = ? AND retry_count <= ? AND next_retry_at IS NOT NULL"

// FindDue returns up to limit jobs that are pending and due, or failed with
// retry budget left and past their retry time, oldest scheduled first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: reference time.
//   - maxRetries: retry budget per job.
//   - limit: batch bound.
// Returns:
//   - []domain.SyncJob: due jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) FindDue(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.JobStatusPending, now).
		Or(retryableFailed+" AND next_retry_at <= ?", domain.JobStatusFailed, maxRetries, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Claim transitions job to running if nobody else has. A due failed job is
// first re-armed to pending, then claimed.
// Returns:
//   - bool: true if this caller now owns the job.
//   - error: non-nil if an update fails.
func (r *JobRepository) Claim(ctx context.Context, job *domain.SyncJob, maxRetries int, now time.Time) (bool, error) {
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if job.Status == domain.JobStatusFailed {
			res := tx.Model(&domain.SyncJob{}).
				Where("id = ? AND "+retryableFailed+" AND next_retry_at <= ?", job.ID, domain.JobStatusFailed, maxRetries, now).
				Updates(map[string]interface{}{
					"status":     domain.JobStatusPending,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return nil
			}
		}

		res := tx.Model(&domain.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     domain.JobStatusRunning,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		job.Status = domain.JobStatusRunning
		job.StartedAt = &now
	}
	return claimed, nil
}

// Complete marks a running job completed with its result.
func (r *JobRepository) Complete(ctx context.Context, id string, result datatypes.JSON, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.SyncJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusCompleted,
			"result":        result,
			"last_error":    "",
			"next_retry_at": gorm.Expr("NULL"),
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return domain.ErrJobNotClaimable
	}
	return nil
}

// Fail marks a running job failed. A nil nextRetryAt makes the failure
// terminal; otherwise the scheduler picks the job up again once due.
func (r *JobRepository) Fail(ctx context.Context, id, reason string, retryCount int, nextRetryAt *time.Time, now time.Time) error {
	var next interface{} = gorm.Expr("NULL")
	if nextRetryAt != nil {
		next = *nextRetryAt
	}
	res := r.db.WithContext(ctx).Model(&domain.SyncJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"retry_count":   retryCount,
			"next_retry_at": next,
			"last_error":    reason,
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return domain.ErrJobNotClaimable
	}
	return nil
}

// FindStale returns running jobs started before cutoff.
func (r *JobRepository) FindStale(ctx context.Context, cutoff time.Time) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.JobStatusRunning, cutoff).
		Order("started_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// FindActive returns an active job for itemID among types, or nil. Active
// means pending, running, or failed with retry budget left.
func (r *JobRepository) FindActive(ctx context.Context, itemID string, types []domain.JobType, maxRetries int) (*domain.SyncJob, error) {
	var job domain.SyncJob
	err := r.db.WithContext(ctx).
		Where("item_id = ? AND job_type IN ?", itemID, types).
		Where(r.db.Where("status IN ?", []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning}).
			Or(retryableFailed, domain.JobStatusFailed, maxRetries)).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelPending cancels itemID's pending jobs and closes out the webhook
// events they were scheduled for, in one transaction.
// Returns:
//   - int64: number of jobs cancelled.
//   - error: non-nil if the transaction fails.
func (r *JobRepository) CancelPending(ctx context.Context, itemID, reason string, now time.Time) (int64, error) {
	var cancelled int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []domain.SyncJob
		if err := tx.Where("item_id = ? AND status = ?", itemID, domain.JobStatusPending).Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(jobs))
		var eventIDs []string
		for _, j := range jobs {
			ids = append(ids, j.ID)
			if j.WebhookEventID != nil {
				eventIDs = append(eventIDs, *j.WebhookEventID)
			}
		}

		res := tx.Model(&domain.SyncJob{}).
			Where("id IN ? AND status = ?", ids, domain.JobStatusPending).
			Updates(map[string]interface{}{
				"status":       domain.JobStatusCancelled,
				"last_error":   reason,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		cancelled = res.RowsAffected

		if len(eventIDs) > 0 {
			return tx.Model(&domain.WebhookEvent{}).
				Where("id IN ? AND processed = ?", eventIDs, false).
				Updates(map[string]interface{}{
					"processed":    true,
					"result":       "job cancelled: " + reason,
					"processed_at": now,
				}).Error
		}
		return nil
	})
	return cancelled, err
}

// ListTerminalBefore returns up to limit terminal jobs completed before cutoff.
func (r *JobRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	err := r.db.WithContext(ctx).
		Where("completed_at < ?", cutoff).
		Where(r.db.Where("status IN ?", []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusCancelled}).
			Or("status = ? AND next_retry_at IS NULL", domain.JobStatusFailed)).
		Order("completed_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// DeleteByIDs removes jobs by ID.
func (r *JobRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.SyncJob{})
	return res.RowsAffected, res.Error
}

// FindByWebhookEvent returns the job scheduled for eventID, or nil.
func (r *JobRepository) FindByWebhookEvent(ctx context.Context, eventID string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	err := r.db.WithContext(ctx).Where("webhook_event_id = ?", eventID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
