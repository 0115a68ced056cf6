package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/repository"
)

const (
	pruneBatchSize = 500

	// bookkeepingTimeout bounds the status write after a job finishes, which
	// must land even when the pass deadline already expired.
	bookkeepingTimeout = 10 * time.Second
)

var errJobTimedOut = errors.New("job timed out: worker stopped reporting")

// JobExecutor runs one claimed job.
type JobExecutor interface {
	Execute(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error)
}

// Archiver stores terminal jobs before they are pruned.
type Archiver interface {
	Archive(ctx context.Context, jobs []domain.SyncJob, at time.Time) (string, error)
}

// PassStats summarizes one polling pass.
type PassStats struct {
	Skipped   bool  `json:"skipped"`
	Due       int   `json:"due"`
	Claimed   int   `json:"claimed"`
	Completed int64 `json:"completed"`
	Retrying  int64 `json:"retrying"`
	Failed    int64 `json:"failed"`
}

// Scheduler owns the sync job lifecycle: scheduling, polling, execution,
// retry, reaping and pruning.
type Scheduler struct {
	jobs     *repository.JobRepository
	events   *repository.WebhookEventRepository
	items    *repository.ItemRepository
	exec     JobExecutor
	archiver Archiver
	cfg      config.SchedulerConfig

	running atomic.Bool
	wake    chan struct{}
	now     func() time.Time
}

// NewScheduler creates a new Scheduler. archiver may be nil, in which case
// pruned jobs are deleted without being archived.
func NewScheduler(
	jobs *repository.JobRepository,
	events *repository.WebhookEventRepository,
	items *repository.ItemRepository,
	exec JobExecutor,
	archiver Archiver,
	cfg config.SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Scheduler{
		jobs:     jobs,
		events:   events,
		items:    items,
		exec:     exec,
		archiver: archiver,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the poll, reap and prune loops and blocks until ctx is
// cancelled and the in-flight pass has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "scheduler")
	logger.With(logger.Fields{
		"poll_interval": s.cfg.PollInterval.String(),
		"workers":       s.cfg.Workers,
		"batch_size":    s.cfg.BatchSize,
	}).Info(ctx, "Scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pollLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.ReapInterval, "reap", func(ctx context.Context) error {
			_, err := s.Reap(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.PruneInterval, "prune", func(ctx context.Context) error {
			_, err := s.Prune(ctx)
			return err
		})
		return nil
	})
	err := g.Wait()
	logger.CtxInfo(ctx, "Scheduler stopped")
	return err
}

// pollLoop starts a pass on every tick or wake-up without waiting for the
// previous one; RunOnce skips itself while a pass is still in flight.
func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	pass := func() {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.CtxError(ctx, "Polling pass failed: %v", err)
			}
		}()
	}

	pass()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		case <-s.wake:
			pass()
		}
	}
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.CtxError(ctx, "Scheduler %s failed: %v", name, err)
			}
		}
	}
}

// Trigger requests a polling pass without waiting for the next tick. Non-blocking.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RetryDelay returns the backoff before retry number attempt (1-based):
// base * factor^(attempt-1), saturating at the configured maximum.
func (s *Scheduler) RetryDelay(attempt int) time.Duration {
	return retryDelay(s.cfg.Backoff, attempt)
}

func retryDelay(b config.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= time.Duration(b.Factor)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// RunOnce executes one polling pass: select due jobs, claim them, and run
// them on a bounded pool of workers. A call made while another pass is in
// flight returns immediately with Skipped set.
// Returns:
//   - PassStats: what the pass did.
//   - error: non-nil if due jobs could not be loaded.
func (s *Scheduler) RunOnce(ctx context.Context) (PassStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return PassStats{Skipped: true}, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	if s.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PassTimeout)
		defer cancel()
	}

	due, err := s.jobs.FindDue(ctx, s.now(), s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return PassStats{}, fmt.Errorf("failed to load due jobs: %w", err)
	}
	stats := PassStats{Due: len(due)}
	if len(due) == 0 {
		return stats, nil
	}

	var completed, retrying, failed atomic.Int64
	work := make(chan *domain.SyncJob)
	var wg sync.WaitGroup

	workers := min(s.cfg.Workers, len(due))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wctx := logger.WithField(ctx, logger.FieldWorkerID, id)
			for job := range work {
				switch s.runJob(wctx, job) {
				case domain.JobStatusCompleted:
					completed.Add(1)
				case domain.JobStatusPending:
					retrying.Add(1)
				default:
					failed.Add(1)
				}
			}
		}(i)
	}

dispatch:
	for i := range due {
		job := &due[i]
		ok, err := s.jobs.Claim(ctx, job, s.cfg.MaxRetries, s.now())
		if err != nil {
			logger.CtxError(ctx, "Failed to claim job %s: %v", job.ID, err)
			continue
		}
		if !ok {
			continue
		}
		stats.Claimed++

		select {
		case work <- job:
		case <-ctx.Done():
			// Claimed but never handed to a worker; give the attempt back.
			if s.finishFailed(ctx, job, fmt.Errorf("pass ended before execution: %w", ctx.Err())) == domain.JobStatusPending {
				retrying.Add(1)
			} else {
				failed.Add(1)
			}
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	stats.Completed = completed.Load()
	stats.Retrying = retrying.Load()
	stats.Failed = failed.Load()

	logger.With(logger.Fields{
		"due":       stats.Due,
		"claimed":   stats.Claimed,
		"completed": stats.Completed,
		"retrying":  stats.Retrying,
		"failed":    stats.Failed,
	}).Since(start).Info(ctx, "Polling pass completed")
	return stats, nil
}

// runJob executes a claimed job and records its outcome. It returns the
// resulting status, with pending standing for "failed, retry scheduled".
func (s *Scheduler) runJob(ctx context.Context, job *domain.SyncJob) domain.JobStatus {
	ctx = logger.SetJobID(logger.SetItemID(ctx, job.ItemID), job.ID)
	start := time.Now()

	result, err := s.exec.Execute(ctx, job)
	if err != nil {
		status := s.finishFailed(ctx, job, err)
		logger.With(logger.Fields{logger.FieldStatus: status}).Since(start).Warn(ctx, "Job %s failed: %v", job.JobType, err)
		return status
	}

	s.finishCompleted(ctx, job, result)
	logger.With(logger.Fields{logger.FieldStatus: domain.JobStatusCompleted}).Since(start).Info(ctx, "Job %s completed", job.JobType)
	return domain.JobStatusCompleted
}

func (s *Scheduler) finishCompleted(ctx context.Context, job *domain.SyncJob, result *domain.SyncResult) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	var raw []byte
	if result != nil {
		raw, _ = json.Marshal(result)
	}
	now := s.now()
	if err := s.jobs.Complete(bctx, job.ID, raw, now); err != nil {
		logger.CtxError(ctx, "Failed to mark job completed: %v", err)
		return
	}
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &now

	summary := "sync completed"
	if result != nil {
		summary = fmt.Sprintf("sync completed: %d added, %d modified, %d removed",
			result.Added, result.Modified, result.Removed)
	}
	s.closeEvent(bctx, job, summary, "")
}

// finishFailed records a failure. Retryable failures with budget left are
// re-armed with backoff; everything else fails terminally.
func (s *Scheduler) finishFailed(ctx context.Context, job *domain.SyncJob, cause error) domain.JobStatus {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	now := s.now()
	attempt := job.RetryCount + 1
	var next *time.Time
	if IsRetryable(cause) && attempt <= s.cfg.MaxRetries {
		at := now.Add(s.RetryDelay(attempt))
		next = &at
	}

	if err := s.jobs.Fail(bctx, job.ID, cause.Error(), attempt, next, now); err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) {
			logger.CtxWarn(ctx, "Job %s finished elsewhere, dropping failure: %v", job.ID, cause)
		} else {
			logger.CtxError(ctx, "Failed to mark job failed: %v", err)
		}
		return domain.JobStatusFailed
	}
	job.Status = domain.JobStatusFailed
	job.RetryCount = attempt
	job.NextRetryAt = next
	job.LastError = cause.Error()

	if next != nil {
		logger.CtxInfo(ctx, "Retry %d/%d scheduled at %s", attempt, s.cfg.MaxRetries, next.Format(time.RFC3339))
		return domain.JobStatusPending
	}
	s.closeEvent(bctx, job, "sync failed", cause.Error())
	return domain.JobStatusFailed
}

// closeEvent marks the webhook event that scheduled job as processed once the
// job can no longer change.
func (s *Scheduler) closeEvent(ctx context.Context, job *domain.SyncJob, result, errMsg string) {
	if job.WebhookEventID == nil {
		return
	}
	if err := s.events.MarkProcessed(ctx, *job.WebhookEventID, result, errMsg, s.now()); err != nil {
		logger.CtxError(ctx, "Failed to close webhook event %s: %v", *job.WebhookEventID, err)
	}
}

// Reap fails running jobs whose worker stopped reporting. They are re-armed
// like any other transient failure while retry budget remains.
// Returns:
//   - int: number of jobs reaped.
//   - error: non-nil if stale jobs could not be loaded.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.jobs.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to load stale jobs: %w", err)
	}

	reaped := 0
	for i := range stale {
		job := &stale[i]
		jctx := logger.SetJobID(ctx, job.ID)
		s.finishFailed(jctx, job, errJobTimedOut)
		if job.Status == domain.JobStatusFailed {
			reaped++
		}
	}
	if reaped > 0 {
		logger.With(logger.Fields{logger.FieldCount: reaped}).Warn(ctx, "Reaped stale jobs")
	}
	return reaped, nil
}

// Prune archives and deletes terminal jobs older than the retention window.
// A batch whose archive upload fails is kept for the next run.
// Returns:
//   - int: number of jobs deleted.
//   - error: non-nil if listing, archiving or deleting fails.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.Retention)
	total := 0
	for {
		jobs, err := s.jobs.ListTerminalBefore(ctx, cutoff, pruneBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list prunable jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		if s.archiver != nil {
			if _, err := s.archiver.Archive(ctx, jobs, now); err != nil {
				return total, fmt.Errorf("failed to archive jobs: %w", err)
			}
		}

		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		n, err := s.jobs.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("failed to delete jobs: %w", err)
		}
		total += int(n)
		if len(jobs) < pruneBatchSize {
			break
		}
	}
	if total > 0 {
		logger.With(logger.Fields{logger.FieldCount: total}).Info(ctx, "Pruned terminal jobs")
	}
	return total, nil
}

// Schedule enqueues a job of jobType for itemID unless an equivalent job is
// already active, in which case that job is returned with created false.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - itemID: aggregator item to sync.
//   - jobType: kind of sync.
//   - payload: typed payload matching jobType.
//   - eventID: webhook event that caused the job, or nil.
// Returns:
//   - *domain.SyncJob: the new or the already active job.
//   - bool: true if a new job was created.
//   - error: domain.ErrItemNotFound or domain.ErrItemDisabled, or a store error.
func (s *Scheduler) Schedule(ctx context.Context, itemID string, jobType domain.JobType, payload domain.JobPayload, eventID *string) (*domain.SyncJob, bool, error) {
	item, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, false, err
	}
	if item.SyncStatus == domain.ItemStatusDisabled {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrItemDisabled, itemID)
	}

	existing, err := s.jobs.FindActive(ctx, itemID, jobType.DedupeGroup(), s.cfg.MaxRetries)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if existing != nil {
		logger.CtxDebug(ctx, "Job %s already active for item, not scheduling %s", existing.ID, jobType)
		return existing, false, nil
	}

	job, err := domain.NewSyncJob(item, jobType, payload, s.now())
	if err != nil {
		return nil, false, err
	}
	job.WebhookEventID = eventID
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldJobID:  job.ID,
		logger.FieldItemID: itemID,
		"job_type":         jobType,
	}).Info(ctx, "Sync job scheduled")
	s.Trigger()
	return job, true, nil
}

// ScheduleFullRefresh enqueues a cursor reset and replay for itemID.
func (s *Scheduler) ScheduleFullRefresh(ctx context.Context, itemID, reason, requestedBy string) (*domain.SyncJob, bool, error) {
	return s.Schedule(ctx, itemID, domain.JobTypeFullRefresh,
		domain.FullRefreshPayload{Reason: reason, RequestedBy: requestedBy}, nil)
}

// ScheduleInitialSync enqueues the first sync of a newly linked item.
func (s *Scheduler) ScheduleInitialSync(ctx context.Context, itemID string) (*domain.SyncJob, bool, error) {
	return s.Schedule(ctx, itemID, domain.JobTypeInitialSync, domain.SyncPayload{Trigger: "item_linked"}, nil)
}
