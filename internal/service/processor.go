package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timmy/ledgerlink/internal/aggregator"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/repository"
)

// maxSyncPages bounds one job's paging so a misbehaving upstream cannot keep
// a worker busy forever.
const maxSyncPages = 1000

// TransactionSource is the aggregator capability a sync needs.
type TransactionSource interface {
	SyncTransactions(ctx context.Context, accessToken, cursor string) (*aggregator.SyncPage, error)
}

// Reconciler scores freshly synced transactions.
type Reconciler interface {
	ReconcileTransactions(ctx context.Context, transactionIDs []string) (int, error)
}

// permanentError marks a job failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the scheduler fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a job failing with err should be retried.
// Aggregator errors follow the aggregator's classification; transport and
// store errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, domain.ErrItemNotFound) || errors.Is(err, domain.ErrItemDisabled) {
		return false
	}
	return aggregator.IsRetryable(err)
}

// SyncProcessor executes sync jobs against the aggregator.
type SyncProcessor struct {
	items      *repository.ItemRepository
	txns       *repository.TransactionRepository
	source     TransactionSource
	reconciler Reconciler
	now        func() time.Time
}

// NewSyncProcessor creates a new SyncProcessor.
func NewSyncProcessor(
	items *repository.ItemRepository,
	txns *repository.TransactionRepository,
	source TransactionSource,
	reconciler Reconciler,
) *SyncProcessor {
	return &SyncProcessor{
		items:      items,
		txns:       txns,
		source:     source,
		reconciler: reconciler,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs job to completion.
// Parameters:
//   - ctx: context carrying the pass deadline.
//   - job: a claimed, running job.
// Returns:
//   - *domain.SyncResult: counts and the cursor reached.
//   - error: the failure; classify it with IsRetryable.
func (p *SyncProcessor) Execute(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error) {
	payload, err := job.DecodePayload()
	if err != nil {
		return nil, Permanent(err)
	}

	item, err := p.items.GetByID(ctx, job.ItemID)
	if err != nil {
		return nil, err
	}
	if item.SyncStatus == domain.ItemStatusDisabled {
		return nil, fmt.Errorf("%w: %s", domain.ErrItemDisabled, item.ID)
	}

	switch pl := payload.(type) {
	case domain.FullRefreshPayload:
		// A refresh is an incremental sync from an empty cursor.
		if err := p.items.ClearCursor(ctx, item.ID); err != nil {
			return nil, fmt.Errorf("failed to clear cursor: %w", err)
		}
		item.Cursor = ""
		logger.CtxInfo(ctx, "Full refresh requested: %s", pl.Reason)
	case domain.SyncPayload:
		logger.CtxDebug(ctx, "Sync triggered by %s", pl.Trigger)
	}

	return p.sync(ctx, item)
}

func (p *SyncProcessor) sync(ctx context.Context, item *domain.ExternalItem) (*domain.SyncResult, error) {
	start := time.Now()
	result := &domain.SyncResult{Cursor: item.Cursor}
	seen := make(map[string]struct{})
	var touched []string

	cursor := item.Cursor
	for {
		if result.Pages >= maxSyncPages {
			return nil, fmt.Errorf("sync exceeded %d pages", maxSyncPages)
		}
		page, err := p.source.SyncTransactions(ctx, item.AccessToken, cursor)
		if err != nil {
			p.recordItemError(ctx, item, err)
			return nil, err
		}
		result.Pages++

		batch, err := p.batchFromPage(item, page)
		if err != nil {
			return nil, Permanent(err)
		}
		ids, err := p.txns.ApplySyncBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to persist sync page: %w", err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				touched = append(touched, id)
			}
		}

		result.Added += len(page.Added)
		result.Modified += len(page.Modified)
		result.Removed += len(page.Removed)
		result.Cursor = page.NextCursor

		if !page.HasMore {
			break
		}
		if page.NextCursor == cursor {
			return nil, fmt.Errorf("aggregator returned has_more without advancing the cursor")
		}
		cursor = page.NextCursor
	}

	if item.SyncStatus == domain.ItemStatusError {
		if _, err := p.items.UpdateStatus(ctx, item.ID, domain.ItemStatusActive, nil); err != nil {
			logger.CtxWarn(ctx, "Failed to reactivate item after successful sync: %v", err)
		}
	}

	if p.reconciler != nil && len(touched) > 0 {
		n, err := p.reconciler.ReconcileTransactions(ctx, touched)
		if err != nil {
			// Synced rows are durable; the next sync or an operator run retries matching.
			logger.CtxWarn(ctx, "Reconciliation after sync failed: %v", err)
		}
		result.MatchesSuggested = n
	}

	logger.With(logger.Fields{
		"pages":    result.Pages,
		"added":    result.Added,
		"modified": result.Modified,
		"removed":  result.Removed,
	}).Since(start).Info(ctx, "Item sync completed")
	return result, nil
}

// recordItemError moves the item to error or disabled when the aggregator
// reports a permanent problem with it.
func (p *SyncProcessor) recordItemError(ctx context.Context, item *domain.ExternalItem, err error) {
	status, info, ok := aggregator.ItemStatusFor(err)
	if !ok {
		return
	}
	if _, uerr := p.items.UpdateStatus(ctx, item.ID, status, info); uerr != nil {
		logger.CtxError(ctx, "Failed to record item status %s: %v", status, uerr)
		return
	}
	logger.CtxWarn(ctx, "Item marked %s after aggregator error: %v", status, err)
}

func (p *SyncProcessor) batchFromPage(item *domain.ExternalItem, page *aggregator.SyncPage) (repository.SyncBatch, error) {
	now := p.now()
	batch := repository.SyncBatch{
		ItemID:   item.ID,
		Cursor:   page.NextCursor,
		SyncedAt: now,
	}

	upserts := make([]aggregator.Transaction, 0, len(page.Added)+len(page.Modified))
	upserts = append(upserts, page.Added...)
	upserts = append(upserts, page.Modified...)
	for _, t := range upserts {
		raw, err := json.Marshal(t)
		if err != nil {
			return batch, fmt.Errorf("encode transaction %s: %w", t.TransactionID, err)
		}
		batch.Raw = append(batch.Raw, domain.AggregatorTransaction{
			ID:             uuid.New().String(),
			ExternalID:     t.TransactionID,
			ItemID:         item.ID,
			OrganizationID: item.OrganizationID,
			AccountID:      t.AccountID,
			Raw:            datatypes.JSON(raw),
			CreatedAt:      now,
			UpdatedAt:      now,
		})

		derived, err := deriveTransaction(item, t, now)
		if err != nil {
			return batch, err
		}
		batch.Derived = append(batch.Derived, derived)
	}

	for _, r := range page.Removed {
		batch.Removed = append(batch.Removed, r.TransactionID)
	}
	return batch, nil
}

// deriveTransaction maps an upstream record onto the reconcilable shape.
// The authorized date is when the purchase happened and becomes the
// transaction date; the booking date is the posted date once settled.
func deriveTransaction(item *domain.ExternalItem, t aggregator.Transaction, now time.Time) (domain.Transaction, error) {
	booked, err := aggregator.ParseDate(t.Date)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: invalid date %q", t.TransactionID, t.Date)
	}

	txnDate := booked
	if t.AuthorizedDate != nil && *t.AuthorizedDate != "" {
		if authorized, err := aggregator.ParseDate(*t.AuthorizedDate); err == nil {
			txnDate = authorized
		}
	}

	status := domain.TransactionStatusPosted
	var posted *time.Time
	if t.Pending {
		status = domain.TransactionStatusPending
	} else {
		posted = &booked
	}

	out := domain.Transaction{
		ID:              uuid.New().String(),
		ExternalID:      t.TransactionID,
		OrganizationID:  item.OrganizationID,
		ItemID:          item.ID,
		AccountID:       t.AccountID,
		UserID:          item.UserID,
		Amount:          t.Amount,
		TransactionDate: txnDate,
		PostedDate:      posted,
		Description:     t.Name,
		Latitude:        t.Location.Lat,
		Longitude:       t.Location.Lon,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.IsoCurrencyCode != nil {
		out.Currency = *t.IsoCurrencyCode
	}
	if t.MerchantName != nil {
		out.MerchantName = *t.MerchantName
	}
	return out, nil
}
