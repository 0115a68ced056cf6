package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/repository"
)

// JobScheduler enqueues sync jobs, deduplicating against active ones.
type JobScheduler interface {
	Schedule(ctx context.Context, itemID string, jobType domain.JobType, payload domain.JobPayload, eventID *string) (*domain.SyncJob, bool, error)
}

// WebhookService ingests aggregator notifications.
type WebhookService struct {
	events    *repository.WebhookEventRepository
	items     *repository.ItemRepository
	jobs      *repository.JobRepository
	txns      *repository.TransactionRepository
	scheduler JobScheduler
	cfg       config.WebhookConfig
	now       func() time.Time
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(
	events *repository.WebhookEventRepository,
	items *repository.ItemRepository,
	jobs *repository.JobRepository,
	txns *repository.TransactionRepository,
	scheduler JobScheduler,
	cfg config.WebhookConfig,
) *WebhookService {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 24 * time.Hour
	}
	return &WebhookService{
		events:    events,
		items:     items,
		jobs:      jobs,
		txns:      txns,
		scheduler: scheduler,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// outcome is what dispatching one notification did.
type outcome struct {
	result string
	// linked is set when a job now owns closing the event.
	linked bool
}

// Handle verifies, records and dispatches one notification.
//
// Every accepted delivery is written to webhook_events before it is
// dispatched. A redelivery within the dedupe window returns the recorded
// event unchanged when it was processed, and is dispatched again when it
// was not.
// Parameters:
//   - ctx: request context.
//   - raw: body bytes exactly as received.
//   - signature: signature header value, may be empty.
//   - deliveryID: sender's delivery id header value, may be empty.
// Returns:
//   - *domain.WebhookEvent: the recorded event.
//   - error: domain.ErrInvalidSignature or domain.ErrMalformedWebhook for
//     rejected deliveries, or a transient store error that left the event
//     unprocessed.
func (s *WebhookService) Handle(ctx context.Context, raw []byte, signature, deliveryID string) (*domain.WebhookEvent, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx = logger.SetComponent(ctx, "webhook")

	sigStatus, err := s.verify(ctx, raw, signature)
	if err != nil {
		return nil, err
	}

	key := dedupeKey(raw, deliveryID)
	now := s.now()
	ev, err := s.events.FindByDedupeKey(ctx, key, now.Add(-s.cfg.DedupeWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to look up webhook event: %w", err)
	}
	if ev != nil && ev.Processed {
		logger.With(logger.Fields{logger.FieldWebhookID: ev.ID}).Info(ctx, "Duplicate webhook delivery ignored")
		return ev, nil
	}

	if ev != nil {
		// An earlier delivery already handed the event to a job that will close it.
		job, err := s.jobs.FindByWebhookEvent(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up webhook job: %w", err)
		}
		if job != nil {
			return ev, nil
		}
	}

	payload, parseErr := domain.ParseWebhook(raw)
	if ev == nil {
		ev = &domain.WebhookEvent{
			ID:         uuid.New().String(),
			DedupeKey:  key,
			Payload:    datatypes.JSON(raw),
			Signature:  sigStatus,
			ReceivedAt: now,
		}
		if payload != nil {
			ev.ItemID = payload.ItemID
			ev.WebhookType = payload.WebhookType
			ev.WebhookCode = payload.WebhookCode
		}
		if err := s.events.Create(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to record webhook event: %w", err)
		}
	}
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldWebhookID: ev.ID,
		logger.FieldItemID:    ev.ItemID,
	})

	if err := s.process(ctx, ev, payload, parseErr, now); err != nil {
		return ev, err
	}
	return ev, nil
}

// process dispatches a recorded event and records its outcome. Failures
// that would repeat on every attempt close the event as failed; only a
// transient store error leaves it open and is returned, so the sender
// redelivers it.
func (s *WebhookService) process(ctx context.Context, ev *domain.WebhookEvent, payload *domain.WebhookPayload, parseErr error, now time.Time) error {
	if parseErr != nil {
		s.close(ctx, ev, "rejected", parseErr.Error())
		return parseErr
	}

	if ev.ItemID != "" {
		if err := s.items.TouchWebhook(ctx, ev.ItemID, now); err != nil {
			logger.CtxWarn(ctx, "Failed to record webhook time on item: %v", err)
		}
	}

	out, err := s.dispatch(ctx, ev, payload.Classify())
	if err != nil {
		if repository.IsTransient(err) {
			logger.CtxError(ctx, "Webhook dispatch interrupted, left open: %v", err)
			return err
		}
		if errors.Is(err, domain.ErrItemNotFound) {
			logger.CtxWarn(ctx, "Webhook references unknown item")
		} else {
			logger.CtxError(ctx, "Webhook dispatch failed: %v", err)
		}
		s.close(ctx, ev, "failed", err.Error())
		return nil
	}

	if !out.linked {
		s.close(ctx, ev, out.result, "")
	}
	logger.With(logger.Fields{
		"webhook_type": ev.WebhookType,
		"webhook_code": ev.WebhookCode,
		"linked_job":   out.linked,
	}).Info(ctx, "Webhook handled: %s", out.result)
	return nil
}

// ReplayStats summarizes one Replay pass.
type ReplayStats struct {
	Found     int `json:"found"`
	Processed int `json:"processed"`
	Linked    int `json:"linked"`
	Open      int `json:"open"`
}

// Replay dispatches recorded events that never got an outcome, oldest
// first. Events received at or after before are skipped so deliveries
// still in flight are left to their own request, and events already handed
// to a job are left for the job to close.
func (s *WebhookService) Replay(ctx context.Context, before time.Time, limit int) (ReplayStats, error) {
	ctx = logger.SetComponent(ctx, "webhook")
	start := time.Now()

	events, err := s.events.ListUnprocessed(ctx, before, limit)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	stats := ReplayStats{Found: len(events)}
	for i := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ev := &events[i]
		job, err := s.jobs.FindByWebhookEvent(ctx, ev.ID)
		if err != nil {
			return stats, fmt.Errorf("failed to look up webhook job: %w", err)
		}
		if job != nil {
			stats.Linked++
			continue
		}

		evCtx := logger.WithFields(ctx, logger.Fields{
			logger.FieldWebhookID: ev.ID,
			logger.FieldItemID:    ev.ItemID,
		})
		payload, parseErr := domain.ParseWebhook([]byte(ev.Payload))
		if err := s.process(evCtx, ev, payload, parseErr, s.now()); err != nil && !errors.Is(err, domain.ErrMalformedWebhook) {
			stats.Open++
			continue
		}
		stats.Processed++
	}

	logger.With(logger.Fields{
		"found":     stats.Found,
		"processed": stats.Processed,
		"linked":    stats.Linked,
		"open":      stats.Open,
	}).Since(start).Info(ctx, "Webhook replay completed")
	return stats, nil
}

// verify checks the body signature in constant time. Without a configured
// secret verification is skipped and a warning is logged.
func (s *WebhookService) verify(ctx context.Context, raw []byte, signature string) (domain.SignatureStatus, error) {
	if s.cfg.Secret == "" {
		logger.CtxWarn(ctx, "Webhook secret not configured, skipping signature verification")
		return domain.SignatureSkipped, nil
	}
	got := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "sha256=")
	if got == "" {
		return "", domain.ErrInvalidSignature
	}
	want := Sign(s.cfg.Secret, raw)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return "", domain.ErrInvalidSignature
	}
	return domain.SignatureValid, nil
}

// dedupeKey prefers the sender's delivery id and falls back to a digest of
// the body.
func dedupeKey(raw []byte, deliveryID string) string {
	if id := strings.TrimSpace(deliveryID); id != "" {
		return "delivery:" + id
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *WebhookService) close(ctx context.Context, ev *domain.WebhookEvent, result, errMsg string) {
	now := s.now()
	// The outcome is recorded even if the request context is gone.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := s.events.MarkProcessed(bctx, ev.ID, result, errMsg, now); err != nil {
		logger.CtxError(ctx, "Failed to record webhook outcome: %v", err)
		return
	}
	ev.Processed = true
	ev.Result = result
	ev.Error = errMsg
	ev.ProcessedAt = &now
}

func (s *WebhookService) dispatch(ctx context.Context, ev *domain.WebhookEvent, n domain.Notification) (outcome, error) {
	switch n := n.(type) {
	case domain.TransactionsUpdate:
		return s.schedule(ctx, ev, domain.JobTypeIncrementalSync,
			domain.SyncPayload{Trigger: "webhook", WebhookCode: n.Code, NewTransactions: n.NewTransactions})

	case domain.SyncUpdatesAvailable:
		return s.schedule(ctx, ev, domain.JobTypeWebhookTriggered,
			domain.SyncPayload{Trigger: "webhook", WebhookCode: domain.CodeSyncUpdatesAvailable})

	case domain.HistoricalUpdate:
		return s.schedule(ctx, ev, domain.JobTypeFullRefresh,
			domain.FullRefreshPayload{Reason: "historical update available", RequestedBy: "webhook"})

	case domain.TransactionsRemoved:
		if _, err := s.items.GetByID(ctx, n.ItemID); err != nil {
			return outcome{}, err
		}
		if len(n.TransactionIDs) == 0 {
			return outcome{result: "no transactions listed"}, nil
		}
		removed, err := s.txns.MarkRemoved(ctx, n.ItemID, n.TransactionIDs, s.now())
		if err != nil {
			return outcome{}, fmt.Errorf("failed to remove transactions: %w", err)
		}
		return outcome{result: fmt.Sprintf("removed %d transactions", removed)}, nil

	case domain.ItemError:
		info := n.Error
		return s.setItemStatus(ctx, n.ItemID, domain.ItemStatusError, &info)

	case domain.PermissionRevoked:
		out, err := s.setItemStatus(ctx, n.ItemID, domain.ItemStatusDisabled, n.Error)
		if err != nil {
			return out, err
		}
		cancelled, err := s.jobs.CancelPending(ctx, n.ItemID, "user permission revoked", s.now())
		if err != nil {
			return outcome{}, fmt.Errorf("failed to cancel pending jobs: %w", err)
		}
		out.result = fmt.Sprintf("%s, %d pending jobs cancelled", out.result, cancelled)
		return out, nil

	case domain.PendingExpiration:
		expires := "unknown"
		if n.ExpiresAt != nil {
			expires = n.ExpiresAt.Format(time.RFC3339)
		}
		logger.CtxWarn(ctx, "Item consent expires at %s", expires)
		return outcome{result: "logged pending expiration"}, nil

	case domain.LoginRepaired:
		if _, err := s.setItemStatus(ctx, n.ItemID, domain.ItemStatusActive, nil); err != nil {
			return outcome{}, err
		}
		return s.schedule(ctx, ev, domain.JobTypeIncrementalSync,
			domain.SyncPayload{Trigger: "webhook", WebhookCode: domain.CodeLoginRepaired})

	case domain.UnknownCode:
		logger.CtxInfo(ctx, "Ignoring unhandled %s webhook code %q", n.Type, n.Code)
		return outcome{result: "ignored: unhandled code"}, nil

	case domain.UnknownType:
		logger.CtxInfo(ctx, "Ignoring unhandled webhook type %q", n.Type)
		return outcome{result: "ignored: unhandled type"}, nil
	}
	return outcome{}, fmt.Errorf("unhandled notification %T", n)
}

func (s *WebhookService) schedule(ctx context.Context, ev *domain.WebhookEvent, jobType domain.JobType, payload domain.JobPayload) (outcome, error) {
	job, created, err := s.scheduler.Schedule(ctx, ev.ItemID, jobType, payload, &ev.ID)
	if errors.Is(err, domain.ErrItemDisabled) {
		return outcome{result: "ignored: item disabled"}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	if !created {
		return outcome{result: "sync already scheduled: " + job.ID}, nil
	}
	return outcome{result: "scheduled " + string(jobType) + ": " + job.ID, linked: true}, nil
}

func (s *WebhookService) setItemStatus(ctx context.Context, itemID string, status domain.ItemStatus, info *domain.ItemErrorInfo) (outcome, error) {
	changed, err := s.items.UpdateStatus(ctx, itemID, status, info)
	if err != nil {
		return outcome{}, err
	}
	if !changed {
		return outcome{result: "item already " + string(status)}, nil
	}
	return outcome{result: "item marked " + string(status)}, nil
}
