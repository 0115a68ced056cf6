package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/repository"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type fixture struct {
	db       *gorm.DB
	items    *repository.ItemRepository
	jobs     *repository.JobRepository
	events   *repository.WebhookEventRepository
	txns     *repository.TransactionRepository
	receipts *repository.ReceiptRepository
	matches  *repository.MatchRepository
	learning *repository.LearningRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSNOverride:  fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_busy_timeout=5000", name, uuid.NewString()[:8]),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	return &fixture{
		db:       db,
		items:    repository.NewItemRepository(db),
		jobs:     repository.NewJobRepository(db),
		events:   repository.NewWebhookEventRepository(db),
		txns:     repository.NewTransactionRepository(db),
		receipts: repository.NewReceiptRepository(db),
		matches:  repository.NewMatchRepository(db),
		learning: repository.NewLearningRepository(db),
	}
}

func (f *fixture) seedItem(t *testing.T, id string, status domain.ItemStatus) *domain.ExternalItem {
	t.Helper()
	item := &domain.ExternalItem{
		ID:             id,
		OrganizationID: "org-1",
		UserID:         "u1",
		AccessToken:    "access-" + id,
		SyncStatus:     status,
	}
	if err := f.items.Create(context.Background(), item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func (f *fixture) seedJob(t *testing.T, mutate func(*domain.SyncJob)) *domain.SyncJob {
	t.Helper()
	job := &domain.SyncJob{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		ItemID:         "item-1",
		JobType:        domain.JobTypeIncrementalSync,
		Status:         domain.JobStatusPending,
		ScheduledAt:    t0.Add(-time.Minute),
		Payload:        []byte(`{"trigger":"test"}`),
	}
	if mutate != nil {
		mutate(job)
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *fixture) seedEvent(t *testing.T, id string) *domain.WebhookEvent {
	t.Helper()
	ev := &domain.WebhookEvent{ID: id, DedupeKey: "delivery:" + id, ItemID: "item-1", ReceivedAt: t0}
	if err := f.events.Create(context.Background(), ev); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func (f *fixture) seedTransaction(t *testing.T, id, merchant string, amount string, at time.Time) *domain.Transaction {
	t.Helper()
	txn := &domain.Transaction{
		ID:              id,
		ExternalID:      "ext-" + id,
		OrganizationID:  "org-1",
		ItemID:          "item-1",
		UserID:          "u1",
		Amount:          decimal.RequireFromString(amount),
		TransactionDate: at,
		MerchantName:    merchant,
		Description:     merchant,
		Status:          domain.TransactionStatusPosted,
	}
	if err := f.txns.Create(context.Background(), txn); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func (f *fixture) seedReceipt(t *testing.T, id, org, merchant string, amount string, at time.Time) *domain.Receipt {
	t.Helper()
	rcpt := &domain.Receipt{
		ID:             id,
		OrganizationID: org,
		TotalAmount:    decimal.RequireFromString(amount),
		ReceiptDate:    at,
		MerchantName:   merchant,
		UploadedBy:     "u1",
		Status:         domain.ReceiptStatusProcessed,
	}
	if err := f.receipts.Create(context.Background(), rcpt); err != nil {
		t.Fatalf("create receipt: %v", err)
	}
	return rcpt
}

func (f *fixture) job(t *testing.T, id string) *domain.SyncJob {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (f *fixture) event(t *testing.T, id string) *domain.WebhookEvent {
	t.Helper()
	ev, err := f.events.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get event %s: %v", id, err)
	}
	return ev
}

func (f *fixture) countJobs(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&domain.SyncJob{}).Count(&n).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return n
}

// fakeExecutor returns a canned outcome per job ID.
type fakeExecutor struct {
	mu       sync.Mutex
	errs     map[string]error
	executed []string
}

func (e *fakeExecutor) Execute(ctx context.Context, job *domain.SyncJob) (*domain.SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, job.ID)
	if err := e.errs[job.ID]; err != nil {
		return nil, err
	}
	return &domain.SyncResult{Pages: 1, Added: 1, Cursor: "next"}, nil
}

type fakeArchiver struct {
	archived []domain.SyncJob
	err      error
}

func (a *fakeArchiver) Archive(ctx context.Context, jobs []domain.SyncJob, at time.Time) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, jobs...)
	return "archive/key.jsonl", nil
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		Workers:      2,
		MaxRetries:   3,
		Backoff: config.BackoffConfig{
			Base:   5 * time.Minute,
			Factor: 3,
			Max:    time.Hour,
		},
		StaleAfter: 30 * time.Minute,
		Retention:  7 * 24 * time.Hour,
	}
}

func newTestScheduler(f *fixture, exec JobExecutor, archiver Archiver) *Scheduler {
	s := NewScheduler(f.jobs, f.events, f.items, exec, archiver, testSchedulerConfig())
	s.now = fixedClock(t0)
	return s
}
