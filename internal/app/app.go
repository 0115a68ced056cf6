// Package app assembles the reconciliation stack from configuration. Both
// the API server and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/ledgerlink/internal/aggregator"
	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/learning"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/matching"
	"github.com/timmy/ledgerlink/internal/repository"
	"github.com/timmy/ledgerlink/internal/service"
	"github.com/timmy/ledgerlink/internal/storage"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	DB     *gorm.DB

	Items    *repository.ItemRepository
	Jobs     *repository.JobRepository
	Events   *repository.WebhookEventRepository
	Txns     *repository.TransactionRepository
	Receipts *repository.ReceiptRepository
	Matches  *repository.MatchRepository
	Learning *repository.LearningRepository

	Engine     *learning.Engine
	Advisor    *service.ConfigAdvisor
	Reconciler *service.ReconcileService
	Processor  *service.SyncProcessor
	Scheduler  *service.Scheduler
	Webhooks   *service.WebhookService
	Feedback   *service.FeedbackService
	// Archiver is nil when archiving is disabled.
	Archiver *service.JobArchiver
}

// NewLogger builds the process logger from the log section and installs it
// as the default.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	log := logger.New(&logger.Options{
		Level:       cfg.Level,
		Format:      cfg.Format,
		Environment: cfg.Environment,
		File:        cfg.File,
		MaxSize:     cfg.MaxSize,
		MaxBackups:  cfg.MaxBackups,
		MaxAge:      cfg.MaxAge,
		Compress:    cfg.Compress,
	})
	logger.SetDefaultLogger(log)
	return log
}

// MatchingDefaults converts the configured matching section into the config
// used by organizations that never applied a learned suggestion.
func MatchingDefaults(cfg config.MatchingConfig) matching.Config {
	return matching.Config{
		AmountTolerance:    cfg.AmountTolerancePercentage,
		DateWindowDays:     cfg.DateWindowDays,
		AutoMatchThreshold: cfg.AutoMatchThreshold,
		SuggestThreshold:   cfg.SuggestThreshold,
		LocationRadiusKm:   cfg.LocationRadiusKm,
		Weights: matching.Weights{
			Amount:   cfg.Weights.Amount,
			Merchant: cfg.Weights.Merchant,
			Date:     cfg.Weights.Date,
			User:     cfg.Weights.User,
			Location: cfg.Weights.Location,
		},
	}
}

// LearningOptions converts the learning section into engine options.
func LearningOptions(cfg config.LearningConfig) learning.Options {
	opts := learning.DefaultOptions()
	opts.MinSamples = cfg.MinSamples
	opts.MinChangeRatio = cfg.MinChangeRatio
	opts.RuleMinSamples = cfg.RuleMinSamples
	opts.RuleSuccessRate = cfg.RuleSuccessRate
	opts.RuleAutoApproveRate = cfg.RuleAutoApproveRate
	opts.RuleTTL = cfg.RuleTTL
	return opts
}

// New opens the database and wires every component. The learning engine is
// restored from stored feedback before New returns.
// Parameters:
//   - ctx: context for startup I/O.
//   - cfg: validated configuration.
// Returns:
//   - *App: wired application; call Close when done.
//   - error: non-nil if the database, archive storage or learning state
//     cannot be initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	defaults := MatchingDefaults(cfg.Matching)
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matching defaults: %w", err)
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		Items:    repository.NewItemRepository(db),
		Jobs:     repository.NewJobRepository(db),
		Events:   repository.NewWebhookEventRepository(db),
		Txns:     repository.NewTransactionRepository(db),
		Receipts: repository.NewReceiptRepository(db),
		Matches:  repository.NewMatchRepository(db),
		Learning: repository.NewLearningRepository(db),
	}

	if cfg.Archive.Enabled {
		store, err := storage.NewStorage(&cfg.Archive)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		if eb, ok := store.(interface{ EnsureBucket(context.Context) error }); ok {
			if err := eb.EnsureBucket(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to ensure archive bucket: %w", err)
			}
		}
		a.Archiver = service.NewJobArchiver(store, cfg.Archive.Prefix)
	}

	a.Engine = learning.NewEngine(LearningOptions(cfg.Learning), a.Learning)
	if err := a.Engine.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore learning state: %w", err)
	}
	a.Advisor = service.NewConfigAdvisor(a.Learning, a.Matches, a.Engine, defaults)

	client := aggregator.NewClient(aggregator.Config{
		BaseURL:    cfg.Aggregator.BaseURL,
		ClientID:   cfg.Aggregator.ClientID,
		Secret:     cfg.Aggregator.Secret,
		Timeout:    cfg.Aggregator.Timeout,
		PageSize:   cfg.Aggregator.PageSize,
		RetryCount: cfg.Aggregator.RetryCount,
	})
	a.Reconciler = service.NewReconcileService(a.Txns, a.Receipts, a.Matches, a.Advisor, cfg.Matching.CandidateWindowMultiplier)
	a.Processor = service.NewSyncProcessor(a.Items, a.Txns, client, a.Reconciler)

	// A nil *JobArchiver must not become a non-nil Archiver interface.
	var archiver service.Archiver
	if a.Archiver != nil {
		archiver = a.Archiver
	}
	a.Scheduler = service.NewScheduler(a.Jobs, a.Events, a.Items, a.Processor, archiver, cfg.Scheduler)
	a.Webhooks = service.NewWebhookService(a.Events, a.Items, a.Jobs, a.Txns, a.Scheduler, cfg.Webhook)
	a.Feedback = service.NewFeedbackService(db, a.Matches, a.Txns, a.Receipts, a.Learning, a.Advisor, a.Engine)

	return a, nil
}

// Close flushes learned patterns and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush learning state: %w", err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
