package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/matching"
	"github.com/timmy/ledgerlink/internal/repository"
)

// ConfigSource resolves the matching config in force for an organization.
type ConfigSource interface {
	Effective(ctx context.Context, orgID string) (matching.Config, error)
}

// ReconcileService scores synced transactions against uploaded receipts and
// stores the surviving candidates for review.
type ReconcileService struct {
	txns       *repository.TransactionRepository
	receipts   *repository.ReceiptRepository
	matches    *repository.MatchRepository
	configs    ConfigSource
	multiplier int
	now        func() time.Time
}

// NewReconcileService creates a new ReconcileService. windowMultiplier widens
// the receipt pre-filter beyond the scoring window so boundary receipts are
// still scored.
func NewReconcileService(
	txns *repository.TransactionRepository,
	receipts *repository.ReceiptRepository,
	matches *repository.MatchRepository,
	configs ConfigSource,
	windowMultiplier int,
) *ReconcileService {
	if windowMultiplier < 1 {
		windowMultiplier = 1
	}
	return &ReconcileService{
		txns:       txns,
		receipts:   receipts,
		matches:    matches,
		configs:    configs,
		multiplier: windowMultiplier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileTransactions finds match candidates for the given transactions.
// Transactions already matched, cancelled, or holding a confirmed match are
// skipped. Re-running it re-scores pending pairs in place.
// Returns:
//   - int: number of candidates stored.
//   - error: non-nil if loading or storing fails.
func (s *ReconcileService) ReconcileTransactions(ctx context.Context, transactionIDs []string) (int, error) {
	if len(transactionIDs) == 0 {
		return 0, nil
	}
	start := time.Now()

	txns, err := s.txns.ListByIDs(ctx, transactionIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load transactions: %w", err)
	}

	configs := make(map[string]matching.Config)
	stored := 0
	for _, txn := range txns {
		if txn.Status != domain.TransactionStatusPending && txn.Status != domain.TransactionStatusPosted {
			continue
		}
		confirmed, err := s.matches.HasConfirmed(ctx, txn.ID)
		if err != nil {
			return stored, err
		}
		if confirmed {
			continue
		}

		cfg, ok := configs[txn.OrganizationID]
		if !ok {
			cfg, err = s.configs.Effective(ctx, txn.OrganizationID)
			if err != nil {
				return stored, err
			}
			configs[txn.OrganizationID] = cfg
		}

		n, err := s.reconcileOne(ctx, cfg, txn)
		if err != nil {
			return stored, fmt.Errorf("reconcile transaction %s: %w", txn.ID, err)
		}
		stored += n
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(txns),
		"candidates":      stored,
	}).Since(start).Info(ctx, "Reconciliation pass completed")
	return stored, nil
}

// ReconcileOrganization re-runs matching over up to limit of orgID's
// reconcilable transactions, newest first. It picks up receipts uploaded
// after the transactions were synced.
// Returns:
//   - int: transactions considered.
//   - int: candidates stored.
//   - error: non-nil if loading or storing fails.
func (s *ReconcileService) ReconcileOrganization(ctx context.Context, orgID string, limit int) (int, int, error) {
	txns, err := s.txns.ListUnmatched(ctx, orgID, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list unmatched transactions: %w", err)
	}
	ids := make([]string, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	stored, err := s.ReconcileTransactions(ctx, ids)
	return len(ids), stored, err
}

func (s *ReconcileService) reconcileOne(ctx context.Context, cfg matching.Config, txn domain.Transaction) (int, error) {
	from, to := cfg.CandidateWindow(txn.EffectiveDate(), s.multiplier)
	spread := txn.Amount.Abs().Mul(decimal.NewFromFloat(cfg.AmountTolerance * float64(s.multiplier)))

	receipts, err := s.receipts.FindCandidates(ctx, repository.CandidateWindow{
		OrganizationID: txn.OrganizationID,
		From:           from,
		To:             to,
		MinAmount:      txn.Amount.Sub(spread),
		MaxAmount:      txn.Amount.Add(spread),
	})
	if err != nil {
		return 0, err
	}

	candidates := matching.FindCandidates(cfg, txn, receipts)
	if len(candidates) == 0 {
		return 0, nil
	}

	now := s.now()
	rows := make([]domain.TransactionMatch, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, matchFromCandidate(txn.OrganizationID, c, now))
	}
	if err := s.matches.UpsertPending(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func matchFromCandidate(orgID string, c matching.Candidate, now time.Time) domain.TransactionMatch {
	return domain.TransactionMatch{
		ID:                 uuid.New().String(),
		OrganizationID:     orgID,
		TransactionID:      c.TransactionID,
		ReceiptID:          c.ReceiptID,
		ConfidenceScore:    c.Score,
		MatchType:          c.MatchType,
		Status:             domain.MatchStatusPending,
		MerchantKey:        c.Merchant.Key,
		AmountMatched:      c.Amount.Matched,
		AmountDifference:   c.Amount.Difference,
		AmountDeviationPct: c.Amount.DeviationPct,
		DateMatched:        c.Date.Matched,
		DaysDifference:     c.Date.DaysDifference,
		MerchantMatched:    c.Merchant.Matched,
		MerchantSimilarity: c.Merchant.Similarity,
		UserMatched:        c.User.Matched,
		LocationMatched:    c.Location.Matched,
		DistanceKm:         c.Location.DistanceKm,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
