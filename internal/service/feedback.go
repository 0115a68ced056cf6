package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/matching"
	"github.com/timmy/ledgerlink/internal/repository"
)

// FeedbackRecorder folds reviewed matches into the learning state.
type FeedbackRecorder interface {
	RecordFeedback(fb domain.LearningFeedback)
}

// FeedbackRequest is a reviewer's verdict on a match.
type FeedbackRequest struct {
	MatchID    string `json:"match_id"`
	WasCorrect bool   `json:"was_correct"`
	UserID     string `json:"user_id"`
	// CorrectedReceiptID names the right receipt when the match was wrong.
	CorrectedReceiptID string `json:"user_correction,omitempty"`
}

// FeedbackResult is what a review changed.
type FeedbackResult struct {
	Match      *domain.TransactionMatch `json:"match"`
	Correction *domain.TransactionMatch `json:"correction,omitempty"`
	Feedback   *domain.LearningFeedback `json:"feedback"`
	Superseded int64                    `json:"superseded"`
}

// FeedbackService applies match reviews.
type FeedbackService struct {
	db       *gorm.DB
	matches  *repository.MatchRepository
	txns     *repository.TransactionRepository
	receipts *repository.ReceiptRepository
	learning *repository.LearningRepository
	configs  ConfigSource
	recorder FeedbackRecorder
	now      func() time.Time
}

// NewFeedbackService creates a new FeedbackService.
func NewFeedbackService(
	db *gorm.DB,
	matches *repository.MatchRepository,
	txns *repository.TransactionRepository,
	receipts *repository.ReceiptRepository,
	learningRepo *repository.LearningRepository,
	configs ConfigSource,
	recorder FeedbackRecorder,
) *FeedbackService {
	return &FeedbackService{
		db:       db,
		matches:  matches,
		txns:     txns,
		receipts: receipts,
		learning: learningRepo,
		configs:  configs,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a verdict on a pending match.
//
// In one database transaction the match is confirmed or rejected, a
// confirmation supersedes the other pending matches of its transaction and
// receipt and marks both matched, a correction confirms the named receipt
// as a manual match, and the feedback row is appended. The learning engine
// sees the feedback only after the transaction commits.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: verdict and optional correction.
// Returns:
//   - *FeedbackResult: rows written.
//   - error: domain.ErrMatchNotFound, domain.ErrMatchAlreadyFinal,
//     domain.ErrInvalidCorrection or domain.ErrUnknownOrgReceipt, or a store error.
func (s *FeedbackService) Submit(ctx context.Context, req FeedbackRequest) (*FeedbackResult, error) {
	if req.WasCorrect && req.CorrectedReceiptID != "" {
		return nil, fmt.Errorf("%w: a confirmed match cannot carry a correction", domain.ErrInvalidCorrection)
	}

	now := s.now()
	result := &FeedbackResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		matches := s.matches.WithTx(tx)

		match, err := matches.GetByID(ctx, req.MatchID)
		if err != nil {
			return err
		}
		if match.Status != domain.MatchStatusPending {
			return domain.ErrMatchAlreadyFinal
		}

		status := domain.MatchStatusRejected
		if req.WasCorrect {
			status = domain.MatchStatusConfirmed
		}
		if err := matches.Review(ctx, match.ID, status, req.UserID, now); err != nil {
			return err
		}
		match.Status = status
		match.ReviewedBy = req.UserID
		match.ReviewedAt = &now
		result.Match = match

		if req.WasCorrect {
			n, err := s.settle(ctx, matches, match, now)
			if err != nil {
				return err
			}
			result.Superseded = n
		}

		if req.CorrectedReceiptID != "" {
			correction, n, err := s.correct(ctx, tx, match, req, now)
			if err != nil {
				return err
			}
			result.Correction = correction
			result.Superseded = n
		}

		fb := feedbackFromMatch(match, req, now)
		if err := s.learning.WithTx(tx).AppendFeedback(ctx, fb); err != nil {
			return fmt.Errorf("failed to append feedback: %w", err)
		}
		result.Feedback = fb
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.RecordFeedback(*result.Feedback)
	}

	logger.With(logger.Fields{
		logger.FieldOrgID: result.Match.OrganizationID,
		"match_id":        result.Match.ID,
		"was_correct":     req.WasCorrect,
		"corrected":       result.Correction != nil,
		"superseded":      result.Superseded,
	}).Info(ctx, "Match feedback recorded")
	return result, nil
}

// settle retires competing matches of a confirmed pair and marks both sides matched.
func (s *FeedbackService) settle(ctx context.Context, matches *repository.MatchRepository, m *domain.TransactionMatch, now time.Time) (int64, error) {
	n, err := matches.SupersedeSiblings(ctx, m.ID, m.TransactionID, m.ReceiptID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede sibling matches: %w", err)
	}
	if err := matches.MarkMatched(ctx, m.TransactionID, m.ReceiptID, now); err != nil {
		return 0, fmt.Errorf("failed to mark pair matched: %w", err)
	}
	return n, nil
}

// correct confirms the reviewer's receipt for the rejected match's transaction.
func (s *FeedbackService) correct(ctx context.Context, tx *gorm.DB, rejected *domain.TransactionMatch, req FeedbackRequest, now time.Time) (*domain.TransactionMatch, int64, error) {
	if req.CorrectedReceiptID == rejected.ReceiptID {
		return nil, 0, fmt.Errorf("%w: correction names the rejected receipt", domain.ErrInvalidCorrection)
	}

	rcpt, err := s.receipts.WithTx(tx).GetByID(ctx, req.CorrectedReceiptID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, fmt.Errorf("%w: receipt %s not found", domain.ErrInvalidCorrection, req.CorrectedReceiptID)
	}
	if err != nil {
		return nil, 0, err
	}
	if rcpt.OrganizationID != rejected.OrganizationID {
		return nil, 0, domain.ErrUnknownOrgReceipt
	}
	if !rcpt.Matchable() {
		return nil, 0, fmt.Errorf("%w: receipt %s is %s", domain.ErrInvalidCorrection, rcpt.ID, rcpt.Status)
	}

	matches := s.matches.WithTx(tx)
	existing, err := matches.GetPair(ctx, rejected.TransactionID, rcpt.ID)
	if err != nil {
		return nil, 0, err
	}

	var corrected *domain.TransactionMatch
	switch {
	case existing == nil:
		txn, err := s.txns.WithTx(tx).GetByID(ctx, rejected.TransactionID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load transaction: %w", err)
		}
		cfg, err := s.configs.Effective(ctx, rejected.OrganizationID)
		if err != nil {
			return nil, 0, err
		}
		// Scored so the manual pair carries the same criterion detail as engine output.
		m := matchFromCandidate(rejected.OrganizationID, matching.Score(cfg, *txn, *rcpt), now)
		m.MatchType = domain.MatchTypeManual
		m.Status = domain.MatchStatusConfirmed
		m.ReviewedBy = req.UserID
		m.ReviewedAt = &now
		if err := matches.Create(ctx, &m); err != nil {
			return nil, 0, fmt.Errorf("failed to create manual match: %w", err)
		}
		corrected = &m
	case existing.Status == domain.MatchStatusPending:
		if err := matches.Review(ctx, existing.ID, domain.MatchStatusConfirmed, req.UserID, now); err != nil {
			return nil, 0, err
		}
		existing.Status = domain.MatchStatusConfirmed
		existing.ReviewedBy = req.UserID
		existing.ReviewedAt = &now
		corrected = existing
	default:
		return nil, 0, fmt.Errorf("%w: pair already %s", domain.ErrInvalidCorrection, existing.Status)
	}

	n, err := s.settle(ctx, matches, corrected, now)
	if err != nil {
		return nil, 0, err
	}
	return corrected, n, nil
}

func feedbackFromMatch(m *domain.TransactionMatch, req FeedbackRequest, now time.Time) *domain.LearningFeedback {
	fb := &domain.LearningFeedback{
		ID:                 uuid.New().String(),
		OrganizationID:     m.OrganizationID,
		MatchID:            m.ID,
		UserID:             req.UserID,
		WasCorrect:         req.WasCorrect,
		MatchType:          m.MatchType,
		ConfidenceScore:    m.ConfidenceScore,
		MerchantKey:        m.MerchantKey,
		AmountMatched:      m.AmountMatched,
		AmountDeviationPct: m.AmountDeviationPct,
		DateMatched:        m.DateMatched,
		DaysDifference:     m.DaysDifference,
		MerchantMatched:    m.MerchantMatched,
		UserMatched:        m.UserMatched,
		LocationMatched:    m.LocationMatched,
		DistanceKm:         m.DistanceKm,
		CreatedAt:          now,
	}
	if req.CorrectedReceiptID != "" {
		id := req.CorrectedReceiptID
		fb.CorrectedReceiptID = &id
	}
	return fb
}
