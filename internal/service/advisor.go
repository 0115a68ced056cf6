package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/learning"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/matching"
	"github.com/timmy/ledgerlink/internal/repository"
)

// ConfigAdvisor resolves the effective matching config of an organization
// and applies learned suggestions to it on explicit request.
type ConfigAdvisor struct {
	store    *repository.LearningRepository
	matches  *repository.MatchRepository
	engine   *learning.Engine
	defaults matching.Config
	now      func() time.Time
}

// NewConfigAdvisor creates a new ConfigAdvisor. Organizations without a
// stored config use defaults.
func NewConfigAdvisor(
	store *repository.LearningRepository,
	matches *repository.MatchRepository,
	engine *learning.Engine,
	defaults matching.Config,
) *ConfigAdvisor {
	return &ConfigAdvisor{
		store:    store,
		matches:  matches,
		engine:   engine,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Advice is a learned suggestion next to the config it would change.
type Advice struct {
	OrganizationID string              `json:"organization_id"`
	Version        int                 `json:"version"`
	Current        matching.Config     `json:"current"`
	Suggestion     matching.Suggestion `json:"suggestion"`
	Proposed       matching.Config     `json:"proposed"`
	FeedbackCount  int                 `json:"feedback_count"`
}

// ApplyResult reports the outcome of Apply.
type ApplyResult struct {
	Applied    bool                `json:"applied"`
	Version    int                 `json:"version"`
	Config     matching.Config     `json:"config"`
	Suggestion matching.Suggestion `json:"suggestion"`
}

// Effective returns the matching config currently in force for orgID.
func (a *ConfigAdvisor) Effective(ctx context.Context, orgID string) (matching.Config, error) {
	cfg, _, err := a.effective(ctx, orgID)
	return cfg, err
}

func (a *ConfigAdvisor) effective(ctx context.Context, orgID string) (matching.Config, int, error) {
	rec, err := a.store.GetConfig(ctx, orgID)
	if err != nil {
		return matching.Config{}, 0, fmt.Errorf("failed to load matching config: %w", err)
	}
	if rec == nil {
		return a.defaults, 0, nil
	}
	return matching.FromRecord(rec), rec.Version, nil
}

// Suggest computes, without applying, what the learning engine would change.
func (a *ConfigAdvisor) Suggest(ctx context.Context, orgID string) (*Advice, error) {
	current, version, err := a.effective(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s := a.engine.SuggestConfig(orgID, current)
	return &Advice{
		OrganizationID: orgID,
		Version:        version,
		Current:        current,
		Suggestion:     s,
		Proposed:       current.Apply(s),
		FeedbackCount:  a.engine.FeedbackCount(orgID),
	}, nil
}

// Apply persists the current suggestion as the organization's config.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - orgID: organization to update.
//   - appliedBy: operator or automation recorded on the new version.
// Returns:
//   - *ApplyResult: Applied is false when there was nothing to change.
//   - error: non-nil if the proposed config is invalid or cannot be stored.
func (a *ConfigAdvisor) Apply(ctx context.Context, orgID, appliedBy string) (*ApplyResult, error) {
	advice, err := a.Suggest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if advice.Suggestion.Empty() {
		return &ApplyResult{Version: advice.Version, Config: advice.Current}, nil
	}
	if err := advice.Proposed.Validate(); err != nil {
		return nil, fmt.Errorf("suggested config rejected: %w", err)
	}

	rec := advice.Proposed.Record(orgID)
	if err := a.store.SaveConfig(ctx, rec, appliedBy, a.now()); err != nil {
		return nil, fmt.Errorf("failed to save matching config: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldOrgID: orgID,
		"version":         rec.Version,
		"applied_by":      appliedBy,
	}).Info(ctx, "Applied learned matching config: %v", advice.Suggestion.Reasons)

	return &ApplyResult{
		Applied:    true,
		Version:    rec.Version,
		Config:     advice.Proposed,
		Suggestion: advice.Suggestion,
	}, nil
}

// Metrics summarizes the organization's matches created since the given time.
func (a *ConfigAdvisor) Metrics(ctx context.Context, orgID string, since time.Time) (learning.Metrics, error) {
	matches, err := a.matches.ListSince(ctx, orgID, since)
	if err != nil {
		return learning.Metrics{}, fmt.Errorf("failed to load matches: %w", err)
	}
	return a.engine.AnalyzePerformance(orgID, matches), nil
}

// Rules returns the organization's unexpired merchant rules. With refresh
// set they are regenerated from the current patterns first.
func (a *ConfigAdvisor) Rules(orgID string, refresh bool) []domain.MatchingRule {
	if refresh {
		return a.engine.GenerateRules(orgID)
	}
	return a.engine.ActiveRules(orgID)
}

// Patterns returns the persisted pattern snapshots for an organization.
func (a *ConfigAdvisor) Patterns(ctx context.Context, orgID string) ([]domain.LearningPattern, error) {
	patterns, err := a.store.ListPatterns(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return patterns, nil
}
