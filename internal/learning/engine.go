// Package learning folds human match feedback into per-organization
// patterns and turns them into advisory matching config changes and
// merchant rules.
package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
)

// globalPatternKey keys the organization-wide amount, date and location patterns.
const globalPatternKey = "*"

// Store persists the learning state. Feedback rows themselves are written
// by the caller that owns the review transaction.
type Store interface {
	ListRecentFeedback(ctx context.Context, perOrg int) ([]domain.LearningFeedback, error)
	SavePatterns(ctx context.Context, patterns []domain.LearningPattern) error
}

// Options tunes when the engine is allowed to suggest changes.
type Options struct {
	MinSamples          int
	MinChangeRatio      float64
	RuleMinSamples      int
	RuleSuccessRate     float64
	RuleAutoApproveRate float64
	RuleTTL             time.Duration
	// MaxHistory bounds the per-organization feedback kept in memory and
	// replayed by Restore.
	MaxHistory int
	Now        func() time.Time
}

// DefaultOptions returns the thresholds used when none are configured.
func DefaultOptions() Options {
	return Options{
		MinSamples:          10,
		MinChangeRatio:      0.1,
		RuleMinSamples:      5,
		RuleSuccessRate:     0.8,
		RuleAutoApproveRate: 0.95,
		RuleTTL:             7 * 24 * time.Hour,
		MaxHistory:          5000,
		Now:                 func() time.Time { return time.Now().UTC() },
	}
}

type patternID struct {
	kind domain.PatternType
	key  string
}

type orgState struct {
	history  []domain.LearningFeedback
	patterns map[patternID]*domain.LearningPattern
	// running sums behind LearnedValue, which is a mean over correct samples
	sums  map[patternID]float64
	dirty map[patternID]struct{}
	rules []domain.MatchingRule
}

// Engine is the learning engine. It holds organization-scoped state behind
// a single mutex and is safe for concurrent use.
type Engine struct {
	opts  Options
	store Store

	mu   sync.RWMutex
	orgs map[string]*orgState
}

// NewEngine creates an engine. store may be nil, in which case Restore and
// Flush are no-ops.
func NewEngine(opts Options, store Store) *Engine {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.RuleMinSamples <= 0 {
		opts.RuleMinSamples = def.RuleMinSamples
	}
	if opts.RuleTTL <= 0 {
		opts.RuleTTL = def.RuleTTL
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = def.MaxHistory
	}
	return &Engine{
		opts:  opts,
		store: store,
		orgs:  make(map[string]*orgState),
	}
}

func (e *Engine) org(orgID string) *orgState {
	st, ok := e.orgs[orgID]
	if !ok {
		st = &orgState{
			patterns: make(map[patternID]*domain.LearningPattern),
			sums:     make(map[patternID]float64),
			dirty:    make(map[patternID]struct{}),
		}
		e.orgs[orgID] = st
	}
	return st
}

// RecordFeedback appends fb to its organization's history and folds it into
// the pattern aggregates.
func (e *Engine) RecordFeedback(fb domain.LearningFeedback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fold(fb)
}

func (e *Engine) fold(fb domain.LearningFeedback) {
	st := e.org(fb.OrganizationID)
	st.history = append(st.history, fb)
	if len(st.history) > e.opts.MaxHistory {
		st.history = st.history[len(st.history)-e.opts.MaxHistory:]
	}

	if fb.MerchantKey != "" {
		e.bump(st, fb, patternID{domain.PatternMerchant, fb.MerchantKey}, fb.ConfidenceScore)
	}
	e.bump(st, fb, patternID{domain.PatternAmountTolerance, globalPatternKey}, fb.AmountDeviationPct)
	e.bump(st, fb, patternID{domain.PatternDateWindow, globalPatternKey}, float64(fb.DaysDifference))
	if fb.DistanceKm != nil {
		e.bump(st, fb, patternID{domain.PatternLocationRadius, globalPatternKey}, *fb.DistanceKm)
	}
}

func (e *Engine) bump(st *orgState, fb domain.LearningFeedback, id patternID, value float64) {
	p, ok := st.patterns[id]
	if !ok {
		p = &domain.LearningPattern{
			ID:             uuid.NewString(),
			OrganizationID: fb.OrganizationID,
			PatternType:    id.kind,
			PatternKey:     id.key,
		}
		st.patterns[id] = p
	}
	p.SampleCount++
	if fb.WasCorrect {
		p.SuccessCount++
		st.sums[id] += value
		p.LearnedValue = st.sums[id] / float64(p.SuccessCount)
	}
	p.SuccessRate = float64(p.SuccessCount) / float64(p.SampleCount)
	p.UpdatedAt = e.opts.Now()
	st.dirty[id] = struct{}{}
}

// FeedbackCount returns how many feedback events are held for orgID.
func (e *Engine) FeedbackCount(orgID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.orgs[orgID]; ok {
		return len(st.history)
	}
	return 0
}

// Patterns returns a copy of orgID's patterns, sorted by type and key.
func (e *Engine) Patterns(orgID string) []domain.LearningPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.orgs[orgID]
	if !ok {
		return nil
	}
	out := make([]domain.LearningPattern, 0, len(st.patterns))
	for _, p := range st.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatternType != out[j].PatternType {
			return out[i].PatternType < out[j].PatternType
		}
		return out[i].PatternKey < out[j].PatternKey
	})
	return out
}

// GenerateRules promotes merchant patterns with a high, well-sampled success
// rate into matching rules. The result replaces any previously generated
// rules for the organization.
func (e *Engine) GenerateRules(orgID string) []domain.MatchingRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.orgs[orgID]
	if !ok {
		return []domain.MatchingRule{}
	}

	now := e.opts.Now()
	rules := make([]domain.MatchingRule, 0)
	for id, p := range st.patterns {
		if id.kind != domain.PatternMerchant {
			continue
		}
		if p.SampleCount < e.opts.RuleMinSamples || p.SuccessRate <= e.opts.RuleSuccessRate {
			continue
		}
		rules = append(rules, domain.MatchingRule{
			OrganizationID:  orgID,
			MerchantPattern: id.key,
			Confidence:      round(p.SuccessRate, 4),
			SampleSize:      p.SampleCount,
			AutoApprove:     p.SuccessRate > e.opts.RuleAutoApproveRate,
			CreatedAt:       now,
			ExpiresAt:       now.Add(e.opts.RuleTTL),
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].MerchantPattern < rules[j].MerchantPattern })
	st.rules = rules
	return rules
}

// ActiveRules returns previously generated rules that have not expired.
func (e *Engine) ActiveRules(orgID string) []domain.MatchingRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := []domain.MatchingRule{}
	st, ok := e.orgs[orgID]
	if !ok {
		return out
	}
	now := e.opts.Now()
	for _, r := range st.rules {
		if now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	return out
}

// Restore rebuilds in-memory state by replaying the newest MaxHistory
// feedback events of each organization, so patterns after a restart cover
// the same window the engine keeps in memory. It replaces whatever the
// engine currently holds.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	history, err := e.store.ListRecentFeedback(ctx, e.opts.MaxHistory)
	if err != nil {
		return fmt.Errorf("failed to load feedback: %w", err)
	}

	e.mu.Lock()
	e.orgs = make(map[string]*orgState)
	for _, fb := range history {
		e.fold(fb)
	}
	orgs := len(e.orgs)
	e.mu.Unlock()

	logger.With(logger.Fields{logger.FieldCount: len(history), "organizations": orgs}).
		Info(ctx, "Learning state restored")
	return nil
}

// Flush persists every pattern that changed since the last flush.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	var batch []domain.LearningPattern
	taken := make(map[string][]patternID)
	for orgID, st := range e.orgs {
		for id := range st.dirty {
			batch = append(batch, *st.patterns[id])
			taken[orgID] = append(taken[orgID], id)
		}
		st.dirty = make(map[patternID]struct{})
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := e.store.SavePatterns(ctx, batch); err != nil {
		e.mu.Lock()
		for orgID, ids := range taken {
			st := e.org(orgID)
			for _, id := range ids {
				st.dirty[id] = struct{}{}
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("failed to save patterns: %w", err)
	}

	logger.With(logger.Fields{logger.FieldCount: len(batch)}).
		Info(ctx, "Learning patterns flushed")
	return nil
}

// Run flushes periodically until ctx is cancelled, then flushes once more.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Flush(flushCtx); err != nil {
				logger.CtxError(ctx, "Final learning flush failed: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				logger.CtxWarn(ctx, "Learning flush failed: %v", err)
			}
		}
	}
}

// history returns a copy of orgID's feedback.
func (e *Engine) history(orgID string) []domain.LearningFeedback {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.orgs[orgID]
	if !ok {
		return nil
	}
	out := make([]domain.LearningFeedback, len(st.history))
	copy(out, st.history)
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
