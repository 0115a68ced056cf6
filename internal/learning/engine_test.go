package learning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/matching"
)

type fakeStore struct {
	feedback []domain.LearningFeedback
	saved    []domain.LearningPattern
	saveErr  error
	perOrg   int
}

// ListRecentFeedback keeps the newest perOrg events of each organization,
// assuming f.feedback is in arrival order.
func (f *fakeStore) ListRecentFeedback(ctx context.Context, perOrg int) ([]domain.LearningFeedback, error) {
	f.perOrg = perOrg
	seen := make(map[string]int)
	var out []domain.LearningFeedback
	for i := len(f.feedback) - 1; i >= 0; i-- {
		fb := f.feedback[i]
		if seen[fb.OrganizationID] == perOrg {
			continue
		}
		seen[fb.OrganizationID]++
		out = append([]domain.LearningFeedback{fb}, out...)
	}
	return out, nil
}

func (f *fakeStore) SavePatterns(ctx context.Context, patterns []domain.LearningPattern) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, patterns...)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestEngine(store Store) (*Engine, *clock) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.Now = c.Now
	return NewEngine(opts, store), c
}

func feedback(org, merchant string, correct bool) domain.LearningFeedback {
	return domain.LearningFeedback{
		OrganizationID:  org,
		MatchID:         fmt.Sprintf("m-%s-%v", merchant, correct),
		WasCorrect:      correct,
		MatchType:       domain.MatchTypeSuggested,
		ConfidenceScore: 0.7,
		MerchantKey:     merchant,
		AmountMatched:   true,
		DateMatched:     true,
		MerchantMatched: true,
	}
}

func TestSuggestConfig_RequiresMinimumSamples(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 9; i++ {
		fb := feedback("org-1", "starbucks", true)
		fb.AmountDeviationPct = 0.15
		fb.DaysDifference = 8
		e.RecordFeedback(fb)
	}

	if s := e.SuggestConfig("org-1", matching.DefaultConfig()); !s.Empty() {
		t.Fatalf("expected no suggestion below the sample minimum, got %+v", s)
	}
}

func TestSuggestConfig_WidensToleranceAndWindow(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 12; i++ {
		fb := feedback("org-1", "starbucks", true)
		fb.AmountDeviationPct = 0.08
		fb.DaysDifference = 5
		e.RecordFeedback(fb)
	}

	s := e.SuggestConfig("org-1", matching.DefaultConfig())
	if s.AmountTolerance == nil || *s.AmountTolerance != 0.088 {
		t.Errorf("expected tolerance 0.088, got %v", s.AmountTolerance)
	}
	if s.DateWindowDays == nil || *s.DateWindowDays != 5 {
		t.Errorf("expected date window 5, got %v", s.DateWindowDays)
	}
	if s.AutoMatchThreshold != nil {
		t.Errorf("expected no threshold change without auto feedback, got %v", *s.AutoMatchThreshold)
	}
	if s.Weights != nil {
		t.Errorf("expected no weight change without rejections, got %+v", *s.Weights)
	}
	if len(s.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", s.Reasons)
	}
}

func TestSuggestConfig_IgnoresSmallChanges(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 12; i++ {
		fb := feedback("org-1", "starbucks", true)
		fb.AmountDeviationPct = 0.0455
		fb.DaysDifference = 3
		e.RecordFeedback(fb)
	}

	if s := e.SuggestConfig("org-1", matching.DefaultConfig()); !s.Empty() {
		t.Errorf("expected no suggestion for a change under the minimum, got %+v", s)
	}
}

func TestSuggestConfig_AutoThreshold(t *testing.T) {
	tests := []struct {
		name    string
		correct int
		total   int
		want    *float64
	}{
		{"inaccurate auto matches raise the bar", 7, 10, ptr(0.9)},
		{"perfect auto matches lower the bar", 10, 10, ptr(0.83)},
		{"healthy accuracy leaves it alone", 19, 20, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(nil)
			for i := 0; i < tc.total; i++ {
				fb := feedback("org-1", "starbucks", i < tc.correct)
				fb.MatchType = domain.MatchTypeAuto
				fb.DaysDifference = 3
				fb.AmountDeviationPct = 0.0455
				e.RecordFeedback(fb)
			}

			got := e.SuggestConfig("org-1", matching.DefaultConfig()).AutoMatchThreshold
			switch {
			case tc.want == nil && got != nil:
				t.Errorf("expected no change, got %v", *got)
			case tc.want != nil && (got == nil || *got != *tc.want):
				t.Errorf("expected %v, got %v", *tc.want, got)
			}
		})
	}
}

func TestSuggestConfig_RebalancesWeights(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 8; i++ {
		e.RecordFeedback(feedback("org-1", "starbucks", true))
	}
	for i := 0; i < 4; i++ {
		fb := feedback("org-1", "starbucks", false)
		fb.AmountMatched = false
		e.RecordFeedback(fb)
	}

	current := matching.DefaultConfig()
	s := e.SuggestConfig("org-1", current)
	if s.Weights == nil {
		t.Fatal("expected a weight suggestion")
	}
	if s.Weights.Amount <= current.Weights.Amount {
		t.Errorf("expected amount weight to grow from %v, got %v", current.Weights.Amount, s.Weights.Amount)
	}
	if s.Weights.Merchant >= current.Weights.Merchant {
		t.Errorf("expected merchant weight to shrink from %v, got %v", current.Weights.Merchant, s.Weights.Merchant)
	}
	if sum := s.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("expected weights to sum to 1, got %v", sum)
	}
}

func TestSuggestConfig_OrganizationsAreIsolated(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 12; i++ {
		fb := feedback("org-1", "starbucks", true)
		fb.AmountDeviationPct = 0.12
		e.RecordFeedback(fb)
	}

	if s := e.SuggestConfig("org-2", matching.DefaultConfig()); !s.Empty() {
		t.Errorf("expected org-2 to have no suggestion, got %+v", s)
	}
	if got := e.FeedbackCount("org-2"); got != 0 {
		t.Errorf("expected no feedback for org-2, got %d", got)
	}
}

func TestGenerateRules(t *testing.T) {
	e, c := newTestEngine(nil)
	record := func(merchant string, correct, total int) {
		for i := 0; i < total; i++ {
			e.RecordFeedback(feedback("org-1", merchant, i < correct))
		}
	}
	record("starbucks", 10, 10) // auto-approve
	record("bluebottle", 9, 10) // rule, reviewed
	record("walmart", 4, 5)     // exactly 0.8, not promoted
	record("target", 4, 4)     // too few samples

	rules := e.GenerateRules("org-1")
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %+v", rules)
	}
	if rules[0].MerchantPattern != "bluebottle" || rules[0].AutoApprove {
		t.Errorf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].MerchantPattern != "starbucks" || !rules[1].AutoApprove {
		t.Errorf("unexpected second rule: %+v", rules[1])
	}
	if !rules[1].ExpiresAt.Equal(c.now.Add(DefaultOptions().RuleTTL)) {
		t.Errorf("unexpected expiry %v", rules[1].ExpiresAt)
	}

	if got := e.ActiveRules("org-1"); len(got) != 2 {
		t.Errorf("expected 2 active rules, got %d", len(got))
	}
	c.now = c.now.Add(DefaultOptions().RuleTTL)
	if got := e.ActiveRules("org-1"); len(got) != 0 {
		t.Errorf("expected rules to expire, got %d", len(got))
	}
}

func TestPatternsTrackSuccessRate(t *testing.T) {
	e, _ := newTestEngine(nil)
	e.RecordFeedback(feedback("org-1", "starbucks", true))
	e.RecordFeedback(feedback("org-1", "starbucks", false))

	for _, p := range e.Patterns("org-1") {
		if p.PatternType != domain.PatternMerchant {
			continue
		}
		if p.SampleCount != 2 || p.SuccessCount != 1 || p.SuccessRate != 0.5 {
			t.Errorf("unexpected merchant pattern: %+v", p)
		}
		return
	}
	t.Fatal("merchant pattern not found")
}

func TestRestoreAndFlush(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 3; i++ {
		store.feedback = append(store.feedback, feedback("org-1", "starbucks", true))
	}
	e, _ := newTestEngine(store)
	ctx := context.Background()

	if err := e.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := e.FeedbackCount("org-1"); got != 3 {
		t.Fatalf("expected 3 restored feedback events, got %d", got)
	}

	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// merchant, amount_tolerance and date_window
	if len(store.saved) != 3 {
		t.Errorf("expected 3 patterns saved, got %d", len(store.saved))
	}

	store.saved = nil
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("expected clean flush to save nothing, got %d", len(store.saved))
	}
}

func TestRestoreReplaysBoundedHistory(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 4; i++ {
		store.feedback = append(store.feedback, feedback("org-1", "starbucks", i >= 2))
	}
	store.feedback = append(store.feedback, feedback("org-2", "peets", true))

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.Now = c.Now
	opts.MaxHistory = 2
	e := NewEngine(opts, store)

	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if store.perOrg != 2 {
		t.Errorf("expected replay bounded to 2 per organization, got %d", store.perOrg)
	}
	if got := e.FeedbackCount("org-1"); got != 2 {
		t.Errorf("org-1 restored %d events, want 2", got)
	}
	if got := e.FeedbackCount("org-2"); got != 1 {
		t.Errorf("org-2 restored %d events, want 1", got)
	}
	for _, p := range e.Patterns("org-1") {
		if p.PatternType == domain.PatternMerchant && (p.SampleCount != 2 || p.SuccessRate != 1) {
			t.Errorf("expected only the two newest (correct) events folded, got %+v", p)
		}
	}
}

func TestFlushKeepsDirtyPatternsOnError(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("db down")}
	e, _ := newTestEngine(store)
	e.RecordFeedback(feedback("org-1", "starbucks", true))

	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	store.saveErr = nil
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(store.saved) != 3 {
		t.Errorf("expected dirty patterns to survive the failed flush, got %d saved", len(store.saved))
	}
}

func TestAnalyzePerformance(t *testing.T) {
	e, _ := newTestEngine(nil)
	e.RecordFeedback(feedback("org-1", "starbucks", true))

	matches := []domain.TransactionMatch{
		{OrganizationID: "org-1", MatchType: domain.MatchTypeAuto, Status: domain.MatchStatusConfirmed, ConfidenceScore: 0.9},
		{OrganizationID: "org-1", MatchType: domain.MatchTypeAuto, Status: domain.MatchStatusConfirmed, ConfidenceScore: 0.95},
		{OrganizationID: "org-1", MatchType: domain.MatchTypeSuggested, Status: domain.MatchStatusRejected, ConfidenceScore: 0.6},
		{OrganizationID: "org-1", MatchType: domain.MatchTypeManual, Status: domain.MatchStatusPending, ConfidenceScore: 0.55},
		{OrganizationID: "org-2", MatchType: domain.MatchTypeAuto, Status: domain.MatchStatusConfirmed, ConfidenceScore: 1},
	}

	m := e.AnalyzePerformance("org-1", matches)
	if m.TotalMatches != 4 || m.AutoMatched != 2 || m.SuggestedMatched != 1 || m.ManualMatched != 1 {
		t.Errorf("unexpected counts: %+v", m)
	}
	if m.AccuracyRate != 0.6667 {
		t.Errorf("expected accuracy 0.6667, got %v", m.AccuracyRate)
	}
	if m.AverageConfidence != 0.75 {
		t.Errorf("expected average confidence 0.75, got %v", m.AverageConfidence)
	}
	if m.PendingReview != 1 || m.FeedbackCount != 1 {
		t.Errorf("unexpected review counts: %+v", m)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	if got := percentile(values, 0.95); got != 10 {
		t.Errorf("p95 = %v, want 10", got)
	}
	if got := percentile(values, 0.5); got != 5 {
		t.Errorf("p50 = %v, want 5", got)
	}
	if values[0] != 5 {
		t.Error("percentile must not reorder its input")
	}
}

func ptr[T any](v T) *T { return &v }
