package learning

import (
	"fmt"
	"math"
	"sort"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/matching"
)

const (
	toleranceHeadroom = 1.1
	minTolerance      = 0.01
	maxTolerance      = 0.2
	minDateWindow     = 1
	maxDateWindow     = 14

	autoAccuracyFloor   = 0.9
	autoAccuracyCeiling = 0.98
	autoThresholdRaise  = 0.05
	autoThresholdLower  = 0.02
	maxAutoThreshold    = 0.99

	// Scores and weights live on [0,1], so they are gated on an absolute
	// step instead of the relative change ratio.
	minScoreChange = 0.01
	// learnedWeightShare is how much the learned weights pull on the current ones.
	learnedWeightShare = 0.3
	minLearnedWeight   = 0.05
)

// SuggestConfig proposes changes to current based on orgID's feedback. It
// returns an empty suggestion until MinSamples feedback events exist, and
// only includes values that moved by more than the minimum change.
func (e *Engine) SuggestConfig(orgID string, current matching.Config) matching.Suggestion {
	history := e.history(orgID)
	var s matching.Suggestion
	if len(history) < e.opts.MinSamples {
		return s
	}

	var correct, incorrect, auto []domain.LearningFeedback
	for _, fb := range history {
		if fb.WasCorrect {
			correct = append(correct, fb)
		} else {
			incorrect = append(incorrect, fb)
		}
		if fb.MatchType == domain.MatchTypeAuto {
			auto = append(auto, fb)
		}
	}

	if len(correct) > 0 {
		devs := make([]float64, len(correct))
		days := make([]float64, len(correct))
		for i, fb := range correct {
			devs[i] = fb.AmountDeviationPct
			days[i] = float64(fb.DaysDifference)
		}

		tol := round(clamp(percentile(devs, 0.95)*toleranceHeadroom, minTolerance, maxTolerance), 4)
		if e.changedEnough(current.AmountTolerance, tol) {
			s.AmountTolerance = &tol
			s.Reasons = append(s.Reasons, fmt.Sprintf(
				"95%% of confirmed matches deviate by at most %.2f%% in amount", percentile(devs, 0.95)*100))
		}

		window := int(clamp(math.Ceil(percentile(days, 0.95)), minDateWindow, maxDateWindow))
		if e.changedEnough(float64(current.DateWindowDays), float64(window)) {
			s.DateWindowDays = &window
			s.Reasons = append(s.Reasons, fmt.Sprintf(
				"95%% of confirmed matches fall within %d days", window))
		}
	}

	if len(auto) > 0 {
		accuracy := float64(countCorrect(auto)) / float64(len(auto))
		next := current.AutoMatchThreshold
		switch {
		case accuracy < autoAccuracyFloor:
			next = math.Min(current.AutoMatchThreshold+autoThresholdRaise, maxAutoThreshold)
		case accuracy > autoAccuracyCeiling:
			next = math.Max(current.AutoMatchThreshold-autoThresholdLower, current.SuggestThreshold+autoThresholdRaise)
		}
		next = round(next, 4)
		if math.Abs(next-current.AutoMatchThreshold) >= minScoreChange {
			s.AutoMatchThreshold = &next
			s.Reasons = append(s.Reasons, fmt.Sprintf(
				"auto-match accuracy is %.1f%% over %d reviews", accuracy*100, len(auto)))
		}
	}

	if len(correct) > 0 && len(incorrect) > 0 {
		blended := blendWeights(current.Weights, discriminativeWeights(correct, incorrect))
		if weightsMoved(current.Weights, blended) {
			s.Weights = &blended
			s.Reasons = append(s.Reasons, "criterion weights rebalanced toward criteria that separate confirmed from rejected matches")
		}
	}
	return s
}

func (e *Engine) changedEnough(current, learned float64) bool {
	if current == 0 {
		return learned != 0
	}
	return math.Abs(learned-current)/math.Abs(current) > e.opts.MinChangeRatio
}

// discriminativeWeights scores each criterion by how much more often it
// matched on confirmed pairs than on rejected ones, normalized to sum to 1.
func discriminativeWeights(correct, incorrect []domain.LearningFeedback) matching.Weights {
	rate := func(set []domain.LearningFeedback, pick func(domain.LearningFeedback) bool) float64 {
		n := 0
		for _, fb := range set {
			if pick(fb) {
				n++
			}
		}
		return float64(n) / float64(len(set))
	}
	power := func(pick func(domain.LearningFeedback) bool) float64 {
		return math.Max(rate(correct, pick)-rate(incorrect, pick), minLearnedWeight)
	}

	w := matching.Weights{
		Amount:   power(func(fb domain.LearningFeedback) bool { return fb.AmountMatched }),
		Merchant: power(func(fb domain.LearningFeedback) bool { return fb.MerchantMatched }),
		Date:     power(func(fb domain.LearningFeedback) bool { return fb.DateMatched }),
		User:     power(func(fb domain.LearningFeedback) bool { return fb.UserMatched }),
		Location: power(func(fb domain.LearningFeedback) bool { return fb.LocationMatched }),
	}
	return normalize(w)
}

func blendWeights(current, learned matching.Weights) matching.Weights {
	c := normalize(current)
	mix := func(a, b float64) float64 {
		return round((1-learnedWeightShare)*a+learnedWeightShare*b, 4)
	}
	return matching.Weights{
		Amount:   mix(c.Amount, learned.Amount),
		Merchant: mix(c.Merchant, learned.Merchant),
		Date:     mix(c.Date, learned.Date),
		User:     mix(c.User, learned.User),
		Location: mix(c.Location, learned.Location),
	}
}

func normalize(w matching.Weights) matching.Weights {
	sum := w.Sum()
	if sum <= 0 {
		return w
	}
	return matching.Weights{
		Amount:   w.Amount / sum,
		Merchant: w.Merchant / sum,
		Date:     w.Date / sum,
		User:     w.User / sum,
		Location: w.Location / sum,
	}
}

func weightsMoved(current, next matching.Weights) bool {
	c := normalize(current)
	deltas := []float64{
		next.Amount - c.Amount,
		next.Merchant - c.Merchant,
		next.Date - c.Date,
		next.User - c.User,
		next.Location - c.Location,
	}
	for _, d := range deltas {
		if math.Abs(d) >= minScoreChange {
			return true
		}
	}
	return false
}

// percentile uses the nearest-rank method on a copy of values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func countCorrect(set []domain.LearningFeedback) int {
	n := 0
	for _, fb := range set {
		if fb.WasCorrect {
			n++
		}
	}
	return n
}
