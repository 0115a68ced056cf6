package learning

import "github.com/timmy/ledgerlink/internal/domain"

// Metrics summarizes matching quality for a dashboard.
type Metrics struct {
	OrganizationID    string  `json:"organization_id"`
	TotalMatches      int     `json:"total_matches"`
	AutoMatched       int     `json:"auto_matched"`
	SuggestedMatched  int     `json:"suggested_matched"`
	ManualMatched     int     `json:"manual_matched"`
	Confirmed         int     `json:"confirmed"`
	Rejected          int     `json:"rejected"`
	PendingReview     int     `json:"pending_review"`
	AccuracyRate      float64 `json:"accuracy_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	FeedbackCount     int     `json:"feedback_count"`
}

// AnalyzePerformance aggregates recent matches. Accuracy is the share of
// reviewed matches that were confirmed; superseded matches count toward the
// totals but not toward accuracy.
func (e *Engine) AnalyzePerformance(orgID string, recent []domain.TransactionMatch) Metrics {
	m := Metrics{
		OrganizationID: orgID,
		FeedbackCount:  e.FeedbackCount(orgID),
	}

	var confidence float64
	for _, match := range recent {
		if match.OrganizationID != orgID {
			continue
		}
		m.TotalMatches++
		confidence += match.ConfidenceScore

		switch match.MatchType {
		case domain.MatchTypeAuto:
			m.AutoMatched++
		case domain.MatchTypeSuggested:
			m.SuggestedMatched++
		case domain.MatchTypeManual:
			m.ManualMatched++
		}

		switch match.Status {
		case domain.MatchStatusConfirmed:
			m.Confirmed++
		case domain.MatchStatusRejected:
			m.Rejected++
		case domain.MatchStatusPending:
			m.PendingReview++
		}
	}

	if m.TotalMatches > 0 {
		m.AverageConfidence = round(confidence/float64(m.TotalMatches), 4)
	}
	if reviewed := m.Confirmed + m.Rejected; reviewed > 0 {
		m.AccuracyRate = round(float64(m.Confirmed)/float64(reviewed), 4)
	}
	return m
}
