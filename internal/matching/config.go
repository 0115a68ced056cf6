package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/timmy/ledgerlink/internal/domain"
)

// Weights are the relative importance of each criterion in the confidence
// score. They are normalized by their sum, so they need not add up to 1.
type Weights struct {
	Amount   float64 `json:"amount"`
	Merchant float64 `json:"merchant"`
	Date     float64 `json:"date"`
	User     float64 `json:"user"`
	Location float64 `json:"location"`
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Amount + w.Merchant + w.Date + w.User + w.Location
}

// Config holds the tunable parameters of the matching engine for one
// organization.
type Config struct {
	AmountTolerance    float64 `json:"amount_tolerance_percentage"`
	DateWindowDays     int     `json:"date_window_days"`
	AutoMatchThreshold float64 `json:"auto_match_threshold"`
	SuggestThreshold   float64 `json:"suggest_threshold"`
	LocationRadiusKm   float64 `json:"location_radius_km"`
	Weights            Weights `json:"confidence_weights"`
}

// DefaultConfig returns the configuration used for organizations that have
// never applied a learned suggestion.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:    0.05,
		DateWindowDays:     3,
		AutoMatchThreshold: 0.85,
		SuggestThreshold:   0.5,
		LocationRadiusKm:   1.0,
		Weights: Weights{
			Amount:   0.35,
			Merchant: 0.25,
			Date:     0.20,
			User:     0.10,
			Location: 0.10,
		},
	}
}

// Validate reports a malformed configuration. A config that fails
// validation must never reach FindCandidates.
func (c Config) Validate() error {
	if c.AmountTolerance < 0 {
		return fmt.Errorf("amount tolerance must not be negative, got %v", c.AmountTolerance)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("date window must not be negative, got %d", c.DateWindowDays)
	}
	if c.LocationRadiusKm < 0 {
		return fmt.Errorf("location radius must not be negative, got %v", c.LocationRadiusKm)
	}
	if c.SuggestThreshold < 0 || c.SuggestThreshold >= c.AutoMatchThreshold || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("thresholds must satisfy 0 <= suggest < auto <= 1, got suggest=%v auto=%v",
			c.SuggestThreshold, c.AutoMatchThreshold)
	}
	w := c.Weights
	if w.Amount < 0 || w.Merchant < 0 || w.Date < 0 || w.User < 0 || w.Location < 0 {
		return errors.New("confidence weights must not be negative")
	}
	if w.Sum() <= 0 {
		return errors.New("confidence weights must not all be zero")
	}
	return nil
}

// Suggestion is a partial configuration proposed by the learning engine.
// Nil fields are left unchanged when applied.
type Suggestion struct {
	AmountTolerance    *float64 `json:"amount_tolerance_percentage,omitempty"`
	DateWindowDays     *int     `json:"date_window_days,omitempty"`
	AutoMatchThreshold *float64 `json:"auto_match_threshold,omitempty"`
	Weights            *Weights `json:"confidence_weights,omitempty"`
	Reasons            []string `json:"reasons,omitempty"`
}

// Empty reports whether the suggestion proposes no change at all.
func (s Suggestion) Empty() bool {
	return s.AmountTolerance == nil && s.DateWindowDays == nil &&
		s.AutoMatchThreshold == nil && s.Weights == nil
}

// Apply returns a copy of c with every non-nil field of s merged in.
func (c Config) Apply(s Suggestion) Config {
	out := c
	if s.AmountTolerance != nil {
		out.AmountTolerance = *s.AmountTolerance
	}
	if s.DateWindowDays != nil {
		out.DateWindowDays = *s.DateWindowDays
	}
	if s.AutoMatchThreshold != nil {
		out.AutoMatchThreshold = *s.AutoMatchThreshold
	}
	if s.Weights != nil {
		out.Weights = *s.Weights
	}
	return out
}

// FromRecord converts a persisted per-organization record into a Config.
func FromRecord(rec *domain.MatchingConfigRecord) Config {
	return Config{
		AmountTolerance:    rec.AmountTolerancePercentage,
		DateWindowDays:     rec.DateWindowDays,
		AutoMatchThreshold: rec.AutoMatchThreshold,
		SuggestThreshold:   rec.SuggestThreshold,
		LocationRadiusKm:   rec.LocationRadiusKm,
		Weights: Weights{
			Amount:   rec.WeightAmount,
			Merchant: rec.WeightMerchant,
			Date:     rec.WeightDate,
			User:     rec.WeightUser,
			Location: rec.WeightLocation,
		},
	}
}

// Record converts c into its persisted form for orgID. Version and audit
// fields are left for the caller to fill.
func (c Config) Record(orgID string) *domain.MatchingConfigRecord {
	return &domain.MatchingConfigRecord{
		OrganizationID:            orgID,
		AmountTolerancePercentage: c.AmountTolerance,
		DateWindowDays:            c.DateWindowDays,
		AutoMatchThreshold:        c.AutoMatchThreshold,
		SuggestThreshold:          c.SuggestThreshold,
		LocationRadiusKm:          c.LocationRadiusKm,
		WeightAmount:              c.Weights.Amount,
		WeightMerchant:            c.Weights.Merchant,
		WeightDate:                c.Weights.Date,
		WeightUser:                c.Weights.User,
		WeightLocation:            c.Weights.Location,
	}
}

// CandidateWindow returns the outer date range a caller should use when
// pre-filtering receipts for a transaction dated at.
func (c Config) CandidateWindow(at time.Time, multiplier int) (from, to time.Time) {
	if multiplier < 1 {
		multiplier = 1
	}
	span := time.Duration(c.DateWindowDays*multiplier+1) * 24 * time.Hour
	return at.Add(-span), at.Add(span)
}
