package domain

import "time"

// PatternType names the dimension a learning pattern aggregates over.
type PatternType string

const (
	PatternMerchant        PatternType = "merchant"
	PatternAmountTolerance PatternType = "amount_tolerance"
	PatternDateWindow      PatternType = "date_window"
	PatternLocationRadius  PatternType = "location_radius"
)

// LearningFeedback is a human verdict on a produced match. Append-only.
// The match evidence is copied in so feedback can be replayed without
// joining against matches that may since have been superseded.
type LearningFeedback struct {
	ID                 string    `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID     string    `gorm:"type:text;not null;index" json:"organization_id"`
	MatchID            string    `gorm:"type:text;not null;index" json:"match_id"`
	UserID             string    `gorm:"type:text" json:"user_id"`
	WasCorrect         bool      `gorm:"not null" json:"was_correct"`
	CorrectedReceiptID *string   `gorm:"type:text" json:"corrected_receipt_id,omitempty"`
	MatchType          MatchType `gorm:"type:text" json:"match_type"`
	ConfidenceScore    float64   `json:"confidence_score"`
	MerchantKey        string    `gorm:"type:text" json:"merchant_key,omitempty"`
	AmountMatched      bool      `json:"amount_matched"`
	AmountDeviationPct float64   `json:"amount_deviation_pct"`
	DateMatched        bool      `json:"date_matched"`
	DaysDifference     int       `json:"days_difference"`
	MerchantMatched    bool      `json:"merchant_matched"`
	UserMatched        bool      `json:"user_matched"`
	LocationMatched    bool      `json:"location_matched"`
	DistanceKm         *float64  `json:"distance_km,omitempty"`
	CreatedAt          time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the database table name for LearningFeedback.
func (LearningFeedback) TableName() string {
	return "learning_feedback"
}

// LearningPattern is an organization-scoped aggregate derived from feedback.
type LearningPattern struct {
	ID             string      `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID string      `gorm:"type:text;not null;uniqueIndex:idx_patterns_key" json:"organization_id"`
	PatternType    PatternType `gorm:"type:text;not null;uniqueIndex:idx_patterns_key" json:"pattern_type"`
	PatternKey     string      `gorm:"type:text;not null;uniqueIndex:idx_patterns_key" json:"pattern_key"`
	SampleCount    int         `json:"sample_count"`
	SuccessCount   int         `json:"success_count"`
	SuccessRate    float64     `json:"success_rate"`
	LearnedValue   float64     `json:"learned_value"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for LearningPattern.
func (LearningPattern) TableName() string {
	return "learning_patterns"
}

// MatchingRule is a short-lived hint promoted from a merchant pattern.
type MatchingRule struct {
	OrganizationID  string    `json:"organization_id"`
	MerchantPattern string    `json:"merchant_pattern"`
	Confidence      float64   `json:"confidence"`
	SampleSize      int       `json:"sample_size"`
	AutoApprove     bool      `json:"auto_approve"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// MatchingConfigRecord is the persisted, per-organization matching
// configuration. It changes only when a learned suggestion is applied.
type MatchingConfigRecord struct {
	OrganizationID            string     `gorm:"type:text;primaryKey" json:"organization_id"`
	AmountTolerancePercentage float64    `json:"amount_tolerance_percentage"`
	DateWindowDays            int        `json:"date_window_days"`
	AutoMatchThreshold        float64    `json:"auto_match_threshold"`
	SuggestThreshold          float64    `json:"suggest_threshold"`
	LocationRadiusKm          float64    `json:"location_radius_km"`
	WeightAmount              float64    `json:"weight_amount"`
	WeightMerchant            float64    `json:"weight_merchant"`
	WeightDate                float64    `json:"weight_date"`
	WeightUser                float64    `json:"weight_user"`
	WeightLocation            float64    `json:"weight_location"`
	Version                   int        `gorm:"not null;default:1" json:"version"`
	AppliedBy                 string     `gorm:"type:text" json:"applied_by,omitempty"`
	AppliedAt                 *time.Time `json:"applied_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// TableName returns the database table name for MatchingConfigRecord.
func (MatchingConfigRecord) TableName() string {
	return "matching_configs"
}
