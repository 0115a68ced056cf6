package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchType is the three-tier review classification of a match.
type MatchType string

const (
	MatchTypeAuto      MatchType = "auto"
	MatchTypeSuggested MatchType = "suggested"
	MatchTypeManual    MatchType = "manual"
)

// MatchStatus tracks human review of a persisted match.
type MatchStatus string

const (
	MatchStatusPending    MatchStatus = "pending"
	MatchStatusConfirmed  MatchStatus = "confirmed"
	MatchStatusRejected   MatchStatus = "rejected"
	MatchStatusSuperseded MatchStatus = "superseded"
)

// TransactionMatch is a persisted candidate pairing of a transaction and a
// receipt, together with the per-criterion evidence that produced its score.
type TransactionMatch struct {
	ID                 string          `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID     string          `gorm:"type:text;not null;index" json:"organization_id"`
	TransactionID      string          `gorm:"type:text;not null;uniqueIndex:idx_matches_pair" json:"transaction_id"`
	ReceiptID          string          `gorm:"type:text;not null;uniqueIndex:idx_matches_pair;index" json:"receipt_id"`
	ConfidenceScore    float64         `gorm:"not null" json:"confidence_score"`
	MatchType          MatchType       `gorm:"type:text;not null" json:"match_type"`
	Status             MatchStatus     `gorm:"type:text;not null;default:pending;index" json:"status"`
	MerchantKey        string          `gorm:"type:text" json:"merchant_key,omitempty"`
	AmountMatched      bool            `json:"amount_matched"`
	AmountDifference   decimal.Decimal `gorm:"type:decimal(14,2)" json:"amount_difference"`
	AmountDeviationPct float64         `json:"amount_deviation_pct"`
	DateMatched        bool            `json:"date_matched"`
	DaysDifference     int             `json:"days_difference"`
	MerchantMatched    bool            `json:"merchant_matched"`
	MerchantSimilarity float64         `json:"merchant_similarity"`
	UserMatched        bool            `json:"user_matched"`
	LocationMatched    bool            `json:"location_matched"`
	DistanceKm         *float64        `json:"distance_km,omitempty"`
	ReviewedBy         string          `gorm:"type:text" json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt          time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TableName returns the database table name for TransactionMatch.
func (TransactionMatch) TableName() string {
	return "transaction_matches"
}
