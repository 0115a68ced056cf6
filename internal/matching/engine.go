// Package matching scores bank transactions against uploaded receipts.
//
// Everything here is pure: no I/O, no clock, no shared state. Callers load
// the transaction and a pre-filtered set of receipts, call FindCandidates,
// and decide what to persist.
package matching

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timmy/ledgerlink/internal/domain"
)

// boundaryContribution is the contribution of a graded criterion that
// matched exactly at its tolerance boundary.
const boundaryContribution = 0.5

const earthRadiusKm = 6371.0

// AmountResult is the amount criterion outcome.
type AmountResult struct {
	Matched      bool            `json:"matched"`
	Difference   decimal.Decimal `json:"difference"`
	DeviationPct float64         `json:"deviation_pct"`
}

// DateResult is the date criterion outcome. DaysDifference is never negative.
type DateResult struct {
	Matched        bool `json:"matched"`
	DaysDifference int  `json:"days_difference"`
}

// MerchantResult is the merchant criterion outcome.
type MerchantResult struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"`
	Key        string  `json:"key,omitempty"`
}

// UserResult is the user criterion outcome.
type UserResult struct {
	Matched bool `json:"matched"`
}

// LocationResult is the location criterion outcome. DistanceKm is nil when
// either side lacks coordinates.
type LocationResult struct {
	Matched    bool     `json:"matched"`
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

// Candidate is one scored (transaction, receipt) pair.
type Candidate struct {
	TransactionID string           `json:"transaction_id"`
	ReceiptID     string           `json:"receipt_id"`
	Score         float64          `json:"confidence_score"`
	MatchType     domain.MatchType `json:"match_type"`
	Amount        AmountResult     `json:"amount_match"`
	Date          DateResult       `json:"date_match"`
	Merchant      MerchantResult   `json:"merchant_match"`
	User          UserResult       `json:"user_match"`
	Location      LocationResult   `json:"location_match"`
}

// FindCandidates scores txn against every receipt and returns the candidates
// scoring strictly above the suggest threshold, best first.
//
// Ties are broken by smaller amount difference, then smaller day difference,
// then receipt id, so the output is deterministic for a given input.
func FindCandidates(cfg Config, txn domain.Transaction, receipts []domain.Receipt) []Candidate {
	if len(receipts) == 0 {
		return []Candidate{}
	}

	out := make([]Candidate, 0, len(receipts))
	for i := range receipts {
		c := Score(cfg, txn, receipts[i])
		if c.Score <= cfg.SuggestThreshold {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if cmp := a.Amount.Difference.Cmp(b.Amount.Difference); cmp != 0 {
			return cmp < 0
		}
		if a.Date.DaysDifference != b.Date.DaysDifference {
			return a.Date.DaysDifference < b.Date.DaysDifference
		}
		return a.ReceiptID < b.ReceiptID
	})
	return out
}

// Score evaluates a single pair without applying the suggest floor.
func Score(cfg Config, txn domain.Transaction, rcpt domain.Receipt) Candidate {
	amount, amountContrib := evaluateAmount(cfg, txn, rcpt)
	date, dateContrib := evaluateDate(cfg, txn, rcpt)
	merchant := evaluateMerchant(txn, rcpt)
	user := UserResult{Matched: txn.UserID != "" && txn.UserID == rcpt.UploadedBy}
	location, locationContrib := evaluateLocation(cfg, txn, rcpt)

	var merchantContrib, userContrib float64
	if merchant.Matched {
		merchantContrib = merchant.Similarity
	}
	if user.Matched {
		userContrib = 1
	}

	w := cfg.Weights
	total := w.Amount*amountContrib +
		w.Merchant*merchantContrib +
		w.Date*dateContrib +
		w.User*userContrib +
		w.Location*locationContrib

	var score float64
	if sum := w.Sum(); sum > 0 {
		score = round4(total / sum)
	}

	return Candidate{
		TransactionID: txn.ID,
		ReceiptID:     rcpt.ID,
		Score:         score,
		MatchType:     ClassifyMatch(cfg, score),
		Amount:        amount,
		Date:          date,
		Merchant:      merchant,
		User:          user,
		Location:      location,
	}
}

// ClassifyMatch maps a confidence score onto the review tier.
func ClassifyMatch(cfg Config, score float64) domain.MatchType {
	switch {
	case score >= cfg.AutoMatchThreshold:
		return domain.MatchTypeAuto
	case score >= cfg.SuggestThreshold:
		return domain.MatchTypeSuggested
	default:
		return domain.MatchTypeManual
	}
}

func evaluateAmount(cfg Config, txn domain.Transaction, rcpt domain.Receipt) (AmountResult, float64) {
	diff := txn.Amount.Sub(rcpt.TotalAmount).Abs()
	base := txn.Amount.Abs()
	allowed := base.Mul(decimal.NewFromFloat(cfg.AmountTolerance))

	res := AmountResult{Difference: diff}
	if base.IsPositive() {
		res.DeviationPct, _ = diff.Div(base).Float64()
	} else if !diff.IsZero() {
		res.DeviationPct = 1
	}

	if txn.Currency != rcpt.Currency {
		return res, 0
	}
	if diff.GreaterThan(allowed) {
		return res, 0
	}
	res.Matched = true

	if allowed.IsZero() {
		return res, 1
	}
	ratio, _ := diff.Div(allowed).Float64()
	return res, graded(ratio)
}

func evaluateDate(cfg Config, txn domain.Transaction, rcpt domain.Receipt) (DateResult, float64) {
	days := daysBetween(txn.EffectiveDate(), rcpt.ReceiptDate)
	res := DateResult{DaysDifference: days}
	if days > cfg.DateWindowDays {
		return res, 0
	}
	res.Matched = true
	if cfg.DateWindowDays == 0 {
		return res, 1
	}
	return res, graded(float64(days) / float64(cfg.DateWindowDays))
}

func evaluateMerchant(txn domain.Transaction, rcpt domain.Receipt) MerchantResult {
	name := txn.MerchantName
	if name == "" {
		name = txn.Description
	}
	res := MerchantResult{Key: NormalizeMerchant(name)}
	if txn.MerchantName == "" || rcpt.MerchantName == "" {
		return res
	}
	res.Similarity = round4(MerchantSimilarity(txn.MerchantName, rcpt.MerchantName))
	res.Matched = res.Similarity >= merchantMatchThreshold
	return res
}

func evaluateLocation(cfg Config, txn domain.Transaction, rcpt domain.Receipt) (LocationResult, float64) {
	if txn.Latitude == nil || txn.Longitude == nil || rcpt.Latitude == nil || rcpt.Longitude == nil {
		return LocationResult{}, 0
	}
	d := round4(haversineKm(*txn.Latitude, *txn.Longitude, *rcpt.Latitude, *rcpt.Longitude))
	res := LocationResult{DistanceKm: &d}
	if d > cfg.LocationRadiusKm {
		return res, 0
	}
	res.Matched = true
	if cfg.LocationRadiusKm == 0 {
		return res, 1
	}
	return res, graded(d / cfg.LocationRadiusKm)
}

// graded maps a ratio in [0,1] of the tolerance used onto [0.5,1].
func graded(ratio float64) float64 {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return 1 - (1-boundaryContribution)*ratio
}

// daysBetween counts calendar days between a and b in UTC.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(math.Round(da.Sub(db).Hours() / 24))
	if days < 0 {
		days = -days
	}
	return days
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
