package matching

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timmy/ledgerlink/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func starbucksTxn() domain.Transaction {
	return domain.Transaction{
		ID:              "txn-1",
		OrganizationID:  "org-1",
		UserID:          "u1",
		Amount:          decimal.RequireFromString("25.99"),
		TransactionDate: day("2024-01-15"),
		MerchantName:    "Starbucks",
	}
}

func starbucksReceipt(id string) domain.Receipt {
	return domain.Receipt{
		ID:             id,
		OrganizationID: "org-1",
		UploadedBy:     "u1",
		TotalAmount:    decimal.RequireFromString("25.99"),
		ReceiptDate:    day("2024-01-15"),
		MerchantName:   "Starbucks",
	}
}

func TestFindCandidates_ExactMatchIsAuto(t *testing.T) {
	got := FindCandidates(DefaultConfig(), starbucksTxn(), []domain.Receipt{starbucksReceipt("r1")})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if c.Score <= 0.8 {
		t.Errorf("expected confidence > 0.8, got %v", c.Score)
	}
	if c.MatchType != domain.MatchTypeAuto {
		t.Errorf("expected auto, got %s", c.MatchType)
	}
	if !c.Amount.Matched || !c.Date.Matched || !c.Merchant.Matched || !c.User.Matched {
		t.Errorf("expected all criteria to match: %+v", c)
	}
	if c.Location.Matched || c.Location.DistanceKm != nil {
		t.Errorf("expected no location evidence without coordinates, got %+v", c.Location)
	}
}

func TestFindCandidates_SmallAmountDifference(t *testing.T) {
	rcpt := starbucksReceipt("r1")
	rcpt.TotalAmount = decimal.RequireFromString("25.00")

	got := FindCandidates(DefaultConfig(), starbucksTxn(), []domain.Receipt{rcpt})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	amount := got[0].Amount
	if !amount.Matched {
		t.Error("expected amount within 5% tolerance to match")
	}
	if !amount.Difference.Equal(decimal.RequireFromString("0.99")) {
		t.Errorf("expected difference 0.99, got %s", amount.Difference)
	}
}

func TestFindCandidates_FarApartIsDropped(t *testing.T) {
	rcpt := starbucksReceipt("r1")
	rcpt.TotalAmount = decimal.RequireFromString("50.00")
	rcpt.ReceiptDate = day("2024-01-25")
	rcpt.UploadedBy = "u2"

	got := FindCandidates(DefaultConfig(), starbucksTxn(), []domain.Receipt{rcpt})
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestFindCandidates_EffectiveDateIsTransactionDate(t *testing.T) {
	txn := starbucksTxn()
	txn.PostedDate = ptr(day("2024-01-17"))

	c := Score(DefaultConfig(), txn, starbucksReceipt("r1"))
	if c.Date.DaysDifference != 0 {
		t.Errorf("expected 0 days against transaction_date, got %d", c.Date.DaysDifference)
	}

	// Posted date is only used when the purchase date is unknown.
	txn.TransactionDate = time.Time{}
	c = Score(DefaultConfig(), txn, starbucksReceipt("r1"))
	if c.Date.DaysDifference != 2 {
		t.Errorf("expected 2 days against posted_date fallback, got %d", c.Date.DaysDifference)
	}
}

func TestFindCandidates_EmptyReceipts(t *testing.T) {
	got := FindCandidates(DefaultConfig(), starbucksTxn(), nil)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
}

func TestAmountBoundary(t *testing.T) {
	cfg := DefaultConfig()
	txn := domain.Transaction{Amount: decimal.RequireFromString("100.00"), TransactionDate: day("2024-01-15")}

	tests := []struct {
		name    string
		receipt string
		want    bool
	}{
		{"exact", "100.00", true},
		{"at upper tolerance", "105.00", true},
		{"at lower tolerance", "95.00", true},
		{"one cent above tolerance", "105.01", false},
		{"one cent below tolerance", "94.99", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rcpt := domain.Receipt{TotalAmount: decimal.RequireFromString(tc.receipt), ReceiptDate: day("2024-01-15")}
			got := Score(cfg, txn, rcpt).Amount
			if got.Matched != tc.want {
				t.Errorf("amount %s: matched=%v, want %v (diff %s)", tc.receipt, got.Matched, tc.want, got.Difference)
			}
		})
	}
}

func TestCurrencyGate(t *testing.T) {
	tests := []struct {
		name     string
		txn      string
		receipt  string
		expected bool
	}{
		{"both empty", "", "", true},
		{"same", "USD", "USD", true},
		{"different", "USD", "EUR", false},
		{"txn missing", "", "USD", false},
		{"receipt missing", "USD", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			txn := starbucksTxn()
			txn.Currency = tc.txn
			rcpt := starbucksReceipt("r1")
			rcpt.Currency = tc.receipt
			if got := Score(DefaultConfig(), txn, rcpt).Amount.Matched; got != tc.expected {
				t.Errorf("matched=%v, want %v", got, tc.expected)
			}
		})
	}
}

func TestDateWindow(t *testing.T) {
	cfg := DefaultConfig()
	txn := starbucksTxn()

	for offset := -6; offset <= 6; offset++ {
		rcpt := starbucksReceipt("r1")
		rcpt.ReceiptDate = txn.TransactionDate.AddDate(0, 0, offset)
		got := Score(cfg, txn, rcpt).Date

		if got.DaysDifference < 0 {
			t.Fatalf("offset %d: negative day difference %d", offset, got.DaysDifference)
		}
		want := offset >= -cfg.DateWindowDays && offset <= cfg.DateWindowDays
		if got.Matched != want {
			t.Errorf("offset %d: matched=%v, want %v", offset, got.Matched, want)
		}
	}
}

func TestDateDifferenceIgnoresTimeOfDay(t *testing.T) {
	txn := starbucksTxn()
	txn.TransactionDate = time.Date(2024, 1, 15, 23, 30, 0, 0, time.UTC)
	rcpt := starbucksReceipt("r1")
	rcpt.ReceiptDate = time.Date(2024, 1, 16, 0, 15, 0, 0, time.UTC)

	if got := Score(DefaultConfig(), txn, rcpt).Date.DaysDifference; got != 1 {
		t.Errorf("expected 1 calendar day, got %d", got)
	}
}

func TestMerchantSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		matched bool
	}{
		{"identical", "Starbucks", "Starbucks", true},
		{"case and punctuation", "STARBUCKS #1234", "starbucks 1234", true},
		{"store suffix", "STARBUCKS STORE 00123", "Starbucks", true},
		{"typo", "Starbucks", "Starbuks", true},
		{"unrelated", "Walmart", "Target", false},
		{"short containment not boosted", "AB", "ABC Hardware", false},
		{"missing receipt merchant", "Starbucks", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			txn := starbucksTxn()
			txn.MerchantName = tc.a
			rcpt := starbucksReceipt("r1")
			rcpt.MerchantName = tc.b
			got := Score(DefaultConfig(), txn, rcpt).Merchant
			if got.Matched != tc.matched {
				t.Errorf("%q vs %q: matched=%v (similarity %v), want %v", tc.a, tc.b, got.Matched, got.Similarity, tc.matched)
			}
		})
	}
}

func TestNormalizeMerchant(t *testing.T) {
	if got := NormalizeMerchant("  Joe's  Café #12 "); got != "joescafé12" {
		t.Errorf("unexpected normalization: %q", got)
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	txn := starbucksTxn()
	txn.Latitude, txn.Longitude = ptr(0.0), ptr(0.0)

	near := starbucksReceipt("near")
	near.Latitude, near.Longitude = ptr(0.0), ptr(0.005)
	far := starbucksReceipt("far")
	far.Latitude, far.Longitude = ptr(0.0), ptr(0.02)

	n := Score(cfg, txn, near).Location
	if !n.Matched || n.DistanceKm == nil || *n.DistanceKm > 1 {
		t.Errorf("expected near receipt within radius, got %+v", n)
	}
	f := Score(cfg, txn, far).Location
	if f.Matched || f.DistanceKm == nil || *f.DistanceKm < 2 {
		t.Errorf("expected far receipt outside radius, got %+v", f)
	}
	if Score(cfg, txn, near).Score <= Score(cfg, txn, far).Score {
		t.Error("expected nearby receipt to score higher")
	}
}

func TestFindCandidates_NeverAtOrBelowSuggestThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Amount: 1, Merchant: 1}

	txn := starbucksTxn()
	atThreshold := starbucksReceipt("r-at")
	atThreshold.MerchantName = "Walmart"

	got := FindCandidates(cfg, txn, []domain.Receipt{atThreshold})
	if len(got) != 0 {
		t.Fatalf("expected candidate scoring exactly %v to be dropped, got %+v", cfg.SuggestThreshold, got)
	}

	receipts := []domain.Receipt{starbucksReceipt("r1"), atThreshold}
	for i := 0; i < 20; i++ {
		r := starbucksReceipt("r-var")
		r.TotalAmount = decimal.NewFromFloat(20 + float64(i)*0.5)
		r.ReceiptDate = txn.TransactionDate.AddDate(0, 0, i%7)
		receipts = append(receipts, r)
	}
	for _, c := range FindCandidates(DefaultConfig(), txn, receipts) {
		if c.Score <= DefaultConfig().SuggestThreshold {
			t.Errorf("candidate %s returned with score %v", c.ReceiptID, c.Score)
		}
	}
}

func TestFindCandidates_Ordering(t *testing.T) {
	txn := starbucksTxn()

	nearby := starbucksReceipt("b-close")
	nearby.TotalAmount = decimal.RequireFromString("25.50")
	exactB := starbucksReceipt("b-exact")
	exactA := starbucksReceipt("a-exact")

	got := FindCandidates(DefaultConfig(), txn, []domain.Receipt{nearby, exactB, exactA})
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"a-exact", "b-exact", "b-close"}
	for i, id := range want {
		if got[i].ReceiptID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ReceiptID, id)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("candidates not sorted by score: %v before %v", got[i-1].Score, got[i].Score)
		}
	}
}

func TestClassifyMatchIsMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	rank := map[domain.MatchType]int{
		domain.MatchTypeManual:    0,
		domain.MatchTypeSuggested: 1,
		domain.MatchTypeAuto:      2,
	}

	prev := -1
	for i := 0; i <= 100; i++ {
		score := float64(i) / 100
		mt := ClassifyMatch(cfg, score)
		if rank[mt] < prev {
			t.Fatalf("classification decreased at score %v", score)
		}
		prev = rank[mt]
		if (mt == domain.MatchTypeAuto) != (score >= cfg.AutoMatchThreshold) {
			t.Errorf("score %v classified %s", score, mt)
		}
	}
	if got := ClassifyMatch(cfg, cfg.SuggestThreshold); got != domain.MatchTypeSuggested {
		t.Errorf("expected suggested at the suggest threshold, got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative tolerance", func(c *Config) { c.AmountTolerance = -0.1 }, true},
		{"suggest above auto", func(c *Config) { c.SuggestThreshold = 0.9 }, true},
		{"auto above one", func(c *Config) { c.AutoMatchThreshold = 1.2 }, true},
		{"negative weight", func(c *Config) { c.Weights.User = -1 }, true},
		{"zero weights", func(c *Config) { c.Weights = Weights{} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigApply(t *testing.T) {
	base := DefaultConfig()
	got := base.Apply(Suggestion{AmountTolerance: ptr(0.08), DateWindowDays: ptr(5)})

	if got.AmountTolerance != 0.08 || got.DateWindowDays != 5 {
		t.Errorf("suggested fields not applied: %+v", got)
	}
	if got.AutoMatchThreshold != base.AutoMatchThreshold || got.Weights != base.Weights {
		t.Errorf("untouched fields changed: %+v", got)
	}
	if !(Suggestion{}).Empty() {
		t.Error("zero suggestion should be empty")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DateWindowDays = 7
	if got := FromRecord(cfg.Record("org-1")); got != cfg {
		t.Errorf("expected %+v, got %+v", cfg, got)
	}
}

func TestHaversine(t *testing.T) {
	// One degree of longitude at the equator.
	got := haversineKm(0, 0, 0, 1)
	if math.Abs(got-111.19) > 0.1 {
		t.Errorf("expected ~111.19 km, got %v", got)
	}
}
