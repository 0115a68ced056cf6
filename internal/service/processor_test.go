package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timmy/ledgerlink/internal/aggregator"
	"github.com/timmy/ledgerlink/internal/domain"
)

type fakeSource struct {
	pages   map[string]*aggregator.SyncPage
	err     error
	cursors []string
}

func (s *fakeSource) SyncTransactions(ctx context.Context, accessToken, cursor string) (*aggregator.SyncPage, error) {
	s.cursors = append(s.cursors, cursor)
	if s.err != nil {
		return nil, s.err
	}
	page, ok := s.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("unexpected cursor %q", cursor)
	}
	return page, nil
}

type fakeReconciler struct {
	ids []string
	err error
}

func (r *fakeReconciler) ReconcileTransactions(ctx context.Context, ids []string) (int, error) {
	r.ids = append(r.ids, ids...)
	return len(ids), r.err
}

func strptr(s string) *string { return &s }

func upstreamTxn(id, amount, date string) aggregator.Transaction {
	return aggregator.Transaction{
		TransactionID:   id,
		AccountID:       "acc-1",
		Amount:          decimal.RequireFromString(amount),
		IsoCurrencyCode: strptr("USD"),
		Date:            date,
		Name:            "STARBUCKS #1234",
		MerchantName:    strptr("Starbucks"),
	}
}

func newTestProcessor(f *fixture, src TransactionSource, rec Reconciler) *SyncProcessor {
	p := NewSyncProcessor(f.items, f.txns, src, rec)
	p.now = fixedClock(t0)
	return p
}

func TestSyncProcessor_PagesUntilDone(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, "item-1", domain.ItemStatusActive)
	ctx := context.Background()

	src := &fakeSource{pages: map[string]*aggregator.SyncPage{
		"": {
			Added:      []aggregator.Transaction{upstreamTxn("a", "10.00", "2024-01-10"), upstreamTxn("b", "20.00", "2024-01-11")},
			NextCursor: "c1",
			HasMore:    true,
		},
		"c1": {
			Modified:   []aggregator.Transaction{upstreamTxn("a", "12.50", "2024-01-10")},
			NextCursor: "c2",
		},
	}}
	rec := &fakeReconciler{}
	p := newTestProcessor(f, src, rec)
	job := f.seedJob(t, nil)

	result, err := p.Execute(ctx, job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := domain.SyncResult{Pages: 2, Added: 2, Modified: 1, MatchesSuggested: 2, Cursor: "c2"}
	if *result != want {
		t.Errorf("result = %+v, want %+v", *result, want)
	}
	if len(src.cursors) != 2 || src.cursors[1] != "c1" {
		t.Errorf("unexpected cursor sequence %v", src.cursors)
	}

	item, _ := f.items.GetByID(ctx, "item-1")
	if item.Cursor != "c2" || item.LastSyncedAt == nil {
		t.Errorf("expected cursor advanced, got %+v", item)
	}

	got, err := f.txns.GetByExternalID(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("expected modified amount, got %s", got.Amount)
	}
	raw, err := f.txns.GetRaw(ctx, "a")
	if err != nil || len(raw.Raw) == 0 {
		t.Errorf("expected raw record kept, got %+v (%v)", raw, err)
	}

	// "a" was touched on both pages but is reconciled once.
	if len(rec.ids) != 2 {
		t.Errorf("expected 2 reconciled transactions, got %v", rec.ids)
	}
}

func TestSyncProcessor_FullRefreshReplaysFromStart(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(t, "item-1", domain.ItemStatusActive)
	ctx := context.Background()
	if err := f.items.AdvanceCursor(ctx, item.ID, "stale", t0); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{pages: map[string]*aggregator.SyncPage{
		"": {Added: []aggregator.Transaction{upstreamTxn("a", "10.00", "2024-01-10")}, NextCursor: "fresh"},
	}}
	p := newTestProcessor(f, src, nil)
	job := f.seedJob(t, func(j *domain.SyncJob) {
		j.JobType = domain.JobTypeFullRefresh
		j.Payload = []byte(`{"reason":"operator request"}`)
	})

	if _, err := p.Execute(ctx, job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(src.cursors) != 1 || src.cursors[0] != "" {
		t.Errorf("expected replay from an empty cursor, got %v", src.cursors)
	}
	if got, _ := f.items.GetByID(ctx, item.ID); got.Cursor != "fresh" {
		t.Errorf("expected cursor fresh, got %q", got.Cursor)
	}
}

func TestSyncProcessor_Failures(t *testing.T) {
	tests := []struct {
		name          string
		itemStatus    domain.ItemStatus
		src           *fakeSource
		payload       string
		wantRetryable bool
		wantItem      domain.ItemStatus
	}{
		{
			name:          "transient upstream",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{err: &aggregator.Error{Type: aggregator.TypeInstitutionError, Code: aggregator.CodeInstitutionDown, StatusCode: http.StatusBadRequest}},
			wantRetryable: true,
			wantItem:      domain.ItemStatusActive,
		},
		{
			name:          "login required",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{err: &aggregator.Error{Type: aggregator.TypeItemError, Code: aggregator.CodeItemLoginRequired, StatusCode: http.StatusBadRequest}},
			wantRetryable: false,
			wantItem:      domain.ItemStatusError,
		},
		{
			name:          "access revoked",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{err: &aggregator.Error{Type: aggregator.TypeItemError, Code: aggregator.CodeUserPermissionRevoked, StatusCode: http.StatusBadRequest}},
			wantRetryable: false,
			wantItem:      domain.ItemStatusDisabled,
		},
		{
			name:          "cursor stuck",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{pages: map[string]*aggregator.SyncPage{"": {NextCursor: "", HasMore: true}}},
			wantRetryable: true,
			wantItem:      domain.ItemStatusActive,
		},
		{
			name:          "bad upstream date",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{pages: map[string]*aggregator.SyncPage{"": {Added: []aggregator.Transaction{upstreamTxn("a", "1.00", "yesterday")}}}},
			wantRetryable: false,
			wantItem:      domain.ItemStatusActive,
		},
		{
			name:          "disabled item",
			itemStatus:    domain.ItemStatusDisabled,
			src:           &fakeSource{},
			wantRetryable: false,
			wantItem:      domain.ItemStatusDisabled,
		},
		{
			name:          "corrupt payload",
			itemStatus:    domain.ItemStatusActive,
			src:           &fakeSource{},
			payload:       `{"trigger":`,
			wantRetryable: false,
			wantItem:      domain.ItemStatusActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedItem(t, "item-1", tt.itemStatus)
			p := newTestProcessor(f, tt.src, nil)
			job := f.seedJob(t, func(j *domain.SyncJob) {
				if tt.payload != "" {
					j.Payload = []byte(tt.payload)
				}
			})

			_, err := p.Execute(context.Background(), job)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, got, tt.wantRetryable)
			}
			item, _ := f.items.GetByID(context.Background(), "item-1")
			if item.SyncStatus != tt.wantItem {
				t.Errorf("item status = %s, want %s", item.SyncStatus, tt.wantItem)
			}
		})
	}
}

func TestSyncProcessor_ReactivatesErroredItem(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, "item-1", domain.ItemStatusError)
	src := &fakeSource{pages: map[string]*aggregator.SyncPage{"": {NextCursor: "c1"}}}
	p := newTestProcessor(f, src, &fakeReconciler{err: errors.New("matching down")})

	if _, err := p.Execute(context.Background(), f.seedJob(t, nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	item, _ := f.items.GetByID(context.Background(), "item-1")
	if item.SyncStatus != domain.ItemStatusActive {
		t.Errorf("expected item active after a clean sync, got %s", item.SyncStatus)
	}
}

func TestSyncProcessor_ReconcileFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, "item-1", domain.ItemStatusActive)
	src := &fakeSource{pages: map[string]*aggregator.SyncPage{
		"": {Added: []aggregator.Transaction{upstreamTxn("a", "10.00", "2024-01-10")}, NextCursor: "c1"},
	}}
	p := newTestProcessor(f, src, &fakeReconciler{err: errors.New("matching down")})

	result, err := p.Execute(context.Background(), f.seedJob(t, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Added != 1 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestDeriveTransaction(t *testing.T) {
	item := &domain.ExternalItem{ID: "item-1", OrganizationID: "org-1", UserID: "u1"}
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name       string
		authorized *string
		pending    bool
		wantDate   time.Time
		wantPosted *time.Time
		wantStatus domain.TransactionStatus
	}{
		{"posted with authorized date", strptr("2024-01-15"), false, day(15), ptrTime(day(17)), domain.TransactionStatusPosted},
		{"posted without authorized date", nil, false, day(17), ptrTime(day(17)), domain.TransactionStatusPosted},
		{"pending", strptr("2024-01-16"), true, day(16), nil, domain.TransactionStatusPending},
		{"unparseable authorized date", strptr("soon"), false, day(17), ptrTime(day(17)), domain.TransactionStatusPosted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := upstreamTxn("x", "25.99", "2024-01-17")
			up.AuthorizedDate = tt.authorized
			up.Pending = tt.pending

			got, err := deriveTransaction(item, up, t0)
			if err != nil {
				t.Fatalf("deriveTransaction: %v", err)
			}
			if !got.TransactionDate.Equal(tt.wantDate) {
				t.Errorf("transaction date = %v, want %v", got.TransactionDate, tt.wantDate)
			}
			if (got.PostedDate == nil) != (tt.wantPosted == nil) ||
				(got.PostedDate != nil && !got.PostedDate.Equal(*tt.wantPosted)) {
				t.Errorf("posted date = %v, want %v", got.PostedDate, tt.wantPosted)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.MerchantName != "Starbucks" || got.Currency != "USD" || got.UserID != "u1" {
				t.Errorf("unexpected mapping %+v", got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"permanent", Permanent(errors.New("bad payload")), false},
		{"wrapped permanent", fmt.Errorf("job: %w", Permanent(errors.New("bad"))), false},
		{"item missing", domain.ErrItemNotFound, false},
		{"item disabled", fmt.Errorf("%w: item-1", domain.ErrItemDisabled), false},
		{"rate limited", &aggregator.Error{Type: aggregator.TypeRateLimit, StatusCode: http.StatusTooManyRequests}, true},
		{"invalid request", &aggregator.Error{Type: aggregator.TypeInvalidRequest, StatusCode: http.StatusBadRequest}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

