package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/timmy/ledgerlink/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, ClientID: "client", Secret: "secret", PageSize: 50})
}

func TestSyncTransactions_Page(t *testing.T) {
	var got syncRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != syncPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"added": [{"transaction_id": "t1", "account_id": "a1", "amount": 25.99,
				"iso_currency_code": "USD", "date": "2024-01-17", "authorized_date": "2024-01-15",
				"name": "STARBUCKS #1234", "merchant_name": "Starbucks", "pending": false,
				"location": {"lat": 47.6, "lon": -122.3}}],
			"modified": [],
			"removed": [{"transaction_id": "t0"}],
			"next_cursor": "cursor-2",
			"has_more": true
		}`)
	})

	page, err := c.SyncTransactions(context.Background(), "access-token", "cursor-1")
	if err != nil {
		t.Fatalf("SyncTransactions: %v", err)
	}

	if got.AccessToken != "access-token" || got.Cursor != "cursor-1" || got.Count != 50 || got.ClientID != "client" {
		t.Errorf("unexpected request body: %+v", got)
	}
	if !page.HasMore || page.NextCursor != "cursor-2" {
		t.Errorf("unexpected paging: %+v", page)
	}
	if len(page.Added) != 1 || len(page.Removed) != 1 || page.Removed[0].TransactionID != "t0" {
		t.Fatalf("unexpected page contents: %+v", page)
	}
	txn := page.Added[0]
	if !txn.Amount.Equal(decimal.RequireFromString("25.99")) {
		t.Errorf("unexpected amount %s", txn.Amount)
	}
	if txn.AuthorizedDate == nil || *txn.AuthorizedDate != "2024-01-15" {
		t.Errorf("unexpected authorized date %v", txn.AuthorizedDate)
	}
	if txn.Location.Lat == nil || *txn.Location.Lat != 47.6 {
		t.Errorf("unexpected location %+v", txn.Location)
	}
}

func TestSyncTransactions_TypedError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error_type": "ITEM_ERROR", "error_code": "ITEM_LOGIN_REQUIRED",
			"error_message": "the login details of this item have changed", "request_id": "req-1"}`)
	})

	_, err := c.SyncTransactions(context.Background(), "token", "")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if apiErr.Code != CodeItemLoginRequired || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if IsRetryable(err) {
		t.Error("login required must not be retried")
	}
}

func TestSyncTransactions_ServerErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SyncTransactions(context.Background(), "token", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("expected 502 to be retryable: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("connection refused"), true},
		{"institution down", &Error{Type: TypeInstitutionError, Code: CodeInstitutionDown, StatusCode: 400}, true},
		{"rate limit", &Error{Type: TypeRateLimit, Code: "TRANSACTIONS_LIMIT", StatusCode: 429}, true},
		{"product not ready", &Error{Type: TypeItemError, Code: CodeProductNotReady, StatusCode: 400}, true},
		{"pagination mutation", &Error{Type: TypeTransactionError, Code: CodeMutationDuringPagination, StatusCode: 400}, true},
		{"wrapped internal", fmt.Errorf("sync: %w", &Error{Type: TypeAPIError, Code: CodeInternalServerError, StatusCode: 500}), true},
		{"login required", &Error{Type: TypeItemError, Code: CodeItemLoginRequired, StatusCode: 400}, false},
		{"invalid token", &Error{Type: TypeInvalidInput, Code: CodeInvalidAccessToken, StatusCode: 400}, false},
		{"bare unauthorized", &Error{Type: TypeInvalidRequest, StatusCode: 401}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestItemStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status domain.ItemStatus
		ok     bool
	}{
		{"transient leaves item alone", &Error{Type: TypeInstitutionError, Code: CodeInstitutionDown}, "", false},
		{"network leaves item alone", errors.New("timeout"), "", false},
		{"login required", &Error{Type: TypeItemError, Code: CodeItemLoginRequired}, domain.ItemStatusError, true},
		{"permission revoked", &Error{Type: TypeItemError, Code: CodeUserPermissionRevoked}, domain.ItemStatusDisabled, true},
		{"invalid access token", &Error{Type: TypeInvalidInput, Code: CodeInvalidAccessToken}, domain.ItemStatusDisabled, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, info, ok := ItemStatusFor(tc.err)
			if status != tc.status || ok != tc.ok {
				t.Errorf("got (%q, %v), want (%q, %v)", status, ok, tc.status, tc.ok)
			}
			if ok && info == nil {
				t.Error("expected error info for a permanent failure")
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-15")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if d.Year() != 2024 || d.Month() != 1 || d.Day() != 15 || d.Location().String() != "UTC" {
		t.Errorf("unexpected date %v", d)
	}
}
