// Package aggregator is the client for the banking aggregator's
// transaction sync API.
package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const syncPath = "/transactions/sync"

// Config holds the aggregator connection settings.
type Config struct {
	BaseURL    string
	ClientID   string
	Secret     string
	Timeout    time.Duration
	PageSize   int
	RetryCount int
}

// Client fetches transactions for linked items.
type Client struct {
	client   *resty.Client
	clientID string
	secret   string
	pageSize int
}

// NewClient creates a new aggregator client.
func NewClient(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.RetryCount > 0 {
		client.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
			})
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		client:   client,
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		pageSize: pageSize,
	}
}

// Location is the merchant location attached to a transaction, when known.
type Location struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Transaction is one upstream transaction record.
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	IsoCurrencyCode *string         `json:"iso_currency_code"`
	Date            string          `json:"date"`
	AuthorizedDate  *string         `json:"authorized_date"`
	Name            string          `json:"name"`
	MerchantName    *string         `json:"merchant_name"`
	Pending         bool            `json:"pending"`
	Location        Location        `json:"location"`
}

// RemovedTransaction identifies a transaction deleted upstream.
type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// SyncPage is one page of incremental changes after a cursor.
type SyncPage struct {
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
	RequestID  string               `json:"request_id"`
}

type syncRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
	Cursor      string `json:"cursor,omitempty"`
	Count       int    `json:"count"`
}

// SyncTransactions fetches the page of changes following cursor. An empty
// cursor replays the item's full history.
// Returns:
//   - *SyncPage: the changes and the cursor to resume from.
//   - error: *Error for upstream failures, a plain error for transport failures.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string) (*SyncPage, error) {
	var page SyncPage
	var apiErr Error

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(syncRequest{
			ClientID:    c.clientID,
			Secret:      c.secret,
			AccessToken: accessToken,
			Cursor:      cursor,
			Count:       c.pageSize,
		}).
		SetResult(&page).
		SetError(&apiErr).
		Post(syncPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call aggregator: %w", err)
	}

	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Type == "" {
			apiErr.Type = TypeInvalidRequest
			if resp.StatusCode() >= http.StatusInternalServerError {
				apiErr.Type = TypeAPIError
			}
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return nil, &apiErr
	}
	return &page, nil
}

// ParseDate parses an aggregator calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}
