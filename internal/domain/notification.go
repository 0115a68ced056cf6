package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Webhook types and codes sent by the aggregator.
const (
	WebhookTypeTransactions = "TRANSACTIONS"
	WebhookTypeItem         = "ITEM"

	CodeDefaultUpdate         = "DEFAULT_UPDATE"
	CodeInitialUpdate         = "INITIAL_UPDATE"
	CodeHistoricalUpdate      = "HISTORICAL_UPDATE"
	CodeTransactionsRemoved   = "TRANSACTIONS_REMOVED"
	CodeSyncUpdatesAvailable  = "SYNC_UPDATES_AVAILABLE"
	CodeItemError             = "ERROR"
	CodeUserPermissionRevoked = "USER_PERMISSION_REVOKED"
	CodePendingExpiration     = "PENDING_EXPIRATION"
	CodeLoginRepaired         = "LOGIN_REPAIRED"
)

// WebhookPayload is the wire envelope of an aggregator notification.
type WebhookPayload struct {
	WebhookType           string         `json:"webhook_type"`
	WebhookCode           string         `json:"webhook_code"`
	ItemID                string         `json:"item_id"`
	Error                 *ItemErrorInfo `json:"error,omitempty"`
	NewTransactions       int            `json:"new_transactions,omitempty"`
	RemovedTransactions   []string       `json:"removed_transactions,omitempty"`
	ConsentExpirationTime *time.Time     `json:"consent_expiration_time,omitempty"`
}

// Notification is the closed set of webhook variants this service understands,
// keyed by (webhook_type, webhook_code).
type Notification interface {
	Item() string
	notification()
}

type TransactionsUpdate struct {
	ItemID          string
	Code            string
	NewTransactions int
}

type HistoricalUpdate struct {
	ItemID          string
	NewTransactions int
}

type SyncUpdatesAvailable struct {
	ItemID string
}

type TransactionsRemoved struct {
	ItemID         string
	TransactionIDs []string
}

type ItemError struct {
	ItemID string
	Error  ItemErrorInfo
}

type PermissionRevoked struct {
	ItemID string
	Error  *ItemErrorInfo
}

type PendingExpiration struct {
	ItemID    string
	ExpiresAt *time.Time
}

type LoginRepaired struct {
	ItemID string
}

// UnknownCode is a recognized webhook type with a code this service ignores.
type UnknownCode struct {
	ItemID string
	Type   string
	Code   string
}

// UnknownType is a well-formed notification of a type this service ignores.
type UnknownType struct {
	ItemID string
	Type   string
	Code   string
}

func (n TransactionsUpdate) Item() string   { return n.ItemID }
func (n HistoricalUpdate) Item() string     { return n.ItemID }
func (n SyncUpdatesAvailable) Item() string { return n.ItemID }
func (n TransactionsRemoved) Item() string  { return n.ItemID }
func (n ItemError) Item() string            { return n.ItemID }
func (n PermissionRevoked) Item() string    { return n.ItemID }
func (n PendingExpiration) Item() string    { return n.ItemID }
func (n LoginRepaired) Item() string        { return n.ItemID }
func (n UnknownCode) Item() string          { return n.ItemID }
func (n UnknownType) Item() string          { return n.ItemID }

func (TransactionsUpdate) notification()   {}
func (HistoricalUpdate) notification()     {}
func (SyncUpdatesAvailable) notification() {}
func (TransactionsRemoved) notification()  {}
func (ItemError) notification()            {}
func (PermissionRevoked) notification()    {}
func (PendingExpiration) notification()    {}
func (LoginRepaired) notification()        {}
func (UnknownCode) notification()          {}
func (UnknownType) notification()          {}

// ParseWebhook decodes a raw notification body into its envelope.
// A body that is not a JSON object with a webhook_type is malformed.
func ParseWebhook(raw []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	p.WebhookType = strings.ToUpper(strings.TrimSpace(p.WebhookType))
	p.WebhookCode = strings.ToUpper(strings.TrimSpace(p.WebhookCode))
	if p.WebhookType == "" {
		return nil, fmt.Errorf("%w: missing webhook_type", ErrMalformedWebhook)
	}
	return &p, nil
}

// Classify maps the envelope onto its typed variant.
func (p *WebhookPayload) Classify() Notification {
	switch p.WebhookType {
	case WebhookTypeTransactions:
		switch p.WebhookCode {
		case CodeDefaultUpdate, CodeInitialUpdate:
			return TransactionsUpdate{ItemID: p.ItemID, Code: p.WebhookCode, NewTransactions: p.NewTransactions}
		case CodeHistoricalUpdate:
			return HistoricalUpdate{ItemID: p.ItemID, NewTransactions: p.NewTransactions}
		case CodeSyncUpdatesAvailable:
			return SyncUpdatesAvailable{ItemID: p.ItemID}
		case CodeTransactionsRemoved:
			return TransactionsRemoved{ItemID: p.ItemID, TransactionIDs: p.RemovedTransactions}
		}
	case WebhookTypeItem:
		switch p.WebhookCode {
		case CodeItemError:
			n := ItemError{ItemID: p.ItemID}
			if p.Error != nil {
				n.Error = *p.Error
			}
			return n
		case CodeUserPermissionRevoked:
			return PermissionRevoked{ItemID: p.ItemID, Error: p.Error}
		case CodePendingExpiration:
			return PendingExpiration{ItemID: p.ItemID, ExpiresAt: p.ConsentExpirationTime}
		case CodeLoginRepaired:
			return LoginRepaired{ItemID: p.ItemID}
		}
	default:
		return UnknownType{ItemID: p.ItemID, Type: p.WebhookType, Code: p.WebhookCode}
	}
	return UnknownCode{ItemID: p.ItemID, Type: p.WebhookType, Code: p.WebhookCode}
}
