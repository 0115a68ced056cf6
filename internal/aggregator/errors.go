package aggregator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/timmy/ledgerlink/internal/domain"
)

// Upstream error types.
const (
	TypeInstitutionError = "INSTITUTION_ERROR"
	TypeRateLimit        = "RATE_LIMIT_EXCEEDED"
	TypeAPIError         = "API_ERROR"
	TypeItemError        = "ITEM_ERROR"
	TypeInvalidRequest   = "INVALID_REQUEST"
	TypeInvalidInput     = "INVALID_INPUT"
	TypeTransactionError = "TRANSACTIONS_ERROR"
)

// Upstream error codes the service reacts to.
const (
	CodeInstitutionDown          = "INSTITUTION_DOWN"
	CodeInstitutionNotResponding = "INSTITUTION_NOT_RESPONDING"
	CodeInstitutionNotAvailable  = "INSTITUTION_NOT_AVAILABLE"
	CodeInternalServerError      = "INTERNAL_SERVER_ERROR"
	CodePlannedMaintenance       = "PLANNED_MAINTENANCE"
	CodeProductNotReady          = "PRODUCT_NOT_READY"
	CodeMutationDuringPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"

	CodeItemLoginRequired     = "ITEM_LOGIN_REQUIRED"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeInvalidMFA            = "INVALID_MFA"
	CodeItemLocked            = "ITEM_LOCKED"
	CodeItemNotFound          = "ITEM_NOT_FOUND"
	CodeInvalidAccessToken    = "INVALID_ACCESS_TOKEN"
	CodeAccessNotGranted      = "ACCESS_NOT_GRANTED"
	CodeUserPermissionRevoked = "USER_PERMISSION_REVOKED"
	CodeProductsNotSupported  = "PRODUCTS_NOT_SUPPORTED"
)

// Error is a typed upstream failure.
type Error struct {
	Type           string `json:"error_type"`
	Code           string `json:"error_code"`
	Message        string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
	StatusCode     int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("aggregator error %s/%s (status %d): %s", e.Type, e.Code, e.StatusCode, e.Message)
}

// Info converts e into the shape stored on an item.
func (e *Error) Info() domain.ItemErrorInfo {
	return domain.ItemErrorInfo{
		ErrorType:      e.Type,
		ErrorCode:      e.Code,
		ErrorMessage:   e.Message,
		DisplayMessage: e.DisplayMessage,
	}
}

var retryableCodes = map[string]bool{
	CodeInstitutionDown:          true,
	CodeInstitutionNotResponding: true,
	CodeInstitutionNotAvailable:  true,
	CodeInternalServerError:      true,
	CodePlannedMaintenance:       true,
	CodeProductNotReady:          true,
	CodeMutationDuringPagination: true,
}

// IsRetryable classifies err as transient. Anything that is not a typed
// upstream error (connection refused, timeouts, bad gateways without a
// body) is assumed to be network-level and therefore transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return true
	}
	if retryableCodes[apiErr.Code] {
		return true
	}
	switch apiErr.Type {
	case TypeRateLimit, TypeInstitutionError, TypeAPIError:
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
}

// ItemStatusFor maps a permanent upstream error onto the item status it
// implies. ok is false for retryable errors, which leave the item alone.
func ItemStatusFor(err error) (status domain.ItemStatus, info *domain.ItemErrorInfo, ok bool) {
	if err == nil || IsRetryable(err) {
		return "", nil, false
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return "", nil, false
	}
	i := apiErr.Info()
	switch apiErr.Code {
	case CodeUserPermissionRevoked, CodeAccessNotGranted, CodeItemNotFound, CodeInvalidAccessToken:
		return domain.ItemStatusDisabled, &i, true
	default:
		return domain.ItemStatusError, &i, true
	}
}
