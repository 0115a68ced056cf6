package domain

import "errors"

var (
	ErrItemNotFound      = errors.New("item not found")
	ErrMatchNotFound     = errors.New("match not found")
	ErrMatchAlreadyFinal = errors.New("match already reviewed")
	ErrJobNotClaimable   = errors.New("job is not claimable")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedWebhook  = errors.New("malformed webhook payload")
	ErrItemDisabled      = errors.New("item is disabled")
	ErrInvalidCorrection = errors.New("invalid match correction")
	ErrUnknownOrgReceipt = errors.New("receipt does not belong to the transaction's organization")
)
