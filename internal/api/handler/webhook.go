package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
)

// maxWebhookBody bounds the notification body read into memory.
const maxWebhookBody = 1 << 20

// WebhookReceiver records and dispatches a raw aggregator notification.
type WebhookReceiver interface {
	Handle(ctx context.Context, raw []byte, signature, deliveryID string) (*domain.WebhookEvent, error)
}

// WebhookHandler handles inbound aggregator notifications.
type WebhookHandler struct {
	receiver         WebhookReceiver
	signatureHeader  string
	deliveryIDHeader string
}

// NewWebhookHandler creates a new webhook handler.
// Parameters:
//   - receiver: webhook service that verifies and dispatches events.
//   - signatureHeader: request header carrying the body signature.
//   - deliveryIDHeader: request header carrying the sender's delivery id.
// Returns:
//   - *WebhookHandler: initialized handler.
func NewWebhookHandler(receiver WebhookReceiver, signatureHeader, deliveryIDHeader string) *WebhookHandler {
	return &WebhookHandler{
		receiver:         receiver,
		signatureHeader:  signatureHeader,
		deliveryIDHeader: deliveryIDHeader,
	}
}

// Receive handles POST /webhooks/aggregator.
// Every recorded notification is acknowledged with 200, including malformed
// ones and ones whose processing failed for good. The aggregator only sees
// an error when the signature is wrong, or when the store was unavailable
// and the event is still open, which makes it redeliver.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WebhookHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Failed to read body: " + err.Error()})
		return
	}

	ev, err := h.receiver.Handle(ctx, raw, c.GetHeader(h.signatureHeader), c.GetHeader(h.deliveryIDHeader))
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrMalformedWebhook):
		logger.CtxWarn(ctx, "Malformed webhook acknowledged: %v", err)
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":  ev.ID,
		"processed": ev.Processed,
		"result":    ev.Result,
	})
}
