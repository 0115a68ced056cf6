package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/service"
)

// FeedbackSubmitter applies a reviewer's verdict on a match.
type FeedbackSubmitter interface {
	Submit(ctx context.Context, req service.FeedbackRequest) (*service.FeedbackResult, error)
}

// FeedbackHandler handles match review endpoints.
type FeedbackHandler struct {
	submitter FeedbackSubmitter
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(submitter FeedbackSubmitter) *FeedbackHandler {
	return &FeedbackHandler{submitter: submitter}
}

// feedbackBody is the request body of a review; the match comes from the path.
type feedbackBody struct {
	WasCorrect     *bool  `json:"was_correct" binding:"required"`
	UserID         string `json:"user_id"`
	UserCorrection string `json:"user_correction"`
}

// Submit handles POST /api/v1/matches/:id/feedback.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *FeedbackHandler) Submit(c *gin.Context) {
	var body feedbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	res, err := h.submitter.Submit(c.Request.Context(), service.FeedbackRequest{
		MatchID:            c.Param("id"),
		WasCorrect:         *body.WasCorrect,
		UserID:             body.UserID,
		CorrectedReceiptID: body.UserCorrection,
	})
	if err != nil {
		c.JSON(feedbackStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, res)
}

func feedbackStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMatchAlreadyFinal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidCorrection), errors.Is(err, domain.ErrUnknownOrgReceipt):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
