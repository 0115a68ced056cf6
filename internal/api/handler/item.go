package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/repository"
)

// RefreshScheduler enqueues full refreshes.
type RefreshScheduler interface {
	ScheduleFullRefresh(ctx context.Context, itemID, reason, requestedBy string) (*domain.SyncJob, bool, error)
}

// JobLister lists sync jobs.
type JobLister interface {
	List(ctx context.Context, f repository.JobFilter) ([]domain.SyncJob, error)
}

// ItemHandler handles per-item sync endpoints.
type ItemHandler struct {
	scheduler RefreshScheduler
	jobs      JobLister
}

// NewItemHandler creates a new item handler.
// Parameters:
//   - scheduler: schedules full refresh jobs.
//   - jobs: job store used for listing.
// Returns:
//   - *ItemHandler: initialized handler.
func NewItemHandler(scheduler RefreshScheduler, jobs JobLister) *ItemHandler {
	return &ItemHandler{
		scheduler: scheduler,
		jobs:      jobs,
	}
}

type refreshBody struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// Refresh handles POST /api/v1/items/:id/refresh.
// Responds 202 when a job was created and 200 when an equivalent job was
// already pending.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ItemHandler) Refresh(c *gin.Context) {
	var body refreshBody
	// An empty body is allowed.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}

	job, created, err := h.scheduler.ScheduleFullRefresh(c.Request.Context(), c.Param("id"), body.Reason, body.RequestedBy)
	switch {
	case errors.Is(err, domain.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrItemDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule refresh: " + err.Error()})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"job":     job,
		"created": created,
	})
}

// ListJobs handles GET /api/v1/items/:id/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ItemHandler) ListJobs(c *gin.Context) {
	filter := repository.JobFilter{
		ItemID: c.Param("id"),
		Status: domain.JobStatus(c.Query("status")),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		filter.Limit = n
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}
