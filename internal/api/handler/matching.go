package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/learning"
	"github.com/timmy/ledgerlink/internal/service"
)

// defaultMetricsDays is the metrics lookback when ?days is not given.
const defaultMetricsDays = 30

// MatchingAdvisor exposes per-organization matching performance and
// learned configuration.
type MatchingAdvisor interface {
	Suggest(ctx context.Context, orgID string) (*service.Advice, error)
	Apply(ctx context.Context, orgID, appliedBy string) (*service.ApplyResult, error)
	Metrics(ctx context.Context, orgID string, since time.Time) (learning.Metrics, error)
	Rules(orgID string, refresh bool) []domain.MatchingRule
	Patterns(ctx context.Context, orgID string) ([]domain.LearningPattern, error)
}

// MatchingHandler handles matching metrics and config endpoints.
type MatchingHandler struct {
	advisor MatchingAdvisor
	now     func() time.Time
}

// NewMatchingHandler creates a new matching handler.
func NewMatchingHandler(advisor MatchingAdvisor) *MatchingHandler {
	return &MatchingHandler{
		advisor: advisor,
		now:     time.Now,
	}
}

// Metrics handles GET /api/v1/orgs/:org/matching/metrics.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *MatchingHandler) Metrics(c *gin.Context) {
	days := defaultMetricsDays
	if d := c.Query("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	metrics, err := h.advisor.Metrics(c.Request.Context(), c.Param("org"), h.now().AddDate(0, 0, -days))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute metrics: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// Suggestion handles GET /api/v1/orgs/:org/matching/suggestion.
func (h *MatchingHandler) Suggestion(c *gin.Context) {
	advice, err := h.advisor.Suggest(c.Request.Context(), c.Param("org"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute suggestion: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, advice)
}

type applyBody struct {
	AppliedBy string `json:"applied_by" binding:"required"`
}

// Apply handles POST /api/v1/orgs/:org/matching/config/apply.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *MatchingHandler) Apply(c *gin.Context) {
	var body applyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	res, err := h.advisor.Apply(c.Request.Context(), c.Param("org"), body.AppliedBy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply config: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Rules handles GET /api/v1/orgs/:org/matching/rules. ?refresh=true
// regenerates the rules from current merchant patterns.
func (h *MatchingHandler) Rules(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	rules := h.advisor.Rules(c.Param("org"), refresh)
	if rules == nil {
		rules = []domain.MatchingRule{}
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"total": len(rules),
	})
}

// Patterns handles GET /api/v1/orgs/:org/matching/patterns.
func (h *MatchingHandler) Patterns(c *gin.Context) {
	patterns, err := h.advisor.Patterns(c.Request.Context(), c.Param("org"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load patterns: " + err.Error()})
		return
	}
	if patterns == nil {
		patterns = []domain.LearningPattern{}
	}
	c.JSON(http.StatusOK, gin.H{
		"patterns": patterns,
		"total":    len(patterns),
	})
}
