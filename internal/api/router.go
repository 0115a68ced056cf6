package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/ledgerlink/internal/api/handler"
	"github.com/timmy/ledgerlink/internal/api/middleware"
	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/logger"
)

// Services are the backends the HTTP surface is routed to.
type Services struct {
	DB       handler.Pinger
	Webhooks handler.WebhookReceiver
	Feedback handler.FeedbackSubmitter
	Refresh  handler.RefreshScheduler
	Jobs     handler.JobLister
	Advisor  handler.MatchingAdvisor
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	svc Services,
	serverCfg config.ServerConfig,
	webhookCfg config.WebhookConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch serverCfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  serverCfg.CORS.AllowedOrigins,
		AllowAllOrigins: serverCfg.CORS.AllowAllOrigins,
		ExtraHeaders:    nonEmpty(webhookCfg.SignatureHeader, webhookCfg.DeliveryIDHeader),
	}))

	healthHandler := handler.NewHealthHandler(svc.DB)
	webhookHandler := handler.NewWebhookHandler(svc.Webhooks, webhookCfg.SignatureHeader, webhookCfg.DeliveryIDHeader)
	feedbackHandler := handler.NewFeedbackHandler(svc.Feedback)
	itemHandler := handler.NewItemHandler(svc.Refresh, svc.Jobs)
	matchingHandler := handler.NewMatchingHandler(svc.Advisor)

	r.GET("/health", healthHandler.Health)

	r.POST("/webhooks/aggregator", webhookHandler.Receive)

	v1 := r.Group("/api/v1")
	{
		// Review
		v1.POST("/matches/:id/feedback", feedbackHandler.Submit)

		// Items
		v1.POST("/items/:id/refresh", itemHandler.Refresh)
		v1.GET("/items/:id/jobs", itemHandler.ListJobs)

		// Matching
		org := v1.Group("/orgs/:org/matching")
		org.GET("/metrics", matchingHandler.Metrics)
		org.GET("/suggestion", matchingHandler.Suggestion)
		org.POST("/config/apply", matchingHandler.Apply)
		org.GET("/rules", matchingHandler.Rules)
		org.GET("/patterns", matchingHandler.Patterns)
	}

	return r
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
