package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/ledgerlink/internal/api"
	"github.com/timmy/ledgerlink/internal/app"
	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/logger"
	"golang.org/x/sync/errgroup"
)

// startupReplayLimit bounds the webhook events recovered before serving.
const startupReplayLimit = 500

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := app.NewLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(appLog.WithContext(ctx), "main")

	if err := run(ctx, cfg, appLog); err != nil {
		logger.CtxError(ctx, "Server exited with error: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.CtxInfo(ctx, "Server exited")
}

func run(ctx context.Context, cfg *config.Config, appLog *logger.Logger) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.CtxError(ctx, "Shutdown cleanup failed: %v", err)
		}
	}()

	// Nothing is in flight yet, so every open event was left by a previous run.
	if _, err := a.Webhooks.Replay(ctx, time.Now().UTC(), startupReplayLimit); err != nil {
		logger.CtxWarn(ctx, "Startup webhook replay failed: %v", err)
	}

	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	router := api.SetupRouter(api.Services{
		DB:       sqlDB,
		Webhooks: a.Webhooks,
		Feedback: a.Feedback,
		Refresh:  a.Scheduler,
		Jobs:     a.Jobs,
		Advisor:  a.Advisor,
	}, cfg.Server, cfg.Webhook, appLog)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.With(logger.Fields{"port": cfg.Server.Port, "mode": cfg.Server.Mode}).
			Info(gctx, "Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.Engine.Run(logger.SetComponent(gctx, "learning"), cfg.Learning.FlushInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.CtxInfo(ctx, "Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
