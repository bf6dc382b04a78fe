// Package main is the entrypoint for the admin API server. It exposes run
// history, manual run triggers, and single-member diagnostics over HTTP for
// the operations dashboard. Graceful shutdown is handled via OS signal
// interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"renewalhub/internal/api"
	"renewalhub/internal/config"
	"renewalhub/internal/db"
	"renewalhub/internal/external"
	"renewalhub/internal/queue"
	"renewalhub/internal/renewal"
	"renewalhub/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("admin API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	eval, err := renewal.NewEvaluator(cfg.Renewal.Timezone)
	if err != nil {
		return fmt.Errorf("creating evaluator: %w", err)
	}

	overrides, err := renewal.ParseTemplateOverrides(cfg.Renewal.TemplatesJSON)
	if err != nil {
		return fmt.Errorf("parsing template overrides: %w", err)
	}

	var billing renewal.SubscriptionQuerier
	if cfg.Billing.Enabled && cfg.Billing.StripeSecretKey.Unmask() != "" {
		billing = external.NewStripeBilling(
			&http.Client{Timeout: 20 * time.Second},
			external.StripeBillingConfig{
				SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
				BaseURL:   cfg.Billing.StripeAPIBase,
				Logger:    logger,
			},
		)
	}

	var mailer renewal.Mailer
	if cfg.Email.Enabled {
		mailer = external.NewSESMailer(awsCfg, external.SESMailerConfig{
			ConfigSetName: cfg.Email.ConfigSetName,
			Logger:        logger,
		})
	} else {
		logger.Warn("email sending disabled, using stub mailer")
		mailer = external.NewStubMailer(logger)
	}

	runs := db.NewRunRepo(pool)

	orch := renewal.NewOrchestrator(renewal.OrchestratorConfig{
		Detector: renewal.NewStrategyDetector(cfg.Billing.Enabled, billing, logger),
		Eval:     eval,
		Resolver: renewal.NewContentResolver(overrides),
		Members:  db.NewMemberRepo(pool, logger),
		Reminder: db.NewReminderLogRepo(pool),
		Mailer:   mailer,
		Recorder: runs,
		Alerts:   queue.NewAlertPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.OperatorAlertQueue, logger),
		Metrics:  renewal.NewCloudWatchRunMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger),
		From: types.EmailIdentity{
			Address: cfg.Email.FromAddress,
			Name:    cfg.Email.FromName,
		},
		BatchSize:         cfg.Renewal.BatchSize,
		BatchPause:        cfg.Renewal.BatchPause,
		MemoryThresholdMB: cfg.Renewal.MemoryThresholdMB,
		Logger:            logger,
	})

	srv := api.NewServer(api.ServerConfig{
		Runs:     runs,
		Runner:   orch,
		Locker:   db.NewJobLockRepo(pool),
		AdminKey: cfg.Server.AdminAPIKey,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
