// Package main is the entrypoint for the renewal worker Lambda function.
//
// The worker is a task multiplexer: the EventBridge schedule and operational
// tooling send JSON payloads naming a task, and the handler routes execution
// to the right service. Consolidating the daily run, single-member
// diagnostics, run archival, and schedule management into one Lambda keeps
// cold starts and infrastructure sprawl down.
//
// Handler flow:
//  1. Parse the worker payload.
//  2. For the daily run, acquire a distributed job lock so a double-fired
//     schedule or an overlapping manual trigger cannot run twice.
//  3. Dispatch on the task and return a human-readable summary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"renewalhub/internal/config"
	"renewalhub/internal/db"
	"renewalhub/internal/external"
	"renewalhub/internal/queue"
	"renewalhub/internal/renewal"
	"renewalhub/internal/schedule"
	"renewalhub/internal/types"
)

const (
	// Task names accepted in the worker payload.
	taskRunDaily       = "run_daily"
	taskRunMember      = "run_member"
	taskArchiveRuns    = "archive_runs"
	taskEnsureSchedule = "ensure_schedule"
	taskRemoveSchedule = "remove_schedule"

	// lockTTL covers the typical run duration with margin.
	lockTTL = 30 * time.Minute

	// archiveBatchSize is the number of expired runs compacted per archive
	// cycle.
	archiveBatchSize = 500
)

// WorkerPayload is the JSON input delivered by the schedule or by tooling.
type WorkerPayload struct {
	Task     string `json:"task"`
	MemberID int64  `json:"member_id,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`

	// ReferenceTime overrides "now" for reproducing historical decisions.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Runner is the orchestrator surface the handler dispatches to.
type Runner interface {
	RunDaily(ctx context.Context, now time.Time, dryRun bool) (*types.ProcessingResult, error)
	RunForMember(ctx context.Context, memberID int64, now time.Time, dryRun bool) (types.MemberResult, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// RunArchiver abstracts run-history compaction.
type RunArchiver interface {
	ArchiveExpired(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int, error)
}

// ScheduleManager abstracts the EventBridge schedule lifecycle.
type ScheduleManager interface {
	EnsureSchedule(ctx context.Context) error
	RemoveSchedule(ctx context.Context) error
}

// Handler holds the dependencies for the worker Lambda handler function.
type Handler struct {
	Runner       Runner
	JobLock      JobLocker
	Archiver     RunArchiver
	Schedules    ScheduleManager
	RunRetention time.Duration
	WorkerID     string
	Logger       *slog.Logger
}

// Handle routes a WorkerPayload to the appropriate service.
func (h *Handler) Handle(ctx context.Context, payload WorkerPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	if payload.ReferenceTime != nil {
		now = *payload.ReferenceTime
	}

	logger.InfoContext(ctx, "worker invoked",
		"task", payload.Task,
		"reference_time", now.UTC().Format(time.RFC3339),
		"dry_run", payload.DryRun,
		"worker_id", h.WorkerID,
	)

	switch payload.Task {
	case taskRunDaily:
		return h.handleRunDaily(ctx, now, payload.DryRun, logger)

	case taskRunMember:
		if payload.MemberID <= 0 {
			return "", fmt.Errorf("task %s requires a positive member_id", payload.Task)
		}
		result, err := h.Runner.RunForMember(ctx, payload.MemberID, now, payload.DryRun)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("member %d: action=%s reason=%s", payload.MemberID, result.Action, result.Reason), nil

	case taskArchiveRuns:
		count, err := h.Archiver.ArchiveExpired(ctx, now, h.RunRetention, archiveBatchSize)
		if err != nil {
			return "", fmt.Errorf("archiving runs: %w", err)
		}
		return fmt.Sprintf("archived %d runs", count), nil

	case taskEnsureSchedule:
		if err := h.Schedules.EnsureSchedule(ctx); err != nil {
			return "", err
		}
		return "daily schedule ensured", nil

	case taskRemoveSchedule:
		if err := h.Schedules.RemoveSchedule(ctx); err != nil {
			return "", err
		}
		return "daily schedule removed", nil

	default:
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

// handleRunDaily takes the daily job lock before running. A dry run skips
// the lock: it has no side effects, and holding the lock would block the
// real run.
func (h *Handler) handleRunDaily(ctx context.Context, now time.Time, dryRun bool, logger *slog.Logger) (string, error) {
	if !dryRun {
		lockID := "renewal_daily:" + now.UTC().Format("2006-01-02")
		acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
		if err != nil {
			return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
				"lock_id", lockID,
			)
			return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
		}
	}

	result, err := h.Runner.RunDaily(ctx, now, dryRun)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("run %s: processed=%d notified=%d deactivated=%d skipped=%d errors=%d",
		result.RunID, result.Processed, result.Notified, result.Deactivated,
		result.Skipped, result.ErrorCount()), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("renewal worker initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	handler, err := buildHandler(cfg, awsCfg, pool, logger)
	if err != nil {
		logger.Error("failed to build handler", "error", err)
		os.Exit(1)
	}

	logger.Info("renewal worker initialized",
		"worker_id", handler.WorkerID,
		"timezone", cfg.Renewal.Timezone,
		"batch_size", cfg.Renewal.BatchSize,
	)

	// Local mode: read a worker payload from stdin instead of starting the
	// Lambda runtime. Usage:
	//   echo '{"task":"run_daily","dry_run":true}' | go run ./cmd/renewal-worker
	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading worker payload from stdin")
		raw, err := io.ReadAll(os.Stdin)
		if err != nil || len(raw) == 0 {
			logger.Error("no payload received on stdin", "error", err)
			os.Exit(1)
		}
		var payload WorkerPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Error("failed to parse worker payload", "error", err)
			os.Exit(1)
		}
		summary, err := handler.Handle(ctx, payload)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		logger.Info("handler execution completed", "summary", summary)
		return
	}

	lambda.Start(handler.Handle)
}

// buildHandler wires the full dependency graph from configuration.
func buildHandler(cfg *config.Config, awsCfg aws.Config, pool *pgxpool.Pool, logger *slog.Logger) (*Handler, error) {
	eval, err := renewal.NewEvaluator(cfg.Renewal.Timezone)
	if err != nil {
		return nil, fmt.Errorf("creating evaluator: %w", err)
	}

	overrides, err := renewal.ParseTemplateOverrides(cfg.Renewal.TemplatesJSON)
	if err != nil {
		return nil, fmt.Errorf("parsing template overrides: %w", err)
	}
	resolver := renewal.NewContentResolver(overrides)

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
	detector := renewal.NewStrategyDetector(cfg.Billing.Enabled, billing, logger)

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

	sqsClient := sqs.NewFromConfig(awsCfg)
	alerts := queue.NewAlertPublisher(sqsClient, cfg.AWS.OperatorAlertQueue, logger)

	cwClient := cloudwatch.NewFromConfig(awsCfg)
	metrics := renewal.NewCloudWatchRunMetrics(cwClient, cfg.AWS.MetricNamespace, logger)

	members := db.NewMemberRepo(pool, logger)
	reminders := db.NewReminderLogRepo(pool)
	runs := db.NewRunRepo(pool)

	orch := renewal.NewOrchestrator(renewal.OrchestratorConfig{
		Detector: detector,
		Eval:     eval,
		Resolver: resolver,
		Members:  members,
		Reminder: reminders,
		Mailer:   mailer,
		Recorder: runs,
		Alerts:   alerts,
		Metrics:  metrics,
		From: types.EmailIdentity{
			Address: cfg.Email.FromAddress,
			Name:    cfg.Email.FromName,
		},
		BatchSize:         cfg.Renewal.BatchSize,
		BatchPause:        cfg.Renewal.BatchPause,
		MemoryThresholdMB: cfg.Renewal.MemoryThresholdMB,
		Logger:            logger,
	})

	schedules := schedule.NewManager(awsCfg, schedule.ManagerConfig{
		ScheduleName: cfg.AWS.ScheduleName,
		GroupName:    cfg.AWS.ScheduleGroup,
		TargetArn:    cfg.AWS.WorkerTargetArn,
		RoleArn:      cfg.AWS.ScheduleRoleArn,
		DeliveryTime: cfg.Renewal.DeliveryTime,
		Timezone:     cfg.Renewal.Timezone,
		Logger:       logger,
	})

	return &Handler{
		Runner:       orch,
		JobLock:      db.NewJobLockRepo(pool),
		Archiver:     db.NewRunArchiver(pool, runs, logger),
		Schedules:    schedules,
		RunRetention: cfg.Renewal.RunRetention,
		WorkerID:     uuid.New().String(),
		Logger:       logger,
	}, nil
}
