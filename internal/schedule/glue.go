// Package schedule manages the EventBridge schedule that fires the daily
// renewal run. Installing the service registers the schedule, uninstalling
// removes it, and changing the configured delivery time updates it in place.
// All operations are idempotent so repeated deploys converge on the same
// schedule.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedtypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"

	"renewalhub/internal/config"
	"renewalhub/internal/types"
)

// SchedulerAPI defines the subset of the EventBridge Scheduler client used
// by Manager. Extracted for testability.
type SchedulerAPI interface {
	GetSchedule(ctx context.Context, params *scheduler.GetScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.GetScheduleOutput, error)
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, params *scheduler.UpdateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
}

// workerPayload is the input delivered to the worker when the schedule fires.
type workerPayload struct {
	Task string `json:"task"`
}

// ManagerConfig holds the schedule identity and target wiring.
type ManagerConfig struct {
	// ScheduleName identifies the schedule within the group.
	ScheduleName string
	// GroupName is the EventBridge schedule group. Empty means "default".
	GroupName string
	// TargetArn is the worker Lambda the schedule invokes.
	TargetArn string
	// RoleArn is the IAM role EventBridge assumes to invoke the target.
	RoleArn string
	// DeliveryTime is the local wall-clock send time in "HH:MM" form.
	DeliveryTime string
	// Timezone is the IANA zone the delivery time is interpreted in.
	Timezone string
	// Logger for schedule operations.
	Logger *slog.Logger
}

// Manager creates, updates, and removes the daily run schedule.
type Manager struct {
	api SchedulerAPI
	cfg ManagerConfig
}

// NewManager creates a Manager from an AWS config.
func NewManager(awsCfg aws.Config, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		api: scheduler.NewFromConfig(awsCfg),
		cfg: cfg,
	}
}

// NewManagerWithAPI creates a Manager with a pre-configured SchedulerAPI.
// Useful for testing with a mock scheduler interface.
func NewManagerWithAPI(api SchedulerAPI, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{api: api, cfg: cfg}
}

// EnsureSchedule converges the daily schedule onto the configured delivery
// time. A missing schedule is created; an existing one is updated in place,
// so calling it twice (or after a delivery time change) never produces a
// duplicate firing.
func (m *Manager) EnsureSchedule(ctx context.Context) error {
	expr, err := m.cronExpression()
	if err != nil {
		return err
	}

	_, err = m.api.GetSchedule(ctx, &scheduler.GetScheduleInput{
		Name:      aws.String(m.cfg.ScheduleName),
		GroupName: m.groupName(),
	})
	if err != nil {
		var notFound *schedtypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return m.wrapSchedulerError("EnsureSchedule.get", err)
		}
		return m.createSchedule(ctx, expr)
	}

	return m.updateSchedule(ctx, expr)
}

// RemoveSchedule deletes the daily schedule. Deleting a schedule that does
// not exist is a no-op.
func (m *Manager) RemoveSchedule(ctx context.Context) error {
	_, err := m.api.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{
		Name:      aws.String(m.cfg.ScheduleName),
		GroupName: m.groupName(),
	})
	if err != nil {
		var notFound *schedtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return m.wrapSchedulerError("RemoveSchedule", err)
	}

	m.cfg.Logger.InfoContext(ctx, "removed daily schedule",
		"schedule", m.cfg.ScheduleName,
	)
	return nil
}

func (m *Manager) createSchedule(ctx context.Context, expr string) error {
	target, err := m.target()
	if err != nil {
		return err
	}

	_, err = m.api.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:                       aws.String(m.cfg.ScheduleName),
		GroupName:                  m.groupName(),
		ScheduleExpression:         aws.String(expr),
		ScheduleExpressionTimezone: aws.String(m.cfg.Timezone),
		FlexibleTimeWindow: &schedtypes.FlexibleTimeWindow{
			Mode: schedtypes.FlexibleTimeWindowModeOff,
		},
		Target: target,
	})
	if err != nil {
		// A concurrent EnsureSchedule can win the create race; the
		// schedule exists either way.
		var conflict *schedtypes.ConflictException
		if errors.As(err, &conflict) {
			return m.updateSchedule(ctx, expr)
		}
		return m.wrapSchedulerError("EnsureSchedule.create", err)
	}

	m.cfg.Logger.InfoContext(ctx, "created daily schedule",
		"schedule", m.cfg.ScheduleName,
		"expression", expr,
		"timezone", m.cfg.Timezone,
	)
	return nil
}

func (m *Manager) updateSchedule(ctx context.Context, expr string) error {
	target, err := m.target()
	if err != nil {
		return err
	}

	_, err = m.api.UpdateSchedule(ctx, &scheduler.UpdateScheduleInput{
		Name:                       aws.String(m.cfg.ScheduleName),
		GroupName:                  m.groupName(),
		ScheduleExpression:         aws.String(expr),
		ScheduleExpressionTimezone: aws.String(m.cfg.Timezone),
		FlexibleTimeWindow: &schedtypes.FlexibleTimeWindow{
			Mode: schedtypes.FlexibleTimeWindowModeOff,
		},
		Target: target,
	})
	if err != nil {
		return m.wrapSchedulerError("EnsureSchedule.update", err)
	}

	m.cfg.Logger.InfoContext(ctx, "updated daily schedule",
		"schedule", m.cfg.ScheduleName,
		"expression", expr,
		"timezone", m.cfg.Timezone,
	)
	return nil
}

func (m *Manager) target() (*schedtypes.Target, error) {
	payload, err := json.Marshal(workerPayload{Task: "run_daily"})
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to encode schedule target payload",
			err,
		)
	}
	return &schedtypes.Target{
		Arn:     aws.String(m.cfg.TargetArn),
		RoleArn: aws.String(m.cfg.RoleArn),
		Input:   aws.String(string(payload)),
	}, nil
}

// cronExpression translates the "HH:MM" delivery time into an EventBridge
// cron expression firing once a day.
func (m *Manager) cronExpression() (string, error) {
	hour, minute, err := config.ParseTimeOfDay(m.cfg.DeliveryTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cron(%d %d * * ? *)", minute, hour), nil
}

func (m *Manager) groupName() *string {
	if m.cfg.GroupName == "" {
		return nil
	}
	return aws.String(m.cfg.GroupName)
}

func (m *Manager) wrapSchedulerError(operation string, err error) error {
	if appErr, ok := err.(*types.AppError); ok {
		return appErr
	}
	return types.NewAppError(
		types.ErrCodeUpstreamScheduler,
		fmt.Sprintf("%s: EventBridge Scheduler request failed: %v", operation, err),
		err,
	)
}
