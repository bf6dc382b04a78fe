package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"renewalhub/internal/types"
)

// DefaultBatchSize bounds the member page fetched per iteration. Pages keep
// peak memory bounded regardless of how large the member base grows.
const DefaultBatchSize = 100

// MemberStore abstracts the member store operations the orchestrator needs.
type MemberStore interface {
	// ListMembersPage returns up to limit non-deactivated members with
	// ID > afterID, in ascending ID order.
	ListMembersPage(ctx context.Context, afterID int64, limit int) ([]types.Member, error)

	// GetMember returns the member by ID, or nil when absent.
	GetMember(ctx context.Context, id int64) (*types.Member, error)

	// MarkOverdue sets the member's status label to overdue.
	MarkOverdue(ctx context.Context, id int64) error

	// Deactivate sets the member's status to deactivated and revokes the
	// member role. The write is per-member; no transaction spans members.
	Deactivate(ctx context.Context, id int64, now time.Time) error
}

// ReminderLog abstracts the per-member-per-offset "last notified" marker that
// makes a second invocation on the same calendar day a no-op.
type ReminderLog interface {
	// AlreadyNotified reports whether a reminder for this offset was sent
	// to the member on the given civil day ("2006-01-02").
	AlreadyNotified(ctx context.Context, memberID int64, offset int, day string) (bool, error)

	// RecordNotified marks the reminder for this offset as sent on the day.
	RecordNotified(ctx context.Context, memberID int64, offset int, day string) error
}

// Mailer abstracts the mail transport. Fire-and-forget: the provider message
// ID is the only delivery signal.
type Mailer interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// RunRecorder persists the aggregate result once at the end of a run.
type RunRecorder interface {
	SaveResult(ctx context.Context, result *types.ProcessingResult) error
}

// AlertPublisher delivers operator notifications for run-level failures.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert types.OperatorAlert) error
}

// RunMetrics emits per-run counters. Implementations must not fail the run.
type RunMetrics interface {
	RecordRun(ctx context.Context, result *types.ProcessingResult, duration time.Duration)
}

// Orchestrator drives the daily batch: it pages through members in ascending
// ID order, applies the detector and evaluator to each, sends reminders or
// deactivates, and aggregates a ProcessingResult.
//
// Processing is strictly sequential; the only shared mutable state is the
// run's ProcessingResult, written by this single goroutine.
type Orchestrator struct {
	detector *StrategyDetector
	eval     *Evaluator
	resolver *ContentResolver

	members  MemberStore
	log      ReminderLog
	mailer   Mailer
	recorder RunRecorder
	alerts   AlertPublisher
	metrics  RunMetrics

	from         types.EmailIdentity
	batchSize    int
	batchPause   time.Duration
	memThreshold uint64 // bytes; 0 disables the check

	logger  *slog.Logger
	sleepFn func(time.Duration)
}

// OrchestratorConfig holds the dependencies for creating an Orchestrator.
type OrchestratorConfig struct {
	Detector *StrategyDetector
	Eval     *Evaluator
	Resolver *ContentResolver

	Members  MemberStore
	Reminder ReminderLog
	Mailer   Mailer
	Recorder RunRecorder
	Alerts   AlertPublisher
	Metrics  RunMetrics

	From              types.EmailIdentity
	BatchSize         int
	BatchPause        time.Duration
	MemoryThresholdMB int

	Logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator with the given configuration.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Orchestrator{
		detector:     cfg.Detector,
		eval:         cfg.Eval,
		resolver:     cfg.Resolver,
		members:      cfg.Members,
		log:          cfg.Reminder,
		mailer:       cfg.Mailer,
		recorder:     cfg.Recorder,
		alerts:       cfg.Alerts,
		metrics:      cfg.Metrics,
		from:         cfg.From,
		batchSize:    batchSize,
		batchPause:   cfg.BatchPause,
		memThreshold: uint64(cfg.MemoryThresholdMB) * 1024 * 1024,
		logger:       logger,
		sleepFn:      time.Sleep,
	}
}

// RunDaily executes one full pass over the member base.
//
// Per-member failures (including panics) are caught, recorded in the result's
// error list with a sanitized message, and never abort the batch. A failure
// outside per-member handling, such as the page fetch itself, aborts the run:
// the result is marked failed, persisted with whatever was counted so far,
// and an operator alert is published.
//
// The returned result is also persisted wholesale for dashboard consumption.
// Re-running on the same day reproduces every classification decision; the
// reminder log additionally suppresses duplicate sends within the day.
func (o *Orchestrator) RunDaily(ctx context.Context, now time.Time, dryRun bool) (*types.ProcessingResult, error) {
	result := &types.ProcessingResult{
		RunID:     uuid.New().String(),
		Status:    types.RunStatusSuccess,
		DryRun:    dryRun,
		StartedAt: now,
	}

	o.logger.InfoContext(ctx, "daily renewal run starting",
		"run_id", result.RunID,
		"dry_run", dryRun,
		"batch_size", o.batchSize,
	)

	var afterID int64
	for {
		page, err := o.members.ListMembersPage(ctx, afterID, o.batchSize)
		if err != nil {
			return o.failRun(ctx, result, now, fmt.Errorf("fetching member page after id %d: %w", afterID, err))
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			member := &page[i]
			mr := o.safeProcessMember(ctx, member, now, dryRun)
			o.tally(result, mr)
			afterID = member.ID

			o.checkMemoryPressure(ctx)
		}

		if len(page) < o.batchSize {
			break
		}
		if o.batchPause > 0 {
			o.sleepFn(o.batchPause)
		}
	}

	result.FinishedAt = time.Now().UTC()
	if err := o.recorder.SaveResult(ctx, result); err != nil {
		// The run itself succeeded; the dashboard just misses this cycle.
		o.logger.ErrorContext(ctx, "failed to persist run result",
			"run_id", result.RunID,
			"error", err,
		)
	}
	if o.metrics != nil {
		o.metrics.RecordRun(ctx, result, result.FinishedAt.Sub(result.StartedAt))
	}

	o.logger.InfoContext(ctx, "daily renewal run complete",
		"run_id", result.RunID,
		"processed", result.Processed,
		"notified", result.Notified,
		"deactivated", result.Deactivated,
		"skipped", result.Skipped,
		"errors", result.ErrorCount(),
	)

	return result, nil
}

// RunForMember is the ad-hoc entry point: it runs the same classification,
// evaluation, and resolution for a single member. With dryRun set, sends,
// deactivation, and marker writes are suppressed and only the decision is
// returned.
func (o *Orchestrator) RunForMember(ctx context.Context, memberID int64, now time.Time, dryRun bool) (types.MemberResult, error) {
	member, err := o.members.GetMember(ctx, memberID)
	if err != nil {
		return types.MemberResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to load member", err)
	}
	if member == nil {
		return types.MemberResult{}, types.NewAppError(
			types.ErrCodeNotFoundMember,
			fmt.Sprintf("member %d not found", memberID),
			nil,
		)
	}
	mr := o.safeProcessMember(ctx, member, now, dryRun)
	return mr, nil
}

// failRun finalizes a run aborted by a failure outside per-member handling.
func (o *Orchestrator) failRun(ctx context.Context, result *types.ProcessingResult, now time.Time, cause error) (*types.ProcessingResult, error) {
	result.Status = types.RunStatusFailed
	result.FinishedAt = time.Now().UTC()

	o.logger.ErrorContext(ctx, "daily renewal run aborted",
		"run_id", result.RunID,
		"processed_before_abort", result.Processed,
		"error", cause,
	)

	if err := o.recorder.SaveResult(ctx, result); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist aborted run result",
			"run_id", result.RunID,
			"error", err,
		)
	}

	if o.alerts != nil {
		alert := types.OperatorAlert{
			RunID:      result.RunID,
			Task:       "renewal_daily",
			Message:    cause.Error(),
			OccurredAt: now,
		}
		if err := o.alerts.PublishAlert(ctx, alert); err != nil {
			o.logger.ErrorContext(ctx, "failed to publish operator alert",
				"run_id", result.RunID,
				"error", err,
			)
		}
	}

	return result, types.NewAppError(types.ErrCodeRunFailed, "daily renewal run aborted", cause)
}

// tally folds one member result into the aggregate.
func (o *Orchestrator) tally(result *types.ProcessingResult, mr types.MemberResult) {
	result.Processed++
	switch mr.Action {
	case types.ActionNotified:
		result.Notified++
	case types.ActionDeactivated:
		result.Deactivated++
	case types.ActionSkipped:
		result.Skipped++
	case types.ActionErrored:
		result.Errors = append(result.Errors, types.MemberError{
			MemberID: mr.MemberID,
			Code:     mr.ErrorCode,
			Message:  mr.ErrorMessage,
		})
	}
}

// safeProcessMember wraps processMember with panic isolation so that one
// member's failure can never abort the batch.
func (o *Orchestrator) safeProcessMember(ctx context.Context, member *types.Member, now time.Time, dryRun bool) (mr types.MemberResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "panic while processing member",
				"member_id", member.ID,
				"panic", fmt.Sprint(r),
			)
			mr = memberError(member.ID, types.NewAppError(
				types.ErrCodeMemberProcessingFailed,
				fmt.Sprintf("panic while processing member %d", member.ID),
				nil,
			), dryRun)
		}
	}()
	return o.processMember(ctx, member, now, dryRun)
}

// processMember drives the per-member state machine:
//
//	classify -> externally managed       -> skipped
//	         -> calendar managed -> evaluate
//	              -> no action           -> skipped
//	              -> notify(offset)      -> resolve -> send -> notified
//	              -> deactivate          -> final notice -> revoke -> deactivated
func (o *Orchestrator) processMember(ctx context.Context, member *types.Member, now time.Time, dryRun bool) types.MemberResult {
	mr := types.MemberResult{MemberID: member.ID, DryRun: dryRun}

	// Step 1: ownership.
	mr.Strategy = o.detector.Classify(ctx, member)
	if mr.Strategy == types.StrategyExternal {
		mr.Action = types.ActionSkipped
		mr.Reason = types.SkipExternallyManaged
		return mr
	}

	// Step 2: renewal window.
	eval, err := o.eval.Evaluate(member.RenewalDate, now)
	if err != nil {
		// Malformed stored date: treated as "no renewal date", warned, skipped.
		o.logger.WarnContext(ctx, "invalid stored renewal date",
			"member_id", member.ID,
			"renewal_date", member.RenewalDate,
			"error", err,
		)
		mr.Action = types.ActionSkipped
		mr.Reason = types.SkipNoRenewalDate
		return mr
	}
	mr.Evaluation = eval

	switch eval.Outcome {
	case types.OutcomeNoAction:
		mr.Action = types.ActionSkipped
		mr.Reason = eval.Reason
		return mr

	case types.OutcomeNotify:
		return o.notifyMember(ctx, member, eval.DaysUntilRenewal, now, mr, dryRun)

	case types.OutcomeDeactivate:
		return o.deactivateMember(ctx, member, now, mr, dryRun)

	default:
		return memberError(member.ID, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown outcome %q for member %d", eval.Outcome, member.ID),
			nil,
		), dryRun)
	}
}

// notifyMember resolves and sends the reminder for the offset, suppressing
// same-day duplicates via the reminder log.
func (o *Orchestrator) notifyMember(ctx context.Context, member *types.Member, offset int, now time.Time, mr types.MemberResult, dryRun bool) types.MemberResult {
	day := o.civilDay(now)

	sent, err := o.log.AlreadyNotified(ctx, member.ID, offset, day)
	if err != nil {
		return memberError(member.ID, types.NewAppError(
			types.ErrCodeInternalDB,
			fmt.Sprintf("reminder log lookup failed for member %d", member.ID),
			err,
		), dryRun)
	}
	if sent {
		mr.Action = types.ActionSkipped
		mr.Reason = types.SkipAlreadyNotified
		return mr
	}

	content := o.resolver.Resolve(offset, o.fieldsFor(member))
	mr.Subject = content.Subject

	if dryRun {
		mr.Action = types.ActionNotified
		return mr
	}

	if _, err := o.mailer.Send(ctx, o.sendInput(member, content)); err != nil {
		o.logger.ErrorContext(ctx, "reminder send failed",
			"member_id", member.ID,
			"offset_days", offset,
			"error", err,
		)
		return memberError(member.ID, types.NewAppError(
			types.ErrCodeNotificationSendFailed,
			fmt.Sprintf("reminder send failed for member %d at offset %d", member.ID, offset),
			err,
		), dryRun)
	}

	if err := o.log.RecordNotified(ctx, member.ID, offset, day); err != nil {
		// The send already happened; a marker miss only risks a duplicate
		// on a same-day re-run.
		o.logger.WarnContext(ctx, "failed to record reminder marker",
			"member_id", member.ID,
			"offset_days", offset,
			"error", err,
		)
	}

	// A member a week past the renewal date is overdue; keep the stored
	// status label in step with the grace period.
	if offset == -7 && member.Status != types.MemberStatusOverdue {
		if err := o.members.MarkOverdue(ctx, member.ID); err != nil {
			o.logger.WarnContext(ctx, "failed to mark member overdue",
				"member_id", member.ID,
				"error", err,
			)
		}
	}

	mr.Action = types.ActionNotified
	return mr
}

// deactivateMember sends the final notice and revokes the member's access.
// A failed final notice is recorded but does not block the deactivation;
// the grace period is already spent.
func (o *Orchestrator) deactivateMember(ctx context.Context, member *types.Member, now time.Time, mr types.MemberResult, dryRun bool) types.MemberResult {
	content := o.resolver.Resolve(types.DeactivateOffset, o.fieldsFor(member))
	mr.Subject = content.Subject

	if dryRun {
		mr.Action = types.ActionDeactivated
		return mr
	}

	if _, err := o.mailer.Send(ctx, o.sendInput(member, content)); err != nil {
		o.logger.ErrorContext(ctx, "final notice send failed, deactivating anyway",
			"member_id", member.ID,
			"error", err,
		)
	}

	if err := o.members.Deactivate(ctx, member.ID, now); err != nil {
		return memberError(member.ID, types.NewAppError(
			types.ErrCodeMemberProcessingFailed,
			fmt.Sprintf("deactivation failed for member %d", member.ID),
			err,
		), dryRun)
	}

	mr.Action = types.ActionDeactivated
	return mr
}

// fieldsFor builds the interpolation fields for the member, formatting the
// renewal date in the evaluator's fixed zone.
func (o *Orchestrator) fieldsFor(member *types.Member) types.MemberFields {
	formatted := member.RenewalDate
	for _, layout := range renewalDateLayouts {
		if t, err := time.ParseInLocation(layout, member.RenewalDate, o.eval.Location()); err == nil {
			formatted = t.Format("January 2, 2006")
			break
		}
	}
	return types.MemberFields{
		FirstName:       member.FirstName,
		LastName:        member.LastName,
		MembershipLabel: member.MembershipLabel,
		RenewalDate:     formatted,
	}
}

// sendInput assembles the outbound mail payload for the member.
func (o *Orchestrator) sendInput(member *types.Member, content types.MessageContent) types.SendInput {
	return types.SendInput{
		To:          member.Email,
		From:        o.from,
		Subject:     content.Subject,
		BodyHTML:    content.BodyHTML,
		ReferenceID: fmt.Sprintf("member-%d", member.ID),
	}
}

// civilDay formats the instant as a calendar day in the evaluator's zone.
func (o *Orchestrator) civilDay(now time.Time) string {
	return now.In(o.eval.Location()).Format("2006-01-02")
}

// checkMemoryPressure runs between members: if the heap exceeds the
// configured threshold, drop what the runtime will give back and warn.
// The run is never aborted on memory pressure.
func (o *Orchestrator) checkMemoryPressure(ctx context.Context) {
	if o.memThreshold == 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > o.memThreshold {
		o.logger.WarnContext(ctx, "memory threshold exceeded during run, forcing collection",
			"heap_alloc_mb", ms.HeapAlloc/(1024*1024),
			"threshold_mb", o.memThreshold/(1024*1024),
		)
		runtime.GC()
	}
}

// memberError builds an errored MemberResult from an AppError.
func memberError(memberID int64, appErr *types.AppError, dryRun bool) types.MemberResult {
	return types.MemberResult{
		MemberID:     memberID,
		Action:       types.ActionErrored,
		ErrorCode:    appErr.Code,
		ErrorMessage: types.SanitizedMessage(appErr),
		DryRun:       dryRun,
	}
}
