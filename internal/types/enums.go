package types

// Strategy classifies who owns a member's renewal lifecycle.
// Derived fresh on every evaluation; never stored or cached across runs,
// because subscription state can change between runs.
type Strategy string

const (
	// StrategyExternal means an active recurring-billing subscription exists
	// and the billing provider drives renewal.
	StrategyExternal Strategy = "externally_managed"
	// StrategyCalendar means no such subscription exists and the service's
	// own calendar logic drives renewal.
	StrategyCalendar Strategy = "calendar_managed"
)

// Outcome is the action the evaluator selects for a member on a given day.
type Outcome string

const (
	OutcomeNoAction   Outcome = "no_action"
	OutcomeNotify     Outcome = "notify"
	OutcomeDeactivate Outcome = "deactivate"
)

// SkipReason explains why a member required no action during a run.
type SkipReason string

const (
	SkipExternallyManaged SkipReason = "externally_managed"
	SkipNoRenewalDate     SkipReason = "no_renewal_date"
	SkipOutsideWindow     SkipReason = "outside_window"
	SkipAlreadyNotified   SkipReason = "already_notified_today"
	SkipNone              SkipReason = ""
)

// MemberStatus is the membership lifecycle label stored on the member record.
type MemberStatus string

const (
	MemberStatusActive      MemberStatus = "active"
	MemberStatusOverdue     MemberStatus = "overdue"
	MemberStatusDeactivated MemberStatus = "deactivated"
)

// RunStatus is the terminal state of a batch run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// MemberAction is the per-member disposition recorded in a run's tallies.
type MemberAction string

const (
	ActionNotified    MemberAction = "notified"
	ActionDeactivated MemberAction = "deactivated"
	ActionSkipped     MemberAction = "skipped"
	ActionErrored     MemberAction = "errored"
)

// ReminderOffsets are the day offsets, renewal date minus today, at which the
// service sends a reminder. The deactivation boundary (-30) is separate.
var ReminderOffsets = []int{30, 14, 7, 0, -7}

// DeactivateOffset is the grace-period boundary: thirty days past the renewal
// date the member is deactivated.
const DeactivateOffset = -30
