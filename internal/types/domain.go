package types

import (
	"time"
)

// Member is the person entity with a tracked membership/renewal lifecycle.
// Created when the person first transacts; the renewal date is mutated by
// order processing or manual admin action. This service never hard-deletes
// members; a separate cleanup job owns deletion after prolonged inactivity.
type Member struct {
	ID              int64        `json:"id" db:"id"`
	Email           string       `json:"email" db:"email"`
	FirstName       string       `json:"first_name" db:"first_name"`
	LastName        string       `json:"last_name" db:"last_name"`
	MembershipLabel string       `json:"membership_label" db:"membership_label"`
	Status          MemberStatus `json:"status" db:"status"`

	// RenewalDate is the end of the member's current membership period,
	// stored as raw text ("2006-01-02") carried over from the legacy store.
	// Empty when the member has never been assigned a renewal date; the
	// evaluator owns parsing and treats malformed values as a typed error.
	RenewalDate string `json:"renewal_date,omitempty" db:"renewal_date"`

	// BillingCustomerID links the member to the recurring-billing provider.
	// Empty when the member has never had a billing customer created.
	BillingCustomerID string `json:"-" db:"billing_customer_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName returns the member's name for message interpolation.
func (m *Member) DisplayName() string {
	if m.FirstName == "" && m.LastName == "" {
		return "Member"
	}
	if m.LastName == "" {
		return m.FirstName
	}
	if m.FirstName == "" {
		return m.LastName
	}
	return m.FirstName + " " + m.LastName
}

// Evaluation is the evaluator's output for a single member on a single day.
type Evaluation struct {
	// DaysUntilRenewal is the signed day offset renewal date minus today,
	// both normalized to midnight in the service's renewal timezone.
	DaysUntilRenewal int        `json:"days_until_renewal"`
	Outcome          Outcome    `json:"outcome"`
	Reason           SkipReason `json:"reason,omitempty"`
}

// MemberError is a per-member failure descriptor recorded in the run's
// aggregate error list. Message is sanitized before storage.
type MemberError struct {
	MemberID int64     `json:"member_id"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
}

// ProcessingResult aggregates the counts of one orchestrator run. It is
// created fresh at the start of the run, mutated only by the single
// orchestrator goroutine, and persisted wholesale at the end for dashboard
// consumption.
type ProcessingResult struct {
	RunID       string        `json:"run_id"`
	Status      RunStatus     `json:"status"`
	Processed   int           `json:"processed"`
	Notified    int           `json:"notified"`
	Deactivated int           `json:"deactivated"`
	Skipped     int           `json:"skipped"`
	Errors      []MemberError `json:"errors,omitempty"`
	DryRun      bool          `json:"dry_run"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// ErrorCount returns the number of per-member failures in the run.
func (r *ProcessingResult) ErrorCount() int {
	return len(r.Errors)
}

// MemberResult is the disposition of a single member within a run, also
// returned directly by the ad-hoc single-member and dry-run entry points.
type MemberResult struct {
	MemberID   int64        `json:"member_id"`
	Strategy   Strategy     `json:"strategy"`
	Evaluation Evaluation   `json:"evaluation"`
	Action     MemberAction `json:"action"`
	Reason     SkipReason   `json:"reason,omitempty"`
	Subject    string       `json:"subject,omitempty"`
	DryRun     bool         `json:"dry_run"`

	// Set only when Action is errored.
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// MessageContent is the resolved subject and body for one reminder send.
type MessageContent struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
}

// MemberFields carries the interpolation values the content resolver
// substitutes into a template.
type MemberFields struct {
	FirstName       string
	LastName        string
	MembershipLabel string
	RenewalDate     string
}

// SendInput is the provider-agnostic outbound email payload.
type SendInput struct {
	To          string
	From        EmailIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}

// EmailIdentity is a sender address with an optional display name.
type EmailIdentity struct {
	Address string
	Name    string
}

// OperatorAlert is the message published when a run fails outside per-member
// error handling. Consumed by the operator alert queue.
type OperatorAlert struct {
	RunID      string    `json:"run_id"`
	Task       string    `json:"task"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
