// Package renewal implements the membership renewal lifecycle: deciding per
// member whether the billing provider or this service owns renewal, evaluating
// each member's renewal window, resolving reminder content, and driving the
// daily batch over the member store.
package renewal

import (
	"fmt"
	"time"

	"renewalhub/internal/types"
)

// renewalDateLayouts are the accepted stored formats, most common first.
// The legacy store wrote bare dates; some rows carry full timestamps.
var renewalDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Evaluator computes a member's renewal window from the stored renewal date.
// All day-offset arithmetic happens in one fixed zone so that a DST shift can
// never move a member across a reminder boundary.
type Evaluator struct {
	loc *time.Location
}

// NewEvaluator creates an Evaluator pinned to the given IANA timezone name.
func NewEvaluator(timezone string) (*Evaluator, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid renewal timezone %q", timezone),
			err,
		)
	}
	return &Evaluator{loc: loc}, nil
}

// Location returns the evaluator's fixed zone. Used by the content resolver
// to format renewal dates consistently with the offset arithmetic.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Evaluate computes the signed day offset between the stored renewal date and
// today, both normalized to midnight in the evaluator's fixed zone, and maps
// it to an outcome:
//
//	offset == -30              -> Deactivate
//	offset in {30, 14, 7, 0, -7} -> Notify
//	anything else              -> NoAction
//
// The mapping is exact; there is no snapping to the closest interval. An
// empty stored date yields NoAction with reason no_renewal_date. A malformed
// stored date returns a validation_invalid_renewal_date error; callers
// recover it as "no renewal date" and log a warning.
func (e *Evaluator) Evaluate(renewalDate string, today time.Time) (types.Evaluation, error) {
	if renewalDate == "" {
		return types.Evaluation{
			Outcome: types.OutcomeNoAction,
			Reason:  types.SkipNoRenewalDate,
		}, nil
	}

	renewal, err := e.parseStoredDate(renewalDate)
	if err != nil {
		return types.Evaluation{}, err
	}

	offset := e.daysBetween(today, renewal)

	eval := types.Evaluation{DaysUntilRenewal: offset}
	switch {
	case offset == types.DeactivateOffset:
		eval.Outcome = types.OutcomeDeactivate
	case isReminderOffset(offset):
		eval.Outcome = types.OutcomeNotify
	default:
		eval.Outcome = types.OutcomeNoAction
		eval.Reason = types.SkipOutsideWindow
	}

	return eval, nil
}

// parseStoredDate parses a raw stored renewal date in the evaluator's zone.
func (e *Evaluator) parseStoredDate(raw string) (time.Time, error) {
	for _, layout := range renewalDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, e.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, types.NewAppError(
		types.ErrCodeValidationInvalidRenewalDate,
		fmt.Sprintf("unparseable renewal date %q", raw),
		nil,
	)
}

// daysBetween returns the number of whole calendar days from 'from' to 'to'
// in the evaluator's zone. Both instants are reduced to their civil date
// before subtracting, in UTC, so the result is immune to the 23- and 25-hour
// days around DST transitions.
func (e *Evaluator) daysBetween(from, to time.Time) int {
	fy, fm, fd := from.In(e.loc).Date()
	ty, tm, td := to.In(e.loc).Date()

	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)

	return int(b.Sub(a) / (24 * time.Hour))
}

// isReminderOffset reports whether offset is one of the recognized reminder
// boundaries.
func isReminderOffset(offset int) bool {
	for _, o := range types.ReminderOffsets {
		if o == offset {
			return true
		}
	}
	return false
}
