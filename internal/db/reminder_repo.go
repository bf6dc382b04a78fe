package db

import (
	"context"

	"renewalhub/internal/types"
)

// ReminderLogRepo records which reminder offsets were sent to which members
// on which calendar day. It implements the renewal.ReminderLog interface and
// is what makes a second invocation of the daily run on the same day a no-op
// for sends.
type ReminderLogRepo struct {
	db DBTX
}

// NewReminderLogRepo creates a ReminderLogRepo backed by the given
// connection (pool or transaction).
func NewReminderLogRepo(db DBTX) *ReminderLogRepo {
	return &ReminderLogRepo{db: db}
}

// AlreadyNotified reports whether a reminder for this offset was sent to the
// member on the given civil day ("2006-01-02").
func (r *ReminderLogRepo) AlreadyNotified(ctx context.Context, memberID int64, offset int, day string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM reminder_log
		   WHERE member_id = $1 AND offset_days = $2 AND sent_on = $3
		 )`,
		memberID, offset, day,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check reminder log", err)
	}
	return exists, nil
}

// RecordNotified marks the reminder for this offset as sent on the day.
// Idempotent: a duplicate marker insert is a no-op rather than an error.
func (r *ReminderLogRepo) RecordNotified(ctx context.Context, memberID int64, offset int, day string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO reminder_log (member_id, offset_days, sent_on)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (member_id, offset_days, sent_on) DO NOTHING`,
		memberID, offset, day,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record reminder marker", err)
	}
	return nil
}
