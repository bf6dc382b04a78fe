package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"renewalhub/internal/types"
)

// memberColumns is the canonical column list scanned into types.Member.
const memberColumns = `id, email, first_name, last_name, membership_label,
	status, COALESCE(renewal_date, ''), COALESCE(billing_customer_id, ''),
	created_at, updated_at`

// MemberRepo is the PostgreSQL-backed member store. It implements the
// renewal.MemberStore interface.
//
// Writes are strictly per-member; no transaction spans multiple members, so a
// crash mid-run leaves already-processed members in their new state and the
// rest untouched.
type MemberRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewMemberRepo creates a MemberRepo backed by the given connection
// (pool or transaction).
func NewMemberRepo(db DBTX, logger *slog.Logger) *MemberRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemberRepo{db: db, logger: logger}
}

// ListMembersPage returns up to limit non-deactivated members with
// ID > afterID, ordered by ascending ID. Keyset pagination keeps peak memory
// bounded and guarantees forward progress regardless of writes mid-run.
func (r *MemberRepo) ListMembersPage(ctx context.Context, afterID int64, limit int) ([]types.Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+memberColumns+`
		 FROM members
		 WHERE id > $1 AND status <> $2
		 ORDER BY id ASC
		 LIMIT $3`,
		afterID, types.MemberStatusDeactivated, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list member page", err)
	}
	defer rows.Close()

	var members []types.Member
	for rows.Next() {
		var m types.Member
		if err := scanMember(rows, &m); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan member row", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "member page iteration failed", err)
	}

	return members, nil
}

// GetMember returns the member by ID, or nil when no such member exists.
func (r *MemberRepo) GetMember(ctx context.Context, id int64) (*types.Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`,
		id,
	)

	var m types.Member
	if err := scanMember(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load member", err)
	}
	return &m, nil
}

// SetRenewalDate writes a new renewal date for the member. Used by the admin
// API; the batch itself never moves renewal dates.
func (r *MemberRepo) SetRenewalDate(ctx context.Context, id int64, renewalDate string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE members SET renewal_date = $1, updated_at = NOW() WHERE id = $2`,
		renewalDate, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set renewal date", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMember, fmt.Sprintf("member %d not found", id), nil)
	}
	return nil
}

// MarkOverdue sets the member's status label to overdue.
func (r *MemberRepo) MarkOverdue(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE members SET status = $1, updated_at = NOW() WHERE id = $2`,
		types.MemberStatusOverdue, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark member overdue", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMember, fmt.Sprintf("member %d not found", id), nil)
	}
	return nil
}

// Deactivate sets the member's status to deactivated, stamps the time, and
// revokes the member role. Two statements, no wrapping transaction: if the
// role delete fails after the status write, the next run's page query no
// longer returns the member and the orphaned role row is harmless to access
// checks keyed on status.
func (r *MemberRepo) Deactivate(ctx context.Context, id int64, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE members
		 SET status = $1, deactivated_at = $2, updated_at = NOW()
		 WHERE id = $3 AND status <> $1`,
		types.MemberStatusDeactivated, now, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate member", err)
	}
	if tag.RowsAffected() == 0 {
		// Already deactivated or absent; idempotent no-op either way.
		r.logger.InfoContext(ctx, "deactivate was a no-op",
			"member_id", id,
		)
		return nil
	}

	if _, err := r.db.Exec(ctx,
		`DELETE FROM member_roles WHERE member_id = $1 AND role = 'member'`,
		id,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke member role", err)
	}

	return nil
}

// scanMember scans one member row in memberColumns order.
func scanMember(row pgx.Row, m *types.Member) error {
	return row.Scan(
		&m.ID,
		&m.Email,
		&m.FirstName,
		&m.LastName,
		&m.MembershipLabel,
		&m.Status,
		&m.RenewalDate,
		&m.BillingCustomerID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}
