package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"renewalhub/internal/types"
)

// ============================================================
// RunRepo
// ============================================================

// RunRepo provides data access for the renewal_runs table. Each daily run
// persists exactly one row with its aggregate counters; per-member errors
// are stored as a JSONB array on the row.
type RunRepo struct {
	db DBTX
}

// NewRunRepo creates a RunRepo backed by the given connection (pool or
// transaction).
func NewRunRepo(db DBTX) *RunRepo {
	return &RunRepo{db: db}
}

// SaveResult upserts the run row. The orchestrator saves once at the end of
// a run, but a retried save after a transient failure must not duplicate
// the row, so the run_id conflict updates in place.
func (r *RunRepo) SaveResult(ctx context.Context, result *types.ProcessingResult) error {
	errsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode run errors", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO renewal_runs
		 (run_id, status, processed, notified, deactivated, skipped,
		  errors, dry_run, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   processed = EXCLUDED.processed,
		   notified = EXCLUDED.notified,
		   deactivated = EXCLUDED.deactivated,
		   skipped = EXCLUDED.skipped,
		   errors = EXCLUDED.errors,
		   finished_at = EXCLUDED.finished_at`,
		result.RunID,
		string(result.Status),
		result.Processed,
		result.Notified,
		result.Deactivated,
		result.Skipped,
		errsJSON,
		result.DryRun,
		result.StartedAt,
		result.FinishedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save run result", err)
	}
	return nil
}

// GetLatestRun returns the most recently started run, or nil when no run
// has ever been recorded.
func (r *RunRepo) GetLatestRun(ctx context.Context) (*types.ProcessingResult, error) {
	row := r.db.QueryRow(ctx,
		`SELECT run_id, status, processed, notified, deactivated, skipped,
		        errors, dry_run, started_at, finished_at
		 FROM renewal_runs
		 ORDER BY started_at DESC
		 LIMIT 1`,
	)
	result, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest run", err)
	}
	return result, nil
}

// GetRun returns the run with the given ID, or nil when it does not exist.
func (r *RunRepo) GetRun(ctx context.Context, runID string) (*types.ProcessingResult, error) {
	row := r.db.QueryRow(ctx,
		`SELECT run_id, status, processed, notified, deactivated, skipped,
		        errors, dry_run, started_at, finished_at
		 FROM renewal_runs
		 WHERE run_id = $1`,
		runID,
	)
	result, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query run", err)
	}
	return result, nil
}

// ListRunsBefore returns runs that started before the cutoff, oldest first,
// up to limit rows. Used by the archiver to page through expired history.
func (r *RunRepo) ListRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.ProcessingResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT run_id, status, processed, notified, deactivated, skipped,
		        errors, dry_run, started_at, finished_at
		 FROM renewal_runs
		 WHERE started_at < $1
		 ORDER BY started_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query expired runs", err)
	}
	defer rows.Close()

	var results []*types.ProcessingResult
	for rows.Next() {
		result, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run row", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating runs", err)
	}
	return results, nil
}

// DeleteRunsByIDs removes the given runs. Called by the archiver after the
// rows have been written to the archive table.
func (r *RunRepo) DeleteRunsByIDs(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM renewal_runs WHERE run_id = ANY($1)`,
		runIDs,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived runs", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*types.ProcessingResult, error) {
	var (
		result   types.ProcessingResult
		status   string
		errsJSON []byte
	)
	if err := row.Scan(
		&result.RunID,
		&status,
		&result.Processed,
		&result.Notified,
		&result.Deactivated,
		&result.Skipped,
		&errsJSON,
		&result.DryRun,
		&result.StartedAt,
		&result.FinishedAt,
	); err != nil {
		return nil, err
	}
	result.Status = types.RunStatus(status)
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &result.Errors); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// ============================================================
// JobLockRepo
// ============================================================

// JobLockRepo provides distributed locking via the job_locks table, so only
// one worker invocation processes the daily run for a given day even when
// the schedule fires twice or an operator triggers a manual run while the
// scheduled one is still going.
type JobLockRepo struct {
	db DBTX
}

// NewJobLockRepo creates a JobLockRepo backed by the given connection.
func NewJobLockRepo(db DBTX) *JobLockRepo {
	return &JobLockRepo{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is typically
// "renewal_daily:<civil day>".
//
// The locked_at and expires_at values are computed as time.Time in Go to
// avoid PostgreSQL interval parsing incompatibilities with Go's duration
// format. If the existing row has expired, the ON CONFLICT UPDATE reclaims
// it; if it is still active, the WHERE clause prevents the update and zero
// rows are affected.
func (r *JobLockRepo) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock row if this worker still holds it. A lock held
// by a different worker is left alone.
func (r *JobLockRepo) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
