package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"renewalhub/internal/types"
)

// RunArchiver moves expired rows out of renewal_runs into the
// renewal_run_archives table as compressed JSONL blobs. Run history is only
// read for the dashboard's "latest run" view, so anything past the retention
// window can live as a cold blob instead of hot rows.
type RunArchiver struct {
	db     DBTX
	runs   *RunRepo
	logger *slog.Logger
}

// NewRunArchiver creates a RunArchiver. A nil logger falls back to
// slog.Default().
func NewRunArchiver(db DBTX, runs *RunRepo, logger *slog.Logger) *RunArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunArchiver{db: db, runs: runs, logger: logger}
}

// ArchiveExpired pages through runs older than the retention window in
// batches. Each batch is serialized to JSONL, zstd-compressed, written to
// renewal_run_archives, and only then deleted from renewal_runs. Returns
// the total number of runs archived.
func (a *RunArchiver) ArchiveExpired(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int, error) {
	cutoff := now.UTC().Add(-retention)
	totalArchived := 0

	for {
		runs, err := a.runs.ListRunsBefore(ctx, cutoff, batchSize)
		if err != nil {
			return totalArchived, fmt.Errorf("listing expired runs: %w", err)
		}

		if len(runs) == 0 {
			break
		}

		data, err := serializeRunsJSONL(runs)
		if err != nil {
			return totalArchived, fmt.Errorf("serializing runs: %w", err)
		}

		compressed, err := compressZstd(data)
		if err != nil {
			return totalArchived, fmt.Errorf("compressing run archive: %w", err)
		}

		key := fmt.Sprintf("runs/%d/%02d/batch_%d.jsonl.zst",
			cutoff.Year(), cutoff.Month(), time.Now().UnixNano())

		_, err = a.db.Exec(ctx,
			`INSERT INTO renewal_run_archives (archive_key, run_count, data, created_at)
			 VALUES ($1, $2, $3, $4)`,
			key,
			len(runs),
			compressed,
			now.UTC(),
		)
		if err != nil {
			return totalArchived, types.NewAppError(types.ErrCodeInternalDB, "failed to write run archive", err)
		}

		ids := make([]string, len(runs))
		for i, run := range runs {
			ids[i] = run.RunID
		}

		deleted, err := a.runs.DeleteRunsByIDs(ctx, ids)
		if err != nil {
			return totalArchived, fmt.Errorf("deleting archived runs: %w", err)
		}

		totalArchived += int(deleted)

		a.logger.InfoContext(ctx, "archived run batch",
			"batch_size", deleted,
			"archive_key", key,
			"total_archived", totalArchived,
		)

		if len(runs) < batchSize {
			break
		}
	}

	return totalArchived, nil
}

// serializeRunsJSONL serializes runs to newline-delimited JSON.
func serializeRunsJSONL(runs []*types.ProcessingResult) ([]byte, error) {
	var buf []byte
	for i, run := range runs {
		line, err := json.Marshal(run)
		if err != nil {
			return nil, fmt.Errorf("marshaling run %s: %w", run.RunID, err)
		}
		buf = append(buf, line...)
		if i < len(runs)-1 {
			buf = append(buf, '\n')
		}
	}
	return buf, nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}
