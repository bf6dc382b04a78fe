package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"renewalhub/internal/types"
)

func archivableRunRow(runID string, startedAt time.Time) []any {
	return []any{
		runID,
		"success",
		10,
		3,
		1,
		6,
		[]byte(nil),
		false,
		startedAt,
		startedAt.Add(time.Minute),
	}
}

func TestArchiveExpired_CompactsOneBatch(t *testing.T) {
	dbMock := &mockDBTX{}
	archiver := NewRunArchiver(dbMock, NewRunRepo(dbMock), nil)

	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	old := now.Add(-120 * 24 * time.Hour)

	rows := newMockRows([][]any{
		archivableRunRow("run-a", old),
		archivableRunRow("run-b", old.Add(time.Hour)),
	})
	dbMock.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "FROM renewal_runs")
	}), mock.Anything).Return(rows, nil).Once()

	dbMock.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO renewal_run_archives")
	}), mock.MatchedBy(func(args []any) bool {
		key, ok := args[0].(string)
		return ok && strings.HasSuffix(key, ".jsonl.zst") && args[1] == 2
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	dbMock.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "DELETE FROM renewal_runs")
	}), []any{[]string{"run-a", "run-b"}}).
		Return(pgconn.NewCommandTag("DELETE 2"), nil).Once()

	archived, err := archiver.ArchiveExpired(context.Background(), now, 90*24*time.Hour, 500)

	require.NoError(t, err)
	assert.Equal(t, 2, archived)
	dbMock.AssertExpectations(t)
}

func TestArchiveExpired_NothingExpired(t *testing.T) {
	dbMock := &mockDBTX{}
	archiver := NewRunArchiver(dbMock, NewRunRepo(dbMock), nil)

	dbMock.On("Query", mock.Anything, mock.Anything, mock.Anything).
		Return(newMockRows(nil), nil)

	archived, err := archiver.ArchiveExpired(context.Background(), time.Now(), 90*24*time.Hour, 500)

	require.NoError(t, err)
	assert.Zero(t, archived)
	dbMock.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestArchiveExpired_InsertFailureStopsBeforeDelete(t *testing.T) {
	dbMock := &mockDBTX{}
	archiver := NewRunArchiver(dbMock, NewRunRepo(dbMock), nil)

	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		archivableRunRow("run-a", now.Add(-120*24*time.Hour)),
	})
	dbMock.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)
	dbMock.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO renewal_run_archives")
	}), mock.Anything).Return(pgconn.NewCommandTag(""), errors.New("disk full"))

	_, err := archiver.ArchiveExpired(context.Background(), now, 90*24*time.Hour, 500)

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	dbMock.AssertNotCalled(t, "Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "DELETE")
	}), mock.Anything)
}
