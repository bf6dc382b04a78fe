package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"renewalhub/internal/types"
)

func TestReminderLogRepo_AlreadyNotified(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewReminderLogRepo(dbMock)

	dbMock.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{int64(7), 14, "2026-08-01"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	sent, err := repo.AlreadyNotified(context.Background(), 7, 14, "2026-08-01")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestReminderLogRepo_RecordNotified_DuplicateIsNoop(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewReminderLogRepo(dbMock)

	// ON CONFLICT DO NOTHING reports zero rows; that is still success.
	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{int64(7), 14, "2026-08-01"}).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	err := repo.RecordNotified(context.Background(), 7, 14, "2026-08-01")
	require.NoError(t, err)
}

func TestReminderLogRepo_RecordNotified_DBError(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewReminderLogRepo(dbMock)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.RecordNotified(context.Background(), 7, 14, "2026-08-01")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
