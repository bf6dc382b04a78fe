package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"renewalhub/internal/types"
)

const testAdminKey = "0123456789abcdef0123456789abcdef"

type mockRunReader struct {
	mock.Mock
}

func (m *mockRunReader) GetLatestRun(ctx context.Context) (*types.ProcessingResult, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(*types.ProcessingResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRunReader) GetRun(ctx context.Context, runID string) (*types.ProcessingResult, error) {
	args := m.Called(ctx, runID)
	if v := args.Get(0); v != nil {
		return v.(*types.ProcessingResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunDaily(ctx context.Context, now time.Time, dryRun bool) (*types.ProcessingResult, error) {
	args := m.Called(ctx, now, dryRun)
	if v := args.Get(0); v != nil {
		return v.(*types.ProcessingResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRunner) RunForMember(ctx context.Context, memberID int64, now time.Time, dryRun bool) (types.MemberResult, error) {
	args := m.Called(ctx, memberID, now, dryRun)
	return args.Get(0).(types.MemberResult), args.Error(1)
}

type mockRunLocker struct {
	mock.Mock
}

func (m *mockRunLocker) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, lockID, workerID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunLocker) Release(ctx context.Context, lockID string, workerID string) error {
	args := m.Called(ctx, lockID, workerID)
	return args.Error(0)
}

type serverMocks struct {
	runs   *mockRunReader
	runner *mockRunner
	locker *mockRunLocker
}

func newTestServer(t *testing.T) (*Server, *serverMocks) {
	t.Helper()
	m := &serverMocks{
		runs:   &mockRunReader{},
		runner: &mockRunner{},
		locker: &mockRunLocker{},
	}
	s := NewServer(ServerConfig{
		Runs:     m.runs,
		Runner:   m.runner,
		Locker:   m.locker,
		AdminKey: types.SecretString(testAdminKey),
	})
	return s, m
}

func doRequest(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIErrorResponse {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth_NoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestAdminAuth_MissingKey(t *testing.T) {
	s, m := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/runs/latest", "", false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeAuthKeyMissing), resp.Error.Code)
	m.runs.AssertNotCalled(t, "GetLatestRun", mock.Anything)
}

func TestAdminAuth_WrongKey(t *testing.T) {
	s, m := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil)
	req.Header.Set("X-Admin-Key", "not-the-right-key-at-all-no-sir")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	m.runs.AssertNotCalled(t, "GetLatestRun", mock.Anything)
}

func TestGetLatestRun_Success(t *testing.T) {
	s, m := newTestServer(t)

	m.runs.On("GetLatestRun", mock.Anything).Return(&types.ProcessingResult{
		RunID:     "run-1",
		Status:    types.RunStatusSuccess,
		Processed: 42,
	}, nil)

	rec := doRequest(s, http.MethodGet, "/v1/runs/latest", "", true)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result types.ProcessingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, 42, result.Processed)
}

func TestGetLatestRun_NoneRecorded(t *testing.T) {
	s, m := newTestServer(t)

	m.runs.On("GetLatestRun", mock.Anything).Return(nil, nil)

	rec := doRequest(s, http.MethodGet, "/v1/runs/latest", "", true)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeNotFoundRun), resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestGetRun_NotFound(t *testing.T) {
	s, m := newTestServer(t)

	m.runs.On("GetRun", mock.Anything, "missing-run").Return(nil, nil)

	rec := doRequest(s, http.MethodGet, "/v1/runs/missing-run", "", true)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRun_AcquiresLock(t *testing.T) {
	s, m := newTestServer(t)

	lockID := "renewal_daily:" + time.Now().UTC().Format("2006-01-02")
	m.locker.On("Acquire", mock.Anything, lockID, mock.Anything, defaultLockTTL).Return(true, nil)
	m.locker.On("Release", mock.Anything, lockID, mock.Anything).Return(nil)
	m.runner.On("RunDaily", mock.Anything, mock.Anything, false).
		Return(&types.ProcessingResult{RunID: "run-2", Status: types.RunStatusSuccess}, nil)

	rec := doRequest(s, http.MethodPost, "/v1/runs", "", true)

	assert.Equal(t, http.StatusOK, rec.Code)
	m.locker.AssertExpectations(t)
	m.runner.AssertExpectations(t)
}

func TestTriggerRun_ConflictWhenLockHeld(t *testing.T) {
	s, m := newTestServer(t)

	m.locker.On("Acquire", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	rec := doRequest(s, http.MethodPost, "/v1/runs", "", true)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeConflictRunInProgress), resp.Error.Code)
	m.runner.AssertNotCalled(t, "RunDaily", mock.Anything, mock.Anything, mock.Anything)
	m.locker.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerRun_DryRunSkipsLock(t *testing.T) {
	s, m := newTestServer(t)

	m.runner.On("RunDaily", mock.Anything, mock.Anything, true).
		Return(&types.ProcessingResult{RunID: "run-3", DryRun: true}, nil)

	rec := doRequest(s, http.MethodPost, "/v1/runs", `{"dry_run": true}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	m.locker.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerRun_MalformedBody(t *testing.T) {
	s, m := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/runs", `{"dry_run": `, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	m.runner.AssertNotCalled(t, "RunDaily", mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerRun_RunFailureMapsToGateway(t *testing.T) {
	s, m := newTestServer(t)

	m.runner.On("RunDaily", mock.Anything, mock.Anything, true).
		Return(nil, types.NewAppError(types.ErrCodeRunFailed, "daily renewal run aborted", nil))

	rec := doRequest(s, http.MethodPost, "/v1/runs", `{"dry_run": true}`, true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProcessMember_Success(t *testing.T) {
	s, m := newTestServer(t)

	m.runner.On("RunForMember", mock.Anything, int64(42), mock.Anything, true).
		Return(types.MemberResult{
			MemberID: 42,
			Strategy: types.StrategyCalendar,
			Action:   types.ActionNotified,
			DryRun:   true,
		}, nil)

	rec := doRequest(s, http.MethodPost, "/v1/members/42/process", `{"dry_run": true}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result types.MemberResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(42), result.MemberID)
	assert.Equal(t, types.ActionNotified, result.Action)
}

func TestProcessMember_InvalidID(t *testing.T) {
	s, m := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/members/forty-two/process", "", true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	m.runner.AssertNotCalled(t, "RunForMember", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessMember_NotFound(t *testing.T) {
	s, m := newTestServer(t)

	m.runner.On("RunForMember", mock.Anything, int64(99), mock.Anything, false).
		Return(types.MemberResult{}, types.NewAppError(types.ErrCodeNotFoundMember, "member 99 not found", nil))

	rec := doRequest(s, http.MethodPost, "/v1/members/99/process", "", true)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestID_EchoedInResponse(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-Id"))
}

func TestRecoverer_PanicReturnsJSON500(t *testing.T) {
	s, m := newTestServer(t)

	m.runs.On("GetLatestRun", mock.Anything).Run(func(mock.Arguments) {
		panic("handler exploded")
	}).Return(nil, nil)

	rec := doRequest(s, http.MethodGet, "/v1/runs/latest", "", true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}
