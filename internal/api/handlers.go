package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"renewalhub/internal/types"
)

// RunReader provides read access to persisted run history.
type RunReader interface {
	GetLatestRun(ctx context.Context) (*types.ProcessingResult, error)
	GetRun(ctx context.Context, runID string) (*types.ProcessingResult, error)
}

// Runner triggers renewal processing on demand. Implemented by the
// orchestrator; the API never talks to the batch internals directly.
type Runner interface {
	RunDaily(ctx context.Context, now time.Time, dryRun bool) (*types.ProcessingResult, error)
	RunForMember(ctx context.Context, memberID int64, now time.Time, dryRun bool) (types.MemberResult, error)
}

// RunLocker serializes manual runs against the scheduled one.
type RunLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// TriggerRunRequest is the request body for POST /v1/runs.
type TriggerRunRequest struct {
	DryRun bool `json:"dry_run"`
}

// ProcessMemberRequest is the request body for
// POST /v1/members/{memberID}/process.
type ProcessMemberRequest struct {
	DryRun bool `json:"dry_run"`
}

// handleGetLatestRun returns the most recent run, or 404 when no run has
// ever been recorded.
func (s *Server) handleGetLatestRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.runs.GetLatestRun(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	if result == nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundRun,
			"no runs recorded yet",
			nil,
		))
		return
	}
	JSON(w, r, http.StatusOK, result)
}

// handleGetRun returns a specific run by ID.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	result, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		Error(w, r, err)
		return
	}
	if result == nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundRun,
			"run not found",
			nil,
		))
		return
	}
	JSON(w, r, http.StatusOK, result)
}

// handleTriggerRun starts a full daily run on demand. The same job lock the
// scheduled worker takes guards against overlapping runs; a manual trigger
// while one is in flight returns 409. Dry runs skip the lock entirely since
// they perform no sends or writes.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
	}

	ctx := r.Context()
	now := time.Now()

	if !req.DryRun && s.locker != nil {
		lockID := "renewal_daily:" + now.UTC().Format("2006-01-02")
		workerID := "api-" + types.GetRequestID(ctx)
		acquired, err := s.locker.Acquire(ctx, lockID, workerID, s.lockTTL)
		if err != nil {
			Error(w, r, err)
			return
		}
		if !acquired {
			Error(w, r, types.NewAppError(
				types.ErrCodeConflictRunInProgress,
				"a run for today is already in progress or completed",
				nil,
			))
			return
		}
		defer func() {
			if err := s.locker.Release(ctx, lockID, workerID); err != nil {
				s.logger.WarnContext(ctx, "failed to release run lock", "error", err)
			}
		}()
	}

	result, err := s.runner.RunDaily(ctx, now, req.DryRun)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, result)
}

// handleProcessMember runs the full detection/evaluation/notification path
// for a single member. Used by support to answer "why did this member (not)
// get an email today" -- usually with dry_run set.
func (s *Server) handleProcessMember(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil || memberID <= 0 {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"memberID must be a positive integer",
			err,
		))
		return
	}

	var req ProcessMemberRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
	}

	result, err := s.runner.RunForMember(r.Context(), memberID, time.Now(), req.DryRun)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, result)
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
