package external

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"renewalhub/internal/renewal"
	"renewalhub/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs allow the worker to boot in local mode, or with email sending
// disabled, without real provider credentials. They log all actions and
// return predictable, safe default values.
// ---------------------------------------------------------------------------

// StubMailer logs sends instead of delivering them. Used when email sending
// is disabled or in local development.
type StubMailer struct {
	logger *slog.Logger
}

// NewStubMailer creates a StubMailer.
func NewStubMailer(logger *slog.Logger) *StubMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubMailer{logger: logger}
}

func (s *StubMailer) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send called",
		"to", input.To,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
	)
	return fmt.Sprintf("stub-msg-%d", time.Now().UnixNano()), nil
}

var _ renewal.Mailer = (*StubMailer)(nil)
