package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewalhub/internal/types"
)

func newTestStripeBilling(baseURL string) *StripeBilling {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"RenewalHub-Test/1.0",
		types.ErrCodeUpstreamBilling,
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewStripeBillingWithBase(base, StripeBillingConfig{
		SecretKey: "sk_test_123",
		BaseURL:   baseURL,
	})
}

func TestHasRenewingSubscription_ActiveSubscription(t *testing.T) {
	var gotAuth, gotCustomer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustomer = r.URL.Query().Get("customer")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "sub_1", "status": "active", "cancel_at_period_end": false}], "has_more": false}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	renewing, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.NoError(t, err)
	assert.True(t, renewing)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "cus_123", gotCustomer)
}

func TestHasRenewingSubscription_CancelAtPeriodEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"id": "sub_1", "status": "active", "cancel_at_period_end": true}], "has_more": false}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	renewing, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.NoError(t, err)
	// A subscription winding down at period end will not renew the member.
	assert.False(t, renewing)
}

func TestHasRenewingSubscription_NonRenewingStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [
			{"id": "sub_1", "status": "canceled", "cancel_at_period_end": false},
			{"id": "sub_2", "status": "incomplete_expired", "cancel_at_period_end": false},
			{"id": "sub_3", "status": "unpaid", "cancel_at_period_end": false}
		], "has_more": false}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	renewing, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.NoError(t, err)
	assert.False(t, renewing)
}

func TestHasRenewingSubscription_PastDueStillRenews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"id": "sub_1", "status": "past_due", "cancel_at_period_end": false}], "has_more": false}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	renewing, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.NoError(t, err)
	// Stripe keeps retrying a past_due subscription; it is still externally
	// managed until Stripe gives up.
	assert.True(t, renewing)
}

func TestHasRenewingSubscription_NoSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [], "has_more": false}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	renewing, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.NoError(t, err)
	assert.False(t, renewing)
}

func TestHasRenewingSubscription_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "No such customer: cus_nope"}}`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	_, err := billing.HasRenewingSubscription(context.Background(), "cus_nope")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeBillingQueryFailed, appErr.Code)
}

func TestHasRenewingSubscription_ServerErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	_, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamBilling, appErr.Code)
}

func TestHasRenewingSubscription_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	billing := newTestStripeBilling(srv.URL)

	_, err := billing.HasRenewingSubscription(context.Background(), "cus_123")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}
