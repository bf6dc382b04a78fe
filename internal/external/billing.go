package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"renewalhub/internal/renewal"
	"renewalhub/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeBillingConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// renewingStatuses are the Stripe subscription statuses that count as "the
// billing provider will renew this member on its own". A subscription in any
// other status (canceled, unpaid, incomplete_expired, paused) leaves the
// member on the calendar-managed path.
var renewingStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

// StripeBillingConfig holds the configuration for creating a StripeBilling
// client.
type StripeBillingConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeBilling answers the strategy detector's one question -- does this
// member have a subscription that will renew on its own -- by making direct
// HTTP calls to the Stripe REST API through BaseClient. Routing through
// BaseClient keeps the circuit breaker, retries, and error mapping in front
// of every Stripe call, and makes testing with httptest straightforward.
type StripeBilling struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeBilling creates a StripeBilling client.
func NewStripeBilling(httpClient *http.Client, cfg StripeBillingConfig) *StripeBilling {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"RenewalHub/1.0",
		types.ErrCodeUpstreamBilling,
	)

	return &StripeBilling{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeBillingWithBase creates a StripeBilling client with a
// pre-configured BaseClient. This is useful for testing when you want to
// control the BaseClient configuration.
func NewStripeBillingWithBase(base *BaseClient, cfg StripeBillingConfig) *StripeBilling {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeBilling{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// HasRenewingSubscription reports whether the customer has at least one
// subscription Stripe will renew on its own: status active, trialing, or
// past_due, and not flagged to cancel at period end.
func (s *StripeBilling) HasRenewingSubscription(ctx context.Context, customerID string) (bool, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "100")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return false, s.wrapStripeError("HasRenewingSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, s.handleErrorResponse(resp, "HasRenewingSubscription")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	for _, sub := range listResp.Data {
		if renewingStatuses[sub.Status] && !sub.CancelAtPeriodEnd {
			return true, nil
		}
	}
	return false, nil
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeBilling) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and content headers.
func (s *StripeBilling) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeBilling) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeBillingQueryFailed,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeBilling) wrapStripeError(operation string, err error) error {
	// An AppError from BaseClient (circuit breaker, retries exhausted)
	// already carries the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeSubscription struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// Compile-time assertion that StripeBilling satisfies the strategy
// detector's SubscriptionQuerier.
var _ renewal.SubscriptionQuerier = (*StripeBilling)(nil)
