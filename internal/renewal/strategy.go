package renewal

import (
	"context"
	"log/slog"

	"renewalhub/internal/types"
)

// SubscriptionQuerier abstracts the recurring-billing provider lookup the
// detector needs. The production implementation queries Stripe; tests provide
// a mock.
type SubscriptionQuerier interface {
	// HasRenewingSubscription reports whether the billing customer has any
	// subscription in a state that will renew on its own (active, trialing,
	// or past-due-but-retrying).
	HasRenewingSubscription(ctx context.Context, customerID string) (bool, error)
}

// StrategyDetector classifies each member as externally managed (the billing
// provider owns renewal) or calendar managed (this service owns it).
//
// The classification is re-derived on every evaluation and never cached
// across runs: a member can cancel or start a subscription between runs.
type StrategyDetector struct {
	// billingEnabled is the capability flag resolved once at startup. When
	// the billing integration is absent from a deployment, every member is
	// calendar managed and the provider is never probed.
	billingEnabled bool
	billing        SubscriptionQuerier
	logger         *slog.Logger
}

// NewStrategyDetector creates a StrategyDetector. billing may be nil when
// billingEnabled is false.
func NewStrategyDetector(billingEnabled bool, billing SubscriptionQuerier, logger *slog.Logger) *StrategyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StrategyDetector{
		billingEnabled: billingEnabled,
		billing:        billing,
		logger:         logger,
	}
}

// Classify returns the renewal strategy for the member.
//
// Fail open: if the billing provider query errors, the member is classified
// calendar managed and a warning is logged. A duplicate reminder is a better
// failure mode than silently dropping renewal tracking for the member.
func (d *StrategyDetector) Classify(ctx context.Context, member *types.Member) types.Strategy {
	if !d.billingEnabled || d.billing == nil {
		return types.StrategyCalendar
	}

	if member == nil || member.BillingCustomerID == "" {
		// Nothing to manage externally.
		return types.StrategyCalendar
	}

	renewing, err := d.billing.HasRenewingSubscription(ctx, member.BillingCustomerID)
	if err != nil {
		d.logger.WarnContext(ctx, "billing subscription query failed, falling back to calendar strategy",
			"member_id", member.ID,
			"customer_id", member.BillingCustomerID,
			"error", err,
		)
		return types.StrategyCalendar
	}

	if renewing {
		return types.StrategyExternal
	}
	return types.StrategyCalendar
}
