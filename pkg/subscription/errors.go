package subscription

import "errors"

var (
	ErrInvalidTier         = errors.New("invalid subscription tier")
	ErrInvalidStatus       = errors.New("invalid subscription status")
	ErrInvalidBillingCycle = errors.New("invalid billing cycle")
	ErrInvalidFeature      = errors.New("invalid metered feature")
	ErrPriceNotConfigured  = errors.New("no price configured for tier and billing cycle")
	ErrFailedToLoadCatalog = errors.New("failed to load tier catalog")

	// Error taxonomy shared by webhook, checkout and usage flows.
	ErrAuthenticationFailure = errors.New("webhook authentication failed")
	ErrUnknownEvent          = errors.New("unknown billing event")
	ErrUserNotFound          = errors.New("user not found")
	ErrInvariantViolation    = errors.New("entitlement invariant violation")
	ErrUpstreamUnavailable   = errors.New("billing provider unavailable")
	ErrLimitExceeded         = errors.New("usage limit exceeded")

	ErrRecordNotFound      = errors.New("entitlement record not found")
	ErrRecordAlreadyExists = errors.New("entitlement record already exists")
	ErrInvalidTransition   = errors.New("status transition not allowed")
	ErrStaleEvent          = errors.New("event is older than the last applied event")
	ErrForeignSubscription = errors.New("event belongs to a different subscription")
	ErrNoSubscription      = errors.New("record has no active subscription")
	ErrDuplicateEvent      = errors.New("subscription event already recorded")
	ErrMalformedEvent      = errors.New("malformed billing event payload")

	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
	ErrMissingCustomerRef         = errors.New("billing customer reference is required")
	ErrMissingPriceRef            = errors.New("price reference is required")
)

// IsSkip reports whether err means a transition was deliberately not applied.
// Skipped events are still recorded in the ledger so redelivery is a no-op.
func IsSkip(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrForeignSubscription) ||
		errors.Is(err, ErrNoSubscription)
}

// SkipReason returns a short machine-readable reason for a skip error.
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleEvent):
		return "stale"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrForeignSubscription):
		return "foreign_subscription"
	case errors.Is(err, ErrNoSubscription):
		return "no_subscription"
	}
	return ""
}
