package subscription

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Provider abstracts the billing provider. Implementations use the provider SDK
// and translate its webhooks into the closed Event set.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// CreateCustomer registers a billing customer and returns its reference.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateCheckoutSession returns a provider-hosted checkout session.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)

	// ParseWebhook verifies the signature in header against payload and decodes the event.
	// Verification failures wrap ErrAuthenticationFailure; undecodable verified payloads
	// wrap ErrMalformedEvent. Unrecognized event types return UnknownEvent, not an error.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (Event, error)
}

// CustomerParams describes a billing customer to create.
type CustomerParams struct {
	UserID uuid.UUID
	Email  string
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	UserID          uuid.UUID
	CustomerRef     string
	PriceRef        string
	Tier            Tier
	BillingCycle    BillingCycle
	DiscountPercent int
	ReferralCode    string
	SuccessURL      string
	CancelURL       string
}

// Metadata returns the key/value pairs attached to the checkout so the resulting
// checkout.completed event can be mapped back to the user.
func (p CheckoutParams) Metadata() map[string]string {
	m := map[string]string{
		MetaUserID:       p.UserID.String(),
		MetaTier:         string(p.Tier),
		MetaBillingCycle: string(p.BillingCycle),
	}
	if p.ReferralCode != "" {
		m[MetaReferralCode] = p.ReferralCode
	}
	return m
}

// Metadata keys attached to checkouts and subscriptions.
const (
	MetaUserID       = "user_id"
	MetaTier         = "tier"
	MetaBillingCycle = "billing_cycle"
	MetaReferralCode = "referral_code"
)

// CheckoutSession is a provider-hosted checkout.
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// envelopeFromMetadata fills the user id and returns tier, cycle and referral code from metadata.
func envelopeFromMetadata(env *EventEnvelope, meta map[string]string) (Tier, BillingCycle, string) {
	if meta == nil {
		return "", "", ""
	}
	if id, err := uuid.Parse(meta[MetaUserID]); err == nil {
		env.UserID = id
	}
	tier, _ := ParseTier(meta[MetaTier])
	cycle, _ := ParseBillingCycle(meta[MetaBillingCycle])
	return tier, cycle, meta[MetaReferralCode]
}
