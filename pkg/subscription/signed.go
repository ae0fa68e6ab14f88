package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/webhook"
)

// SignedConfig configures the signed-envelope provider.
type SignedConfig struct {
	WebhookSecret string
	CheckoutURL   string        // base URL of the hosted checkout page
	MaxAge        time.Duration // signature freshness window, 0 disables the check
}

// SignedProvider accepts provider-neutral envelopes signed with pkg/webhook.
// It backs local development and integration tests, and any relay that
// re-signs provider events in the logical envelope format.
type SignedProvider struct {
	secret      string
	checkoutURL string
	maxAge      time.Duration
	now         func() time.Time
}

// NewSignedProvider validates the configuration and returns the provider.
func NewSignedProvider(cfg SignedConfig) (*SignedProvider, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, ErrMissingWebhookSecret
	}
	base := strings.TrimSpace(cfg.CheckoutURL)
	if base == "" {
		base = "http://localhost:8080/checkout/session"
	}
	return &SignedProvider{
		secret:      cfg.WebhookSecret,
		checkoutURL: strings.TrimRight(base, "/"),
		maxAge:      cfg.MaxAge,
		now:         time.Now,
	}, nil
}

func (p *SignedProvider) Name() string { return "signed" }

// CreateCustomer issues a local customer reference.
func (p *SignedProvider) CreateCustomer(_ context.Context, params CustomerParams) (string, error) {
	if params.UserID == uuid.Nil {
		return "", errors.New("user id is required")
	}
	return "cus_" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

// CreateCheckoutSession returns a local session whose URL carries the checkout metadata.
func (p *SignedProvider) CreateCheckoutSession(_ context.Context, params CheckoutParams) (CheckoutSession, error) {
	if params.PriceRef == "" {
		return CheckoutSession{}, ErrMissingPriceRef
	}
	if params.CustomerRef == "" {
		return CheckoutSession{}, ErrMissingCustomerRef
	}

	id := "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	q := url.Values{}
	q.Set("customer", params.CustomerRef)
	q.Set("price", params.PriceRef)
	for k, v := range params.Metadata() {
		q.Set(k, v)
	}
	if params.DiscountPercent > 0 {
		q.Set("discount_percent", fmt.Sprint(params.DiscountPercent))
	}
	if params.SuccessURL != "" {
		q.Set("success_url", params.SuccessURL)
	}
	if params.CancelURL != "" {
		q.Set("cancel_url", params.CancelURL)
	}

	return CheckoutSession{
		ID:        id,
		URL:       p.checkoutURL + "/" + id + "?" + q.Encode(),
		ExpiresAt: p.now().Add(24 * time.Hour).UTC(),
	}, nil
}

// ParseWebhook verifies the X-Webhook-* signature headers and decodes the envelope.
func (p *SignedProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (Event, error) {
	if err := webhook.Verify(p.secret, payload, webhook.HeadersFromHTTP(header), p.maxAge); err != nil {
		return nil, errors.Join(ErrAuthenticationFailure, err)
	}
	return DecodeSignedEvent(payload)
}

// SignedEnvelope is the logical wire format accepted by SignedProvider.
type SignedEnvelope struct {
	EventID         string          `json:"eventId"`
	Type            string          `json:"type"`
	OccurredAt      time.Time       `json:"occurredAt"`
	CustomerRef     string          `json:"customerRef,omitempty"`
	SubscriptionRef string          `json:"subscriptionRef,omitempty"`
	Data            SignedEventData `json:"data"`
}

// SignedEventData carries the per-type fields; unused fields are omitted.
type SignedEventData struct {
	UserID       string     `json:"userId,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	BillingCycle string     `json:"billingCycle,omitempty"`
	ReferralCode string     `json:"referralCode,omitempty"`
	PriceRef     string     `json:"priceRef,omitempty"`
	Amount       int64      `json:"amount,omitempty"`
	Status       string     `json:"status,omitempty"`
	PeriodEnd    *time.Time `json:"periodEnd,omitempty"`
	TrialEnd     *time.Time `json:"trialEnd,omitempty"`
}

// DecodeSignedEvent maps an envelope body to an Event.
func DecodeSignedEvent(payload []byte) (Event, error) {
	var in SignedEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if in.EventID == "" {
		return nil, fmt.Errorf("%w: missing eventId", ErrMalformedEvent)
	}

	env := EventEnvelope{
		ID:              in.EventID,
		ProviderType:    in.Type,
		CustomerRef:     in.CustomerRef,
		SubscriptionRef: in.SubscriptionRef,
	}
	if !in.OccurredAt.IsZero() {
		env.OccurredAt = in.OccurredAt.UTC()
	}
	if id, err := uuid.Parse(in.Data.UserID); err == nil {
		env.UserID = id
	}
	tier, _ := ParseTier(in.Data.Tier)
	cycle, _ := ParseBillingCycle(in.Data.BillingCycle)
	item := LineItem{PriceRef: in.Data.PriceRef, Amount: in.Data.Amount}

	switch EventType(in.Type) {
	case EventCheckoutCompleted:
		return CheckoutCompleted{
			EventEnvelope: env,
			Tier:          tier,
			BillingCycle:  cycle,
			ReferralCode:  in.Data.ReferralCode,
			Item:          item,
		}, nil
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		change := SubscriptionChange{
			EventEnvelope:  env,
			Item:           item,
			ProviderStatus: in.Data.Status,
			BillingCycle:   cycle,
			PeriodEnd:      cloneTime(in.Data.PeriodEnd),
			TrialEnd:       cloneTime(in.Data.TrialEnd),
		}
		if EventType(in.Type) == EventSubscriptionCreated {
			return SubscriptionCreated{SubscriptionChange: change}, nil
		}
		return SubscriptionUpdated{SubscriptionChange: change}, nil
	case EventSubscriptionDeleted:
		return SubscriptionDeleted{EventEnvelope: env}, nil
	case EventInvoicePaymentSucceeded:
		return InvoicePaymentSucceeded{EventEnvelope: env, PeriodEnd: cloneTime(in.Data.PeriodEnd)}, nil
	case EventInvoicePaymentFailed:
		return InvoicePaymentFailed{EventEnvelope: env}, nil
	case EventTrialWillEnd:
		return TrialWillEnd{EventEnvelope: env, TrialEnd: cloneTime(in.Data.TrialEnd)}, nil
	}
	return UnknownEvent{EventEnvelope: env}, nil
}

// SignEnvelope marshals env and returns the body with its signature headers.
// Used by relays and tests that deliver events to SignedProvider.
func SignEnvelope(secret string, env SignedEnvelope, at time.Time) ([]byte, http.Header, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	sig, err := webhook.Sign(secret, body, at)
	if err != nil {
		return nil, nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	sig.Apply(h)
	return body, h, nil
}
