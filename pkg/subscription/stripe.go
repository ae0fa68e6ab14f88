package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/coupon"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeProvider implements Provider on top of Stripe Checkout and Billing.
type StripeProvider struct {
	webhookSecret string

	createCustomer func(params *stripe.CustomerParams) (*stripe.Customer, error)
	createSession  func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getCoupon      func(id string, params *stripe.CouponParams) (*stripe.Coupon, error)
	createCoupon   func(params *stripe.CouponParams) (*stripe.Coupon, error)
}

// NewStripeProvider sets the Stripe API key and returns the provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, ErrMissingWebhookSecret
	}
	stripe.Key = strings.TrimSpace(cfg.SecretKey)

	return &StripeProvider{
		webhookSecret:  strings.TrimSpace(cfg.WebhookSecret),
		createCustomer: customer.New,
		createSession:  stripesession.New,
		getCoupon:      coupon.Get,
		createCoupon:   coupon.New,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// CreateCustomer creates a Stripe customer (cus_...) tagged with the user id.
func (p *StripeProvider) CreateCustomer(_ context.Context, params CustomerParams) (string, error) {
	cp := &stripe.CustomerParams{}
	if params.Email != "" {
		cp.Email = stripe.String(params.Email)
	}
	cp.AddMetadata(MetaUserID, params.UserID.String())

	c, err := p.createCustomer(cp)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Checkout Session.
// Early-adopter discounts are applied as a forever coupon named after the percent.
func (p *StripeProvider) CreateCheckoutSession(_ context.Context, params CheckoutParams) (CheckoutSession, error) {
	if params.PriceRef == "" {
		return CheckoutSession{}, ErrMissingPriceRef
	}
	if params.CustomerRef == "" {
		return CheckoutSession{}, ErrMissingCustomerRef
	}

	meta := params.Metadata()
	sp := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(params.CustomerRef),
		ClientReferenceID: stripe.String(params.UserID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if params.SuccessURL != "" {
		sp.SuccessURL = stripe.String(params.SuccessURL)
	}
	if params.CancelURL != "" {
		sp.CancelURL = stripe.String(params.CancelURL)
	}
	for k, v := range meta {
		sp.AddMetadata(k, v)
	}

	if params.DiscountPercent > 0 {
		couponID, err := p.ensureCoupon(params.DiscountPercent)
		if err != nil {
			return CheckoutSession{}, err
		}
		sp.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(couponID)}}
	}

	s, err := p.createSession(sp)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return CheckoutSession{}, ErrNoCheckoutURL
	}

	out := CheckoutSession{ID: s.ID, URL: s.URL}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func (p *StripeProvider) ensureCoupon(percent int) (string, error) {
	id := fmt.Sprintf("early-adopter-%d", percent)
	_, err := p.getCoupon(id, nil)
	if err == nil {
		return id, nil
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) || serr.Code != stripe.ErrorCodeResourceMissing {
		return "", fmt.Errorf("failed to fetch stripe coupon %s: %w", id, err)
	}

	_, err = p.createCoupon(&stripe.CouponParams{
		ID:         stripe.String(id),
		Name:       stripe.String(fmt.Sprintf("Early adopter %d%%", percent)),
		PercentOff: stripe.Float64(float64(percent)),
		Duration:   stripe.String(string(stripe.CouponDurationForever)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create stripe coupon %s: %w", id, err)
	}
	return id, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (Event, error) {
	sig := header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrAuthenticationFailure)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(ErrAuthenticationFailure, err)
	}
	return DecodeStripeEvent(event)
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePrice struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type stripeSubscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	TrialEnd         int64             `json:"trial_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price            stripePrice `json:"price"`
			CurrentPeriodEnd int64       `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv stripeInvoice) subscriptionRef() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// DecodeStripeEvent maps a verified Stripe event to an Event.
func DecodeStripeEvent(event stripe.Event) (Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	env := EventEnvelope{
		ID:           event.ID,
		ProviderType: string(event.Type),
	}
	if event.Created > 0 {
		env.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}
	decode := func(v any) error {
		if len(raw) == 0 {
			return fmt.Errorf("%w: empty event data", ErrMalformedEvent)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return errors.Join(ErrMalformedEvent, err)
		}
		return nil
	}

	switch event.Type {
	case "checkout.session.completed":
		var s stripeCheckoutSession
		if err := decode(&s); err != nil {
			return nil, err
		}
		env.CustomerRef = s.Customer
		env.SubscriptionRef = s.Subscription
		tier, cycle, referral := envelopeFromMetadata(&env, s.Metadata)
		if env.UserID == uuid.Nil {
			if id, err := uuid.Parse(s.ClientReferenceID); err == nil {
				env.UserID = id
			}
		}
		return CheckoutCompleted{
			EventEnvelope: env,
			Tier:          tier,
			BillingCycle:  cycle,
			ReferralCode:  referral,
			Item:          LineItem{Amount: s.AmountTotal},
		}, nil

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "customer.subscription.trial_will_end":
		var sub stripeSubscription
		if err := decode(&sub); err != nil {
			return nil, err
		}
		env.CustomerRef = sub.Customer
		env.SubscriptionRef = sub.ID
		_, cycle, _ := envelopeFromMetadata(&env, sub.Metadata)

		switch event.Type {
		case "customer.subscription.deleted":
			return SubscriptionDeleted{EventEnvelope: env}, nil
		case "customer.subscription.trial_will_end":
			return TrialWillEnd{EventEnvelope: env, TrialEnd: unixRef(sub.TrialEnd)}, nil
		}

		change := SubscriptionChange{
			EventEnvelope:  env,
			ProviderStatus: sub.Status,
			BillingCycle:   cycle,
			PeriodEnd:      unixRef(sub.CurrentPeriodEnd),
			TrialEnd:       unixRef(sub.TrialEnd),
		}
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			change.Item = LineItem{PriceRef: item.Price.ID, Amount: item.Price.UnitAmount}
			if change.PeriodEnd == nil {
				change.PeriodEnd = unixRef(item.CurrentPeriodEnd)
			}
			if change.BillingCycle == "" && item.Price.Recurring != nil {
				switch item.Price.Recurring.Interval {
				case "year":
					change.BillingCycle = BillingAnnual
				case "month":
					change.BillingCycle = BillingMonthly
				}
			}
		}
		if event.Type == "customer.subscription.created" {
			return SubscriptionCreated{SubscriptionChange: change}, nil
		}
		return SubscriptionUpdated{SubscriptionChange: change}, nil

	// Stripe sends both invoice.payment_succeeded and invoice.paid for one
	// payment; only invoice.paid is mapped so a payment is applied once. It
	// also covers invoices marked paid out of band.
	case "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := decode(&inv); err != nil {
			return nil, err
		}
		env.CustomerRef = inv.Customer
		env.SubscriptionRef = inv.subscriptionRef()
		if event.Type == "invoice.payment_failed" {
			return InvoicePaymentFailed{EventEnvelope: env}, nil
		}
		ev := InvoicePaymentSucceeded{EventEnvelope: env}
		if len(inv.Lines.Data) > 0 {
			ev.PeriodEnd = unixRef(inv.Lines.Data[0].Period.End)
		}
		return ev, nil
	}

	return UnknownEvent{EventEnvelope: env}, nil
}

func unixRef(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
