package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig configures the Paddle provider.
type PaddleConfig struct {
	APIKey        string
	WebhookSecret string
	Sandbox       bool
	Discounts     map[int]string // percent -> Paddle discount id (dsc_...)
}

// PaddleProvider implements Provider on top of Paddle Billing.
type PaddleProvider struct {
	client    *paddle.SDK
	verifier  *paddle.WebhookVerifier
	discounts map[int]string
}

// NewPaddleProvider creates a Paddle client for the sandbox or production environment.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var (
		client *paddle.SDK
		err    error
	)
	if cfg.Sandbox {
		client, err = paddle.NewSandbox(cfg.APIKey)
	} else {
		client, err = paddle.New(cfg.APIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:    client,
		verifier:  paddle.NewWebhookVerifier(cfg.WebhookSecret),
		discounts: cfg.Discounts,
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

// CreateCustomer creates a Paddle customer (ctm_...) tagged with the user id.
func (p *PaddleProvider) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	customer, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: params.Email,
		CustomData: paddle.CustomData{
			MetaUserID: params.UserID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a draft transaction and returns its hosted checkout URL.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	if params.PriceRef == "" {
		return CheckoutSession{}, ErrMissingPriceRef
	}
	if params.CustomerRef == "" {
		return CheckoutSession{}, ErrMissingCustomerRef
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  params.PriceRef,
		Quantity: 1,
	})

	customData := paddle.CustomData{}
	for k, v := range params.Metadata() {
		customData[k] = v
	}

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(params.CustomerRef),
		CustomData: customData,
	}
	if params.DiscountPercent > 0 {
		if id := p.discounts[params.DiscountPercent]; id != "" {
			req.DiscountID = paddle.PtrTo(id)
		}
	}
	if params.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(params.SuccessURL)}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return CheckoutSession{}, ErrNoCheckoutURL
	}

	return CheckoutSession{
		ID:        txn.ID,
		URL:       *txn.Checkout.URL,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// ParseWebhook verifies the Paddle-Signature header and decodes the notification.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	signature := header.Get("Paddle-Signature")
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Paddle-Signature header", ErrAuthenticationFailure)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrAuthenticationFailure, err)
	}
	if !valid {
		return nil, ErrAuthenticationFailure
	}

	return DecodePaddleEvent(payload)
}

type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddlePrice struct {
	ID        string `json:"id"`
	UnitPrice struct {
		Amount string `json:"amount"`
	} `json:"unit_price"`
	BillingCycle *struct {
		Interval string `json:"interval"`
	} `json:"billing_cycle"`
}

type paddlePeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type paddleSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CustomData           map[string]any `json:"custom_data"`
	CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
	Items                []struct {
		Price        paddlePrice   `json:"price"`
		TrialDates   *paddlePeriod `json:"trial_dates"`
		NextBilledAt string        `json:"next_billed_at"`
	} `json:"items"`
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Origin         string         `json:"origin"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CustomData     map[string]any `json:"custom_data"`
	BillingPeriod  *paddlePeriod  `json:"billing_period"`
	Items          []struct {
		PriceID string      `json:"price_id"`
		Price   paddlePrice `json:"price"`
	} `json:"items"`
	Details struct {
		Totals struct {
			Total string `json:"total"`
		} `json:"totals"`
	} `json:"details"`
}

// DecodePaddleEvent maps a verified Paddle notification body to an Event.
func DecodePaddleEvent(payload []byte) (Event, error) {
	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if n.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}

	env := EventEnvelope{
		ID:           n.EventID,
		ProviderType: n.EventType,
		OccurredAt:   parsePaddleTime(n.OccurredAt),
	}

	switch n.EventType {
	case "subscription.created", "subscription.activated", "subscription.updated",
		"subscription.resumed", "subscription.past_due", "subscription.paused",
		"subscription.trialing", "subscription.canceled":
		var sub paddleSubscription
		if err := json.Unmarshal(n.Data, &sub); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		env.CustomerRef = sub.CustomerID
		env.SubscriptionRef = sub.ID
		_, cycle, _ := envelopeFromMetadata(&env, stringMap(sub.CustomData))

		if n.EventType == "subscription.canceled" {
			return SubscriptionDeleted{EventEnvelope: env}, nil
		}

		change := SubscriptionChange{
			EventEnvelope:  env,
			ProviderStatus: sub.Status,
			BillingCycle:   cycle,
		}
		if sub.CurrentBillingPeriod != nil {
			change.PeriodEnd = TimeRef(parsePaddleTime(sub.CurrentBillingPeriod.EndsAt))
		}
		if len(sub.Items) > 0 {
			item := sub.Items[0]
			change.Item = LineItem{PriceRef: item.Price.ID, Amount: parseAmount(item.Price.UnitPrice.Amount)}
			if change.BillingCycle == "" {
				change.BillingCycle = paddleCycle(item.Price)
			}
			if item.TrialDates != nil {
				change.TrialEnd = TimeRef(parsePaddleTime(item.TrialDates.EndsAt))
			}
		}
		if n.EventType == "subscription.created" {
			return SubscriptionCreated{SubscriptionChange: change}, nil
		}
		return SubscriptionUpdated{SubscriptionChange: change}, nil

	case "transaction.completed", "transaction.paid", "transaction.payment_failed":
		var txn paddleTransaction
		if err := json.Unmarshal(n.Data, &txn); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		env.CustomerRef = txn.CustomerID
		env.SubscriptionRef = txn.SubscriptionID
		tier, cycle, referral := envelopeFromMetadata(&env, stringMap(txn.CustomData))

		if n.EventType == "transaction.payment_failed" {
			return InvoicePaymentFailed{EventEnvelope: env}, nil
		}
		// transaction.paid precedes transaction.completed; only completed carries final state.
		if n.EventType == "transaction.paid" {
			return UnknownEvent{EventEnvelope: env}, nil
		}
		if strings.HasPrefix(txn.Origin, "subscription_") {
			ev := InvoicePaymentSucceeded{EventEnvelope: env}
			if txn.BillingPeriod != nil {
				ev.PeriodEnd = TimeRef(parsePaddleTime(txn.BillingPeriod.EndsAt))
			}
			return ev, nil
		}

		ev := CheckoutCompleted{
			EventEnvelope: env,
			Tier:          tier,
			BillingCycle:  cycle,
			ReferralCode:  referral,
			Item:          LineItem{Amount: parseAmount(txn.Details.Totals.Total)},
		}
		if len(txn.Items) > 0 {
			ev.Item.PriceRef = txn.Items[0].PriceID
			if ev.Item.PriceRef == "" {
				ev.Item.PriceRef = txn.Items[0].Price.ID
			}
			if ev.BillingCycle == "" {
				ev.BillingCycle = paddleCycle(txn.Items[0].Price)
			}
		}
		return ev, nil
	}

	return UnknownEvent{EventEnvelope: env}, nil
}

func stringMap(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func paddleCycle(p paddlePrice) BillingCycle {
	if p.BillingCycle == nil {
		return ""
	}
	switch p.BillingCycle.Interval {
	case "year":
		return BillingAnnual
	case "month":
		return BillingMonthly
	}
	return ""
}

func parsePaddleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseAmount(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
