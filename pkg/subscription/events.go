package subscription

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the provider-agnostic name of a billing event.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.completed"
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.paymentSucceeded"
	EventInvoicePaymentFailed    EventType = "invoice.paymentFailed"
	EventTrialWillEnd            EventType = "trial.willEnd"
	EventUnknown                 EventType = "unknown"
)

// Event is a verified billing event. The set of implementations is closed:
// CheckoutCompleted, SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaymentSucceeded, InvoicePaymentFailed, TrialWillEnd and UnknownEvent.
// Consumers dispatch with a type switch and must keep a default arm.
type Event interface {
	Envelope() EventEnvelope
	Type() EventType
	sealed()
}

// EventEnvelope carries the identity fields every event has.
type EventEnvelope struct {
	ID              string    // provider event id, the deduplication key
	ProviderType    string    // original provider event name
	OccurredAt      time.Time // provider timestamp, zero when unknown
	CustomerRef     string
	SubscriptionRef string
	UserID          uuid.UUID // from checkout metadata, uuid.Nil when absent
}

// Envelope returns the identity fields.
func (e EventEnvelope) Envelope() EventEnvelope { return e }

func (EventEnvelope) sealed() {}

// LineItem is the priced item a subscription or checkout refers to.
type LineItem struct {
	PriceRef string
	Amount   int64 // minor units, 0 when unknown
}

// IsZero reports whether the event carried no line item at all.
func (i LineItem) IsZero() bool {
	return i.PriceRef == "" && i.Amount <= 0
}

// CheckoutCompleted is emitted when a hosted checkout finished successfully.
type CheckoutCompleted struct {
	EventEnvelope
	Tier         Tier // from checkout metadata, empty when absent
	BillingCycle BillingCycle
	ReferralCode string
	Item         LineItem
}

func (CheckoutCompleted) Type() EventType { return EventCheckoutCompleted }

// SubscriptionChange carries the absolute state a provider reports for a subscription.
type SubscriptionChange struct {
	EventEnvelope
	Item           LineItem
	ProviderStatus string
	BillingCycle   BillingCycle
	PeriodEnd      *time.Time
	TrialEnd       *time.Time
}

// SubscriptionCreated is emitted when the provider creates a subscription.
type SubscriptionCreated struct{ SubscriptionChange }

func (SubscriptionCreated) Type() EventType { return EventSubscriptionCreated }

// SubscriptionUpdated is emitted on any subscription change (tier, status, period).
type SubscriptionUpdated struct{ SubscriptionChange }

func (SubscriptionUpdated) Type() EventType { return EventSubscriptionUpdated }

// SubscriptionDeleted is emitted when a subscription ends.
type SubscriptionDeleted struct {
	EventEnvelope
}

func (SubscriptionDeleted) Type() EventType { return EventSubscriptionDeleted }

// InvoicePaymentSucceeded is emitted when a renewal or first payment clears.
type InvoicePaymentSucceeded struct {
	EventEnvelope
	PeriodEnd *time.Time
}

func (InvoicePaymentSucceeded) Type() EventType { return EventInvoicePaymentSucceeded }

// InvoicePaymentFailed is emitted when a payment attempt fails.
type InvoicePaymentFailed struct {
	EventEnvelope
}

func (InvoicePaymentFailed) Type() EventType { return EventInvoicePaymentFailed }

// TrialWillEnd is informational and never mutates a record.
type TrialWillEnd struct {
	EventEnvelope
	TrialEnd *time.Time
}

func (TrialWillEnd) Type() EventType { return EventTrialWillEnd }

// UnknownEvent is any verified event the engine does not act on.
type UnknownEvent struct {
	EventEnvelope
}

func (UnknownEvent) Type() EventType { return EventUnknown }

// SubscriptionEvent is one row of the append-only processing ledger.
type SubscriptionEvent struct {
	ID              uuid.UUID         `json:"id"`
	UserID          uuid.UUID         `json:"user_id"`
	EventType       EventType         `json:"event_type"`
	OldTier         Tier              `json:"old_tier"`
	NewTier         Tier              `json:"new_tier"`
	OldStatus       Status            `json:"old_status"`
	NewStatus       Status            `json:"new_status"`
	ExternalEventID string            `json:"external_event_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
}
