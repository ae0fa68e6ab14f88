package webhook

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// mutation returns the absolute-state change ev makes to a record. Every arm
// sets state rather than applying deltas so out-of-order delivery converges.
func (p *Processor) mutation(ev subscription.Event) subscription.Mutation {
	now := p.now().UTC()
	env := ev.Envelope()

	return func(rec *subscription.EntitlementRecord) error {
		switch ev := ev.(type) {
		case subscription.CheckoutCompleted:
			return p.applyCheckout(rec, ev, now)
		case subscription.SubscriptionCreated:
			return p.applySubscription(rec, ev.SubscriptionChange, true)
		case subscription.SubscriptionUpdated:
			return p.applySubscription(rec, ev.SubscriptionChange, false)
		case subscription.SubscriptionDeleted:
			if err := guard(rec, env); err != nil {
				return err
			}
			rec.ObserveEvent(env.OccurredAt)
			if rec.Status == subscription.StatusCanceled {
				return nil
			}
			return rec.TransitionTo(subscription.StatusCanceled)
		case subscription.InvoicePaymentSucceeded:
			if err := guardInvoice(rec, env); err != nil {
				return err
			}
			if err := rec.TransitionTo(subscription.StatusActive); err != nil {
				return err
			}
			if ev.PeriodEnd != nil {
				rec.PeriodEnd = subscription.TimeRef(*ev.PeriodEnd)
			}
			rec.ObserveEvent(env.OccurredAt)
			return nil
		case subscription.InvoicePaymentFailed:
			if err := guardInvoice(rec, env); err != nil {
				return err
			}
			if err := rec.TransitionTo(subscription.StatusPastDue); err != nil {
				return err
			}
			rec.ObserveEvent(env.OccurredAt)
			return nil
		default:
			return fmt.Errorf("%w: no mutation for %s", subscription.ErrUnknownEvent, ev.Type())
		}
	}
}

// applyCheckout activates the purchased tier unless the record already holds
// a paid tier. It is not timestamp guarded: a checkout always follows the
// events of any previous subscription.
func (p *Processor) applyCheckout(rec *subscription.EntitlementRecord, ev subscription.CheckoutCompleted, now time.Time) error {
	if ev.CustomerRef != "" && rec.BillingCustomerRef == nil {
		rec.BillingCustomerRef = subscription.Ref(ev.CustomerRef)
	}
	if rec.HasActivePaidSubscription() {
		if rec.BillingSubscriptionRef == nil && ev.SubscriptionRef != "" {
			rec.BillingSubscriptionRef = subscription.Ref(ev.SubscriptionRef)
		}
		rec.ObserveEvent(ev.OccurredAt)
		return nil
	}

	tier := ev.Tier
	if !tier.Paid() {
		tier = p.tierFor(rec, ev.Item)
	}
	cycle := ev.BillingCycle
	if !cycle.Valid() {
		if c, ok := p.resolver.CycleFor(ev.Item.PriceRef); ok {
			cycle = c
		} else {
			cycle = subscription.BillingMonthly
		}
	}

	if err := rec.TransitionTo(subscription.StatusActive); err != nil {
		return err
	}
	rec.Tier = tier
	rec.BillingCycle = cycle
	rec.PeriodEnd = subscription.TimeRef(cycle.Next(now))
	if ev.SubscriptionRef != "" {
		rec.BillingSubscriptionRef = subscription.Ref(ev.SubscriptionRef)
	}
	if rec.EarlyAdopter && rec.LifetimeDiscountPercent == 0 && p.earlyAdopterDiscount > 0 {
		rec.LifetimeDiscountPercent = p.earlyAdopterDiscount
	}
	rec.ObserveEvent(ev.OccurredAt)
	return nil
}

// applySubscription copies the provider's view of a subscription onto the
// record. created adopts a new subscription reference; updated only adopts
// one when the record has none, so a late update for an old subscription
// cannot overwrite the current one.
func (p *Processor) applySubscription(rec *subscription.EntitlementRecord, ev subscription.SubscriptionChange, created bool) error {
	if rec.IsStale(ev.OccurredAt) {
		return fmt.Errorf("%w: occurred %s, last applied %s", subscription.ErrStaleEvent, ev.OccurredAt, rec.LastEventAt)
	}
	if !created && isForeign(rec, ev.SubscriptionRef) {
		return fmt.Errorf("%w: %s", subscription.ErrForeignSubscription, ev.SubscriptionRef)
	}

	status, ok := subscription.MapProviderStatus(ev.ProviderStatus)
	if !ok {
		status = rec.Status
	}
	if status == subscription.StatusCanceled {
		if isForeign(rec, ev.SubscriptionRef) {
			return fmt.Errorf("%w: %s", subscription.ErrForeignSubscription, ev.SubscriptionRef)
		}
		if err := rec.TransitionTo(subscription.StatusCanceled); err != nil {
			return err
		}
		rec.ObserveEvent(ev.OccurredAt)
		return nil
	}

	if err := rec.TransitionTo(status); err != nil {
		return err
	}
	rec.Tier = p.tierFor(rec, ev.Item)
	if ev.CustomerRef != "" && rec.BillingCustomerRef == nil {
		rec.BillingCustomerRef = subscription.Ref(ev.CustomerRef)
	}
	if ev.SubscriptionRef != "" {
		rec.BillingSubscriptionRef = subscription.Ref(ev.SubscriptionRef)
	}
	if ev.BillingCycle.Valid() {
		rec.BillingCycle = ev.BillingCycle
	} else if c, ok := p.resolver.CycleFor(ev.Item.PriceRef); ok {
		rec.BillingCycle = c
	}
	if ev.PeriodEnd != nil {
		rec.PeriodEnd = subscription.TimeRef(*ev.PeriodEnd)
	}
	if ev.TrialEnd != nil {
		rec.TrialEnd = subscription.TimeRef(*ev.TrialEnd)
	}
	rec.ObserveEvent(ev.OccurredAt)
	return nil
}

// tierFor resolves the tier of item. Events without a line item keep a paid
// tier as is; an unpaid record falls back to the default tier for
// unrecognized prices.
func (p *Processor) tierFor(rec *subscription.EntitlementRecord, item subscription.LineItem) subscription.Tier {
	if !item.IsZero() {
		return p.resolver.Resolve(item)
	}
	if rec.Tier.Paid() {
		return rec.Tier
	}
	return p.resolver.Default()
}

// guard rejects stale events and events for a subscription other than the
// record's current one.
func guard(rec *subscription.EntitlementRecord, env subscription.EventEnvelope) error {
	if rec.IsStale(env.OccurredAt) {
		return fmt.Errorf("%w: occurred %s, last applied %s", subscription.ErrStaleEvent, env.OccurredAt, rec.LastEventAt)
	}
	if isForeign(rec, env.SubscriptionRef) {
		return fmt.Errorf("%w: %s", subscription.ErrForeignSubscription, env.SubscriptionRef)
	}
	return nil
}

func guardInvoice(rec *subscription.EntitlementRecord, env subscription.EventEnvelope) error {
	if err := guard(rec, env); err != nil {
		return err
	}
	if rec.BillingSubscriptionRef == nil {
		return subscription.ErrNoSubscription
	}
	return nil
}

func isForeign(rec *subscription.EntitlementRecord, ref string) bool {
	return ref != "" && rec.BillingSubscriptionRef != nil && *rec.BillingSubscriptionRef != ref
}
