// Package subscription is the domain core of the billing engine: tiers, the
// per-user entitlement record, the status lifecycle, tier resolution and the
// billing provider adapters that turn provider webhooks into typed events.
//
// # Entitlement record
//
// EntitlementRecord is the single mutable resource of the engine. It is only
// changed through EntitlementStore.ApplyTransition, which re-reads the record
// under a per-user lock or row lock, runs a Mutation on a copy and commits it
// only if ValidateChange accepts the result:
//
//	status = canceled       => tier = free and no subscription reference
//	tier in {pro, premium}  => billing customer reference is set
//	lifetime discount       never decreases
//	early adopter flag      never cleared
//
// # Lifecycle
//
// Status moves along a fixed table (see CanTransition). Self-edges are allowed
// so re-applying an absolute state is a no-op. Moving to canceled always resets
// the tier to free and drops the subscription reference.
//
//	trial    -> active, past_due, canceled
//	active   -> past_due, canceled
//	past_due -> active, canceled
//	canceled -> trial, active
//
// # Events
//
// Providers verify and decode webhooks into the closed Event set. Consumers
// dispatch with a type switch that keeps a default arm, so new provider event
// kinds are acknowledged and ignored:
//
//	switch ev := event.(type) {
//	case subscription.CheckoutCompleted:
//		// ...
//	case subscription.SubscriptionDeleted:
//		// ...
//	default:
//		// acknowledged, not applied
//	}
//
// # Providers
//
// PaddleProvider and StripeProvider wrap the official SDKs. SignedProvider
// accepts provider-neutral envelopes signed with pkg/webhook and is meant for
// local development and tests:
//
//	p, err := subscription.NewSignedProvider(subscription.SignedConfig{WebhookSecret: secret})
//	body, header, err := subscription.SignEnvelope(secret, subscription.SignedEnvelope{
//		EventID: "evt_1",
//		Type:    string(subscription.EventSubscriptionDeleted),
//		SubscriptionRef: "sub_1",
//	}, time.Now())
//	event, err := p.ParseWebhook(ctx, body, header)
//
// # Tier resolution
//
// Resolver maps configured price identifiers to tiers and falls back to a legacy
// amount table. Resolution never fails; unknown prices resolve to the catalog's
// default tier and are logged.
package subscription
