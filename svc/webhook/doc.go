// Package webhook processes billing provider webhooks into entitlement
// transitions.
//
// A delivery is verified by the provider, claimed per event id, deduplicated
// against the subscription event ledger and then applied to the user's
// entitlement record in one store transition. Every applied or skipped event
// leaves exactly one ledger row, which makes redelivery a no-op:
//
//	p := webhook.NewProcessor(provider, store, resolver,
//		webhook.WithLocker(redis.NewLocker(client, "receiptkit:webhook:", time.Minute)),
//		webhook.WithReferrals(referralEngine),
//		webhook.WithAudit(emitter),
//	)
//	r.Post("/webhooks/billing", webhook.Handler(p, log))
//
// Unknown event types and events for users that do not exist yet are
// acknowledged without a ledger row. Store failures are returned so the
// provider redelivers.
package webhook
