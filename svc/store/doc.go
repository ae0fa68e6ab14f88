// Package store persists entitlement records and the append-only subscription
// event and referral ledgers in Postgres.
//
// Row-level locking (SELECT ... FOR UPDATE) gives ApplyTransition its
// per-user atomicity; unique constraints on subscription_events.external_event_id,
// referrals.referred_id and referral_bonuses(referrer_id, milestone) make replayed
// webhooks and referral credits idempotent. The cross-field entitlement
// invariants are checked in Go before every write and enforced again by CHECK
// constraints.
//
// Schema migrations are embedded and applied with pg.Migrate:
//
//	if err := pg.Migrate(ctx, pool, store.Migrations(), cfg, log); err != nil { ... }
package store
