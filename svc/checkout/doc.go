// Package checkout starts paid subscriptions: it checks the caller may buy a
// plan, makes sure a billing customer exists and is persisted, and returns a
// provider-hosted checkout URL.
package checkout
