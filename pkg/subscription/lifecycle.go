package subscription

import (
	"fmt"
	"strings"
)

// transitions lists the allowed status edges. Self-edges are always allowed
// so re-applying an absolute state is idempotent.
var transitions = map[Status][]Status{
	StatusTrial:    {StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusCanceled: {StatusTrial, StatusActive},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the record to status, returning ErrInvalidTransition for off-table edges.
// Moving to canceled also normalizes tier and subscription reference.
func (r *EntitlementRecord) TransitionTo(status Status) error {
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	if status == StatusCanceled {
		r.Cancel()
		return nil
	}
	r.Status = status
	return nil
}

// MapProviderStatus converts a provider subscription status to an internal status.
// The second return value is false for statuses with no internal equivalent.
func MapProviderStatus(providerStatus string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "trialing", "trial":
		return StatusTrial, true
	case "active":
		return StatusActive, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired", "paused", "expired":
		return StatusCanceled, true
	}
	return "", false
}
