package audit

import (
	"time"
)

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultSkipped Result = "skipped"
	ResultFailure Result = "failure"
)

// Audited actions.
const (
	ActionCheckoutCreated     = "checkout.created"
	ActionCheckoutFailed      = "checkout.failed"
	ActionTransitionApplied   = "entitlement.transition_applied"
	ActionTransitionSkipped   = "entitlement.transition_skipped"
	ActionConsistencyFault    = "entitlement.consistency_fault"
	ActionTrialExpired        = "entitlement.trial_expired"
	ActionWebhookRejected     = "webhook.rejected"
	ActionWebhookUserNotFound = "webhook.user_not_found"
	ActionReferralCredited    = "referral.credited"
	ActionReferralBonus       = "referral.bonus_granted"
	ActionReferralFailed      = "referral.failed"
	ActionNotificationFailed  = "notification.failed"
)

// Event is a single audit trail entry.
type Event struct {
	ID         string         `json:"id" bson:"_id"`
	Action     string         `json:"action" bson:"action"`
	UserID     string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Resource   string         `json:"resource,omitempty" bson:"resource,omitempty"`
	ResourceID string         `json:"resource_id,omitempty" bson:"resource_id,omitempty"`
	Result     Result         `json:"result" bson:"result"`
	Error      string         `json:"error,omitempty" bson:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty" bson:"request_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" bson:"occurred_at"`
}

// EventOption configures an Event passed to Emitter.Emit.
type EventOption func(*Event)
