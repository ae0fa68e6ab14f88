package webhook

import "errors"

var (
	ErrInFlight      = errors.New("event is being processed by another delivery")
	ErrLockFailed    = errors.New("failed to claim event for processing")
	ErrEventRequired = errors.New("verified event is required")
)
