package audit

import "errors"

var (
	ErrNilWriter     = errors.New("audit writer cannot be nil")
	ErrEmitterClosed = errors.New("audit emitter is closed")
)
