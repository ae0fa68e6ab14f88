package audit

import "github.com/google/uuid"

// WithUserID sets the user the event is about.
func WithUserID(id uuid.UUID) EventOption {
	return func(e *Event) {
		if id != uuid.Nil {
			e.UserID = id.String()
		}
	}
}

// WithResource sets the resource type and ID.
func WithResource(resource, id string) EventOption {
	return func(e *Event) {
		e.Resource = resource
		e.ResourceID = id
	}
}

// WithMetadata adds a metadata entry.
func WithMetadata(key string, value any) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// WithResult sets the event result. Defaults to ResultSuccess.
func WithResult(result Result) EventOption {
	return func(e *Event) {
		e.Result = result
	}
}

// WithError records err and marks the event as failed.
func WithError(err error) EventOption {
	return func(e *Event) {
		if err == nil {
			return
		}
		e.Error = err.Error()
		e.Result = ResultFailure
	}
}
