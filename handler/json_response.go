package handler

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"

	"github.com/dmitrymomot/receiptkit/pkg/environment"
)

// JSONResponse is the response envelope.
type JSONResponse struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the error part of the envelope.
type ErrorDetail struct {
	Code    string              `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
	Meta    map[string]any      `json:"meta,omitempty"`
}

type jsonResponse struct {
	status int
	body   JSONResponse
	cause  error
}

func (j jsonResponse) Render(w http.ResponseWriter, r *http.Request) error {
	// Internal errors carry their cause outside production only.
	if j.cause != nil && j.body.Error != nil && j.status >= http.StatusInternalServerError {
		if env := environment.FromContext(r.Context()); env != "" && env != environment.Production {
			meta := maps.Clone(j.body.Error.Meta)
			if meta == nil {
				meta = make(map[string]any, 1)
			}
			meta["debug"] = j.cause.Error()
			j.body.Error.Meta = meta
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSONOption configures a JSON response.
type JSONOption func(*jsonResponse)

// WithJSONStatus overrides the status code.
func WithJSONStatus(status int) JSONOption {
	return func(r *jsonResponse) { r.status = status }
}

// WithJSONMeta sets the meta section.
func WithJSONMeta(meta map[string]any) JSONOption {
	return func(r *jsonResponse) { r.body.Meta = meta }
}

// JSON renders v as the data section with status 200.
// Passing an error is the same as calling JSONError.
func JSON(v any, opts ...JSONOption) Response {
	if err, ok := v.(error); ok {
		return JSONError(err, opts...)
	}
	r := &jsonResponse{status: http.StatusOK, body: JSONResponse{Data: v}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JSONError renders err as the error section with a status derived from it.
func JSONError(err error, opts ...JSONOption) Response {
	status, detail := ErrorDetails(err)
	r := &jsonResponse{status: status, body: JSONResponse{Error: detail}, cause: err}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrorDetails maps err to a status code and client-safe detail.
// ValidationError becomes 422, HTTPError keeps its code, anything else is a
// 500 whose message is not exposed.
func ErrorDetails(err error) (int, *ErrorDetail) {
	var ve ValidationError
	if errors.As(err, &ve) {
		detail := &ErrorDetail{Code: "validation_error", Message: "request validation failed"}
		if len(ve) > 0 {
			detail.Details = make(map[string][]string, len(ve))
			maps.Copy(detail.Details, ve)
		}
		return http.StatusUnprocessableEntity, detail
	}

	var he HTTPError
	if errors.As(err, &he) {
		msg := he.Message
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, &ErrorDetail{Code: he.Key, Message: msg, Meta: he.Meta}
	}

	return http.StatusInternalServerError, &ErrorDetail{
		Code:    ErrInternalServerError.Key,
		Message: http.StatusText(http.StatusInternalServerError),
	}
}
