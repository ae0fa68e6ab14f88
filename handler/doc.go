// Package handler turns typed functions into JSON HTTP handlers.
//
// A HandlerFunc receives a decoded request struct and returns a Response.
// Wrap binds the body (see pkg/binder), validates `validate` struct tags with
// go-playground/validator, calls the function and renders the result. Errors
// are rendered in one envelope:
//
//	{"error": {"code": "active_subscription", "message": "...", "meta": {...}}}
//
// ValidationError becomes 422 with per-field details, HTTPError keeps its own
// status and key, and any other error is a 500 whose text is never exposed.
package handler
