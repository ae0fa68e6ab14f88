// Package auth authenticates API requests with bearer JWTs and exposes the
// caller's user id to handlers.
package auth
