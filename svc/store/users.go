package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/pg"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// IsEmailVerified reports whether the user confirmed their email address.
func (s *Postgres) IsEmailVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	var verifiedAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT email_verified_at FROM users WHERE id = $1`, userID).Scan(&verifiedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return false, subscription.ErrUserNotFound
		}
		return false, errors.Join(ErrQueryFailed, err)
	}
	return verifiedAt != nil, nil
}

// LookupEmail returns the user's email address.
func (s *Postgres) LookupEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return "", subscription.ErrUserNotFound
		}
		return "", errors.Join(ErrQueryFailed, err)
	}
	return email, nil
}
