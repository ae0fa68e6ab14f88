package store

import "errors"

var (
	ErrNilPool     = errors.New("store: nil connection pool")
	ErrQueryFailed = errors.New("store: query failed")
)
