package domain

import "errors"

var (
	ErrValidation    = errors.New("validation error")
	ErrNotConfigured = errors.New("not configured")
	ErrShuttingDown  = errors.New("shutting down")
)
