package models

import "errors"

// Error taxonomy surfaced by the gateway. The HTTP layer maps these to status
// codes; everything else stays internal to the reconnect policy.
var (
	// ErrValidation marks bad caller input (400).
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized marks a missing or mismatched API key (401).
	ErrUnauthorized = errors.New("invalid api key")

	// ErrServiceUnavailable marks operations attempted without an active
	// terminal session (503).
	ErrServiceUnavailable = errors.New("not connected to terminal")

	// ErrNotFound marks a reference to an order or handle this process does
	// not track (404).
	ErrNotFound = errors.New("not found")

	// ErrNotAvailable marks a market data read for a symbol that has not
	// produced a tick yet.
	ErrNotAvailable = errors.New("no market data available yet")
)
