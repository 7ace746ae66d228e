package models

import "errors"

// Error kinds that cross the HTTP boundary. Everything else is recovered
// where it happens.
var (
	// ErrChannelNotFound maps to 404; raised before any lease is taken.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoTunerAvailable maps to 503; the arbiter exhausted its wait budget.
	ErrNoTunerAvailable = errors.New("no tuner available")

	// ErrTunerError maps to 500 when the demodulator fails to start before
	// response headers are sent.
	ErrTunerError = errors.New("tuner error")
)
