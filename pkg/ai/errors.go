// Package ai provides the error classification and retry configuration shared by
// the realtime channel, the turn controller and the callers that supervise them.
package ai

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Common error types used across realtime components
var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: dropped connection, server overload, temporary service unavailability.
	// Recommended action: retry with exponential backoff.
	ErrRecoverable = errors.New("recoverable realtime error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, unknown model, rejected session settings.
	// Recommended action: fail fast, do not retry.
	ErrFatal = errors.New("fatal realtime error")
)

// RetryConfig configures retry behavior for recoverable errors
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterPercent float32       // Random jitter percentage (0.0-1.0)
}

// DefaultRetryConfig reconnects after 1s, 2s, 4s, 8s, capped at 10s.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    5,
	InitialDelay:  time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// Backoff returns the delay before retry number attempt (1-based).
// rng may be nil, in which case no jitter is applied.
func (c RetryConfig) Backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if rng != nil && c.JitterPercent > 0 {
		// spread uniformly over [-jitter, +jitter]
		jitter := delay * float64(c.JitterPercent)
		delay += (rng.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// IsRecoverable checks if an error is recoverable and should be retried
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying error with retry classification
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Underlying != nil:
		return e.Underlying.Error()
	case e.Retryable:
		return ErrRecoverable.Error()
	}
	return ErrFatal.Error()
}

// Unwrap exposes both the classification sentinel and the underlying cause.
func (e *RetryableError) Unwrap() []error {
	class := ErrFatal
	if e.Retryable {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

// NewRecoverableError creates a recoverable error with context
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    message,
	}
}

// NewFatalError creates a fatal error with context
func NewFatalError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  false,
		Message:    message,
	}
}
