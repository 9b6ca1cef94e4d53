package errors

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError is a transport-level failure on a broker connection.
// Retryable through the reconnect state machine, bounded by the circuit
// breaker.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the broker rejected our credentials. Fatal for
// the current connection attempt; not auto-retried.
type AuthenticationError struct {
	Broker string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Broker, e.Reason)
}

// MessageError is a single-frame send or parse failure. Non-fatal to the
// connection.
type MessageError struct {
	Op  string
	Err error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s failed: %v", e.Op, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// RateLimitError reports a throttled operation and how long the caller
// should wait before retrying.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, retry in %.1fs", e.Limit, e.RetryAfter.Seconds())
}

// TokenRefreshError is a scheduler-local refresh failure for one credential.
type TokenRefreshError struct {
	CredentialID string
	Err          error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh for credential %s failed: %v", e.CredentialID, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Sentinel errors for fast-fail paths.
var (
	// ErrCircuitOpen means the breaker is gating connection attempts.
	// Callers should back off.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrPoolExhausted means the pool is full and no member is reusable.
	// Fatal to the requesting operation, not retried internally.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrNotConnected means an operation required a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrLockTimeout means a per-resource lock was not acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)
