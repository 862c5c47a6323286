package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrExhausted indicates every dispatch attempt failed.
	ErrExhausted = errors.New("provider: retries exhausted")

	// ErrUnknownKind indicates the configured provider kind has no driver.
	ErrUnknownKind = errors.New("provider: unknown kind")
)

// Error is the terminal failure of a dispatch. It carries the last
// underlying cause.
type Error struct {
	Provider string
	Model    string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: failed after %d attempt(s): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrExhausted) true for every terminal failure.
func (e *Error) Is(target error) bool {
	return target == ErrExhausted
}

// StatusError is a non-2xx response from a provider endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}
