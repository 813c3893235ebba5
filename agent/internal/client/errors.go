package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors matched with errors.Is against an *APIError.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-success HTTP response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Is maps status codes onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// EncodeError means the request could not be built; retrying won't help.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// Class is the retry classification of an error.
type Class int

const (
	// Retryable errors are transient: cache the work and try again later.
	Retryable Class = iota
	// Fatal errors will not succeed on retry: drop the work.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classify decides whether an error from this client is worth retrying.
// Transport failures, timeouts, 408, 429 and 5xx are retryable; other
// HTTP errors and encode failures are fatal.
func Classify(err error) Class {
	if err == nil {
		return Retryable
	}

	var encErr *EncodeError
	if errors.As(err, &encErr) {
		return Fatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return Retryable
		default:
			return Fatal
		}
	}

	// Anything else came from the transport: refused, reset, DNS, timeout.
	return Retryable
}
