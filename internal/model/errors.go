package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a run or a single call failed.
type ErrorKind string

const (
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindProviderRejected    ErrorKind = "provider_rejected"
	KindSchemaViolation     ErrorKind = "schema_violation"
	KindRetryExhausted      ErrorKind = "retry_exhausted"
	KindResearchGap         ErrorKind = "research_gap"
	KindInvalidInput        ErrorKind = "invalid_input"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// ErrInvalidDomain is returned when a raw domain cannot be normalised.
var ErrInvalidDomain = errors.New("invalid domain")

// ProviderError is returned by text-generation adapters and research
// collaborators. Class is either KindProviderUnavailable or KindProviderRejected.
type ProviderError struct {
	Class     ErrorKind
	Provider  string
	Status    int
	Permanent bool
	Err       error
}

// Unavailable wraps err as a transient provider_unavailable failure.
func Unavailable(provider string, err error) *ProviderError {
	return &ProviderError{Class: KindProviderUnavailable, Provider: provider, Err: err}
}

// Rejected wraps err as a transient provider_rejected failure.
func Rejected(provider string, status int, err error) *ProviderError {
	return &ProviderError{Class: KindProviderRejected, Provider: provider, Status: status, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
func (e *ProviderError) Kind() ErrorKind { return e.Class }
func (e *ProviderError) Retryable() bool { return !e.Permanent }

// KindOf reports the ErrorKind of the outermost typed error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrInvalidDomain):
		return KindInvalidInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindInternal
}
