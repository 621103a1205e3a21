package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why synthesis failed.
type ErrorKind string

const (
	// KindTimeout means the backend did not answer within its budget.
	KindTimeout ErrorKind = "timeout"

	// KindQuota means the backend refused the request because of rate limits
	// or an exhausted character quota.
	KindQuota ErrorKind = "quota"

	// KindTransport covers every other failure: network errors, unexpected
	// status codes, undecodable responses.
	KindTransport ErrorKind = "transport"
)

// SynthesisError is returned by providers when a chunk cannot be synthesized.
type SynthesisError struct {
	// Provider names the backend that failed (e.g. "elevenlabs").
	Provider string

	// Kind is the failure class.
	Kind ErrorKind

	// StatusCode is the HTTP status returned by the backend, if any.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *SynthesisError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: synthesis %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: synthesis %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request against the same
// backend could plausibly succeed soon.
func (e *SynthesisError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransport
}

// NewSynthesisError builds a SynthesisError, deriving the kind from err when
// kind is empty.
func NewSynthesisError(provider string, kind ErrorKind, status int, err error) *SynthesisError {
	if kind == "" {
		kind = classify(err)
	}
	return &SynthesisError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// AsSynthesisError returns err as a *SynthesisError, wrapping plain errors as
// transport (or timeout, for deadline errors) failures of provider.
func AsSynthesisError(provider string, err error) *SynthesisError {
	if err == nil {
		return nil
	}
	var se *SynthesisError
	if errors.As(err, &se) {
		return se
	}
	return NewSynthesisError(provider, "", 0, err)
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}
