package recon

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports a malformed target or module name. Caller's
// fault; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// DependencyError reports a missing external tool or credential. Raised only
// when Execute=true; fails fast without retry.
type DependencyError struct {
	Tool   string
	Reason string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %s", e.Tool, e.Reason)
}

// TransientError wraps a failure worth retrying: a timeout, a connection
// failure, or a non-zero tool exit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError reports a module resolution or configuration failure inside
// the worker.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration: %s", e.Reason)
}

// ParseError reports malformed external tool output. Non-fatal: the job
// still returns partial results with the error noted in the envelope.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Context cancellation
// is never transient; the job budget owns it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a caller-fault validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDependency reports whether err is a missing external dependency.
func IsDependency(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
