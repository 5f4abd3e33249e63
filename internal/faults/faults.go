// Package faults defines the error taxonomy for the lifecycle engine.
//
// Errors fall into four categories with distinct handling:
//   - ErrConfig: invalid or missing settings, fatal at startup
//   - ErrTransient: network/API failures, retried on the next tick
//   - ErrPermanent: unrecoverable adapter failures (e.g. revoked refresh
//     token), surfaced to the owner instead of retried
//   - ErrInvariant: corrupted state found at tick time (e.g. duplicate open
//     tasks), reconciled and logged, never crashes the tick
package faults

import (
	cr "github.com/cockroachdb/errors"
)

// Category marker errors. Classify with errors.Is / faults.IsTransient etc.
var (
	ErrConfig    = cr.New("configuration error")
	ErrTransient = cr.New("transient failure")
	ErrPermanent = cr.New("permanent failure")
	ErrInvariant = cr.New("invariant violation")
)

// New creates a new error with a stack trace.
func New(msg string) error {
	return cr.New(msg)
}

// Newf creates a new formatted error with a stack trace.
func Newf(format string, args ...any) error {
	return cr.Newf(format, args...)
}

// Wrap annotates err with msg, preserving markers and stack.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

// Config marks err as a configuration error.
func Config(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrConfig)
}

// Transient marks err as retryable on the next tick.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrTransient)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrPermanent)
}

// Invariant marks err as a state invariant violation.
func Invariant(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrInvariant)
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return cr.Is(err, ErrConfig) }

// IsTransient reports whether err should be retried on the next tick.
func IsTransient(err error) bool { return cr.Is(err, ErrTransient) }

// IsPermanent reports whether err is unrecoverable by retrying.
func IsPermanent(err error) bool { return cr.Is(err, ErrPermanent) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return cr.Is(err, ErrInvariant) }
