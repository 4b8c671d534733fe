// Package errors defines the typed error taxonomy lower components raise
// and the Reconciler classifies, per the propagation policy: the
// Reconciler is the only place that decides retry/fail/ignore, and it
// decides based on the Kind attached here rather than string matching.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for the Reconciler's retry/fail/ignore
// decision.
type Kind string

const (
	// KindValidation covers malformed input or quota rejection: no
	// retries, surfaced directly as a Failed phase.
	KindValidation Kind = "Validation"

	// KindTransientNotReady covers pods still coming up: retried with a
	// short backoff, does not count against retryCount.
	KindTransientNotReady Kind = "TransientNotReady"

	// KindTransientInfra covers API 5xxs or installer hiccups: retried
	// with a longer backoff and counts against retryCount.
	KindTransientInfra Kind = "TransientInfra"

	// KindPermanent covers errors that retries cannot fix (missing
	// chart, broken cluster auth).
	KindPermanent Kind = "Permanent"

	// KindAlreadyGone covers not-found responses during teardown,
	// treated as success.
	KindAlreadyGone Kind = "AlreadyGone"
)

// TypedError carries a Kind alongside the wrapped cause so the Reconciler
// can switch on it without parsing messages.
type TypedError struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *TypedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TypedError) Unwrap() error { return e.cause }

// New constructs a TypedError, wrapping cause with pkg/errors so a stack
// trace is attached at the point of classification.
func New(kind Kind, reason string, cause error) *TypedError {
	if cause != nil {
		cause = pkgerrors.Wrap(cause, reason)
	}
	return &TypedError{Kind: kind, Reason: reason, cause: cause}
}

// NotReady builds a KindTransientNotReady error: readiness gates raise
// this while waiting on pods, never incrementing retryCount.
func NotReady(reason string) *TypedError {
	return New(KindTransientNotReady, reason, nil)
}

// Infra wraps a lower-level error (Kubernetes API, installer subprocess)
// as KindTransientInfra.
func Infra(reason string, cause error) *TypedError {
	return New(KindTransientInfra, reason, cause)
}

// Validation builds a KindValidation error (quota exceeded, bad spec).
func Validation(reason string) *TypedError {
	return New(KindValidation, reason, nil)
}

// AlreadyGone builds a KindAlreadyGone error for 404-equivalent teardown
// responses.
func AlreadyGone(reason string) *TypedError {
	return New(KindAlreadyGone, reason, nil)
}

// KindOf extracts the Kind from err, defaulting to KindPermanent for
// anything not already classified — an unrecognized error is treated as
// unrecoverable rather than silently retried forever.
func KindOf(err error) Kind {
	var te *TypedError
	if stderrors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}
