package crawler

import (
	"context"
	"errors"
	"fmt"
)

// FetchErrorKind classifies the failures a protocol handler can report.
type FetchErrorKind string

// Fetch error kinds.
const (
	// FetchTransient covers per-request failures worth retrying after the
	// directory backoff.
	FetchTransient FetchErrorKind = "transient"
	// FetchSiteUnreachable means the site itself could not be contacted;
	// the whole site backs off.
	FetchSiteUnreachable FetchErrorKind = "site_unreachable"
	// FetchPermanent means the path is gone or forbidden; the subtree is
	// pruned and the task is not retried.
	FetchPermanent FetchErrorKind = "permanent"
)

// FetchError is a classified failure returned by a Handler.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with a classification.
func NewFetchError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// ClassifyFetchError maps a handler error to an outcome kind. Unclassified
// errors and deadline expiries count as transient.
func ClassifyFetchError(err error) OutcomeKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FetchSiteUnreachable:
			return OutcomeSiteUnreachable
		case FetchPermanent:
			return OutcomePermanent
		}
		return OutcomeTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	return OutcomeTransient
}
