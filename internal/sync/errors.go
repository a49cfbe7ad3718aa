package sync

import (
	"errors"
	"fmt"
)

var (
	errMissingProvider = errors.New("sync: identity provider is required")
	errMissingStore    = errors.New("sync: bookmark store is required")
	errMissingFeed     = errors.New("sync: change feed is required")
)

// ValidationError reports bad user input. It is recovered locally: no remote
// call is issued and collection state is untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sync: invalid %s: %s", e.Field, e.Reason)
}

// FetchError reports a transport or store failure while fetching the
// collection. The previous collection is retained unchanged.
type FetchError struct {
	cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("sync: fetch failed: %v", e.cause)
}

func (e *FetchError) Unwrap() error {
	return e.cause
}

// WriteError reports a transport or store failure while applying an insert or
// delete. The write simply did not apply; collection state is untouched.
type WriteError struct {
	Op    string
	cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sync: %s failed: %v", e.Op, e.cause)
}

func (e *WriteError) Unwrap() error {
	return e.cause
}

// SubscriptionError reports a push-channel failure, either when opening the
// channel or when an open channel fails unrecoverably.
type SubscriptionError struct {
	cause error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("sync: subscription failed: %v", e.cause)
}

func (e *SubscriptionError) Unwrap() error {
	return e.cause
}
