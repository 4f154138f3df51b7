package protector

import "github.com/pkg/errors"

// ErrUnregisteredValidator is returned when a signing request names a public
// key absent from the registry cache. This is always surfaced to the caller
// and never reinterpreted as a deny: an unknown key is an operator error,
// not a slashing condition.
var ErrUnregisteredValidator = errors.New("unregistered validator")

// ErrMalformedRequest is returned for a request that is invalid regardless
// of history, e.g. an attestation with source epoch greater than target
// epoch. It is resolved before any store access.
var ErrMalformedRequest = errors.New("malformed signing request")

// ErrStorageUnavailable covers I/O and connectivity failures from the
// history store.
var ErrStorageUnavailable = errors.New("history store unavailable")

// ErrTransactionAborted covers serialization failures beyond the bounded
// retry budget of a decision.
var ErrTransactionAborted = errors.New("transaction aborted")

// ErrInterchangeRejected is returned when an imported interchange document
// would, under its own watermarks, violate a slashing invariant.
var ErrInterchangeRejected = errors.New("interchange document rejected")

// failClosed wraps a low-level failure so the caller can recognize it must
// treat the decision as deny, per the fail-closed propagation policy.
func failClosed(cause error, msg string) error {
	return errors.Wrapf(ErrStorageUnavailable, "%s: %v", msg, cause)
}
