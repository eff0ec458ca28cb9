package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in §7. Each replies on the request's own
// channel; none of them ever take the server or a worker down.
var (
	// ErrExpired means a request was dequeued after its Hard/Break
	// deadline had already passed.
	ErrExpired = errors.New("store: request expired before execution")
	// ErrTooLong means a Break-timeout callback overran its deadline and
	// was aborted mid-execution.
	ErrTooLong = errors.New("store: callback exceeded its break timeout")
	// ErrDuplicateKeys means New saw the same key twice in its initial set.
	ErrDuplicateKeys = errors.New("store: duplicate key in initial set")
	// ErrWorkerCrashed means a worker died mid-transaction; the
	// coordinator unblocks its peers and fails the call.
	ErrWorkerCrashed = errors.New("store: worker crashed during transaction")
	// ErrShutdown means the store was stopped: calls made after Stop fail
	// with this error. Requests already queued on a worker when Stop is
	// called are still executed, not failed.
	ErrShutdown = errors.New("store: stopped")
	// ErrUnknownKey is returned by Actions-map validation when a
	// multi-key callback targets a key outside the transaction's upd_set.
	ErrUnknownKey = errors.New("store: action targets a key outside upd_set")
)

// CallbackError reports a multi-key callback result that could not be
// interpreted: an Actions map entry for a key that was never part of the
// transaction's upd_set. It carries enough context to find the offending
// entry without re-running the callback.
type CallbackError struct {
	Key any // the offending key, rendered via %v since K isn't known here
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("store: callback error for key %v: %v", e.Key, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
