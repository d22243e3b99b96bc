package session

import "errors"

var (
	// ErrObserverCannotPush rejects a BulkPush from a role without
	// push capability.
	ErrObserverCannotPush = errors.New("session: observer cannot push")

	// ErrClientCannotObserve rejects an Observe call from a role
	// without observe capability.
	ErrClientCannotObserve = errors.New("session: client cannot observe")

	// ErrMustFillQueryHistory rejects a handshake where an
	// observe-capable role omitted its history policy.
	ErrMustFillQueryHistory = errors.New("session: observer/director must supply a history policy")

	// ErrStreamClosed reports that one of the watcher's live query
	// streams ended while the watcher was still running.
	ErrStreamClosed = errors.New("session: live query stream closed")

	// ErrCorruptedData reports a store record that failed to decode
	// into the expected shape.
	ErrCorruptedData = errors.New("session: corrupted record data")
)
