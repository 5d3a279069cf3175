package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrFailedToLock is returned when the lock could not be obtained. It is
	// recoverable: the caller decides whether to retry, back off or give up.
	ErrFailedToLock = errors.New("zlock: failed to lock")
	// ErrTimeout is returned when a bounded wait expired before the lock was
	// granted. It matches ErrFailedToLock.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrFailedToLock)
	// ErrInvalidArgument rejects bad input before any coordination call.
	ErrInvalidArgument = errors.New("zlock: invalid argument")

	// ErrConnection reports that the coordination service is unreachable.
	ErrConnection = errors.New("zlock: connection lost")
	// ErrSessionExpired reports that the client session ended. It matches
	// ErrConnection.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrConnection)

	ErrNodeExists = errors.New("zlock: node already exists")
	ErrNoNode     = errors.New("zlock: node does not exist")
	ErrNotEmpty   = errors.New("zlock: node has children")

	// ErrInconsistent signals a node missing from its own freshly listed
	// siblings. It is a defect, never retried.
	ErrInconsistent = errors.New("zlock: lock node missing from sibling list")
)
