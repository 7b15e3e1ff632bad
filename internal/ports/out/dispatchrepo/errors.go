package dispatchrepo

import "errors"

var (
	// ErrRequestNotFound indicates the transport request does not exist.
	ErrRequestNotFound = errors.New("transport request not found")

	// ErrAssignmentNotFound indicates the assignment does not exist.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrAlreadyExists indicates a record already exists with the provided ID.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrStatusConflict indicates a guarded write failed its precondition:
	// another caller changed the status first.
	ErrStatusConflict = errors.New("status precondition failed")

	// ErrUnavailable indicates the backing store could not be reached. Callers
	// may retry with backoff; every other error in this package is permanent.
	ErrUnavailable = errors.New("request store unavailable")
)
