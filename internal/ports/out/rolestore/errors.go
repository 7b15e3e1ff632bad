package rolestore

import "errors"

var (
	// ErrProfileNotFound indicates no profile exists for the user.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrClaimNotFound indicates no claim has been written for the user yet.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrAlreadyExists indicates a profile already exists with the provided ID.
	ErrAlreadyExists = errors.New("profile already exists")

	// ErrSubjectAlreadyBound indicates a profile already exists for the subject.
	ErrSubjectAlreadyBound = errors.New("profile subject already bound")

	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("role store unavailable")
)
