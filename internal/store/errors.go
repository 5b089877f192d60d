package store

import "errors"

var (
	// ErrNotFound is returned when an execution or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional transition lost: the job moved
	// past the status, attempt or lease the caller expected.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyTerminal is returned when an execution has already finished.
	ErrAlreadyTerminal = errors.New("execution already terminal")

	// ErrStoreUnavailable is returned when the backing store could not be
	// reached within the retry budget.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsDomainError reports whether err is an answer from the store rather than a
// failure to reach it. Domain errors are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyTerminal)
}
