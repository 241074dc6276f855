package kv

import "errors"

var (
	// ErrDocNotFound is returned when the key has no live entry.
	ErrDocNotFound = errors.New("document not found")
	// ErrDocExists is returned by Insert when the key is already occupied.
	ErrDocExists = errors.New("document already exists")
	// ErrCasMismatch is returned when the supplied CAS is stale.
	ErrCasMismatch = errors.New("cas mismatch")
	// ErrTimeout means the operation may or may not have been applied.
	ErrTimeout = errors.New("store operation timed out")
	// ErrUnavailable means the store could not serve the request at all.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidDurability is returned by ParseDurability.
	ErrInvalidDurability = errors.New("invalid durability level")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// IsTransient reports whether err is a transient infrastructure failure
// (timeout or unavailability) as opposed to a definite answer from the store.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClosed)
}

// IsAmbiguous reports whether a failed write may nonetheless have been applied.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrTimeout)
}
