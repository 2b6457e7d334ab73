package wiremesh

import "errors"

var (
	// ErrNotFound indicates a required key is missing from the store.
	ErrNotFound = errors.New("not found")
	// ErrKeyExists indicates a uniqueness violation on create.
	ErrKeyExists = errors.New("key exists")
	// ErrImmutableClient indicates a mutation targeted the server's own identity.
	ErrImmutableClient = errors.New("server identity is immutable")
	// ErrPermissionDenied indicates a kernel operation lacked privilege.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrLeaseConflict indicates another live process holds the writer lease.
	ErrLeaseConflict = errors.New("lease held by another process")
	// ErrPoolExhausted indicates the allocator ran out of attempts.
	ErrPoolExhausted = errors.New("address pool exhausted")
)

// ValidationError indicates an invalid input to a store operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}
