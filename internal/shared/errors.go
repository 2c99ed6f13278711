package shared

import "errors"

var (
	// ErrValidation indicates malformed input, rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a duplicate active grant or assignment.
	ErrConflict = errors.New("already granted")
	// ErrNotFound indicates an unknown role, permission, user or key.
	ErrNotFound = errors.New("not found")
	// ErrConsistency indicates a cache refresh failed after its paired write.
	// The surrounding transaction must roll back.
	ErrConsistency = errors.New("cache refresh failed")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)
