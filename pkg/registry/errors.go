package registry

import "errors"

var (
	// ErrServiceNotFound is returned by backends when no registration has the name.
	ErrServiceNotFound = errors.New("service not found")
	// ErrInvalidDefinition wraps registration payload validation failures.
	ErrInvalidDefinition = errors.New("invalid service definition")
	// ErrClosed is returned after the registry backend has been closed.
	ErrClosed = errors.New("registry closed")
)
