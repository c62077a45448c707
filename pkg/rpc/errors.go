package rpc

import (
	"errors"
	"fmt"
)

// Resolution and dispatch errors. The transports map these onto wire error
// frames and JSON-RPC error codes.
var (
	// ErrDuplicateService is returned by Register when the name is taken
	// and override was not requested.
	ErrDuplicateService = errors.New("service already registered")

	// ErrUnknownService means the service part of a qualified method did
	// not resolve.
	ErrUnknownService = errors.New("unknown service")

	// ErrUnknownMethod means the service exists but has no such method.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrForbidden means the method exists but is not remotely callable
	// (not allow-listed, or its name starts with an underscore).
	ErrForbidden = errors.New("method not callable")

	// ErrBadQualifiedMethod means the method string did not contain
	// exactly one dot.
	ErrBadQualifiedMethod = errors.New("method must be of the form service.method")

	// ErrInvalidParams means the params payload could not be bound to the
	// method's parameter.
	ErrInvalidParams = errors.New("invalid params")
)

// HandlerError wraps a failure (error return or panic) inside user method
// code, so transports can distinguish it from protocol-level errors.
type HandlerError struct {
	Method string
	Err    error
	Stack  string // captured only for panics
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
