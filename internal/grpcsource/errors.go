package grpcsource

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpcsource: no endpoints available")
	// ErrClosed is returned by Open after the client has been closed.
	ErrClosed = errors.New("grpcsource: client closed")
	// ErrBadMethod reports a method name not of the form /package.Service/Method.
	ErrBadMethod = errors.New("grpcsource: malformed method name")
	// ErrBadEndpoint reports an endpoint spec with an empty service or target.
	ErrBadEndpoint = errors.New("grpcsource: malformed endpoint spec")
)
