package session

import "errors"

// Sentinel errors surfaced to API callers. The HTTP layer maps these to
// status codes; everything else is an internal error.
var (
	ErrNotFound            = errors.New("session not found")
	ErrBadRequest          = errors.New("bad request")
	ErrSessionExited       = errors.New("session has exited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrShuttingDown        = errors.New("server is shutting down")
)
