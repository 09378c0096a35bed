package model

import "errors"

// Pipeline error classes. Components wrap these with fmt.Errorf("...: %w")
// so callers can classify failures with errors.Is.
var (
	// ErrStartupFailure is fatal: the listener or access log could not be opened.
	ErrStartupFailure = errors.New("startup failure")

	// ErrMalformedRequest means the client did not send a usable request line.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnsupportedMethod means the request line named a method other than GET.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrUpstreamUnreachable covers resolution and connect failures.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrRelayFailure is a read or write error on either socket mid-relay.
	ErrRelayFailure = errors.New("relay failure")

	// ErrLogWrite is a failed access-log append. It never aborts the request.
	ErrLogWrite = errors.New("access log write failed")
)
