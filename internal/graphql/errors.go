package graphql

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation.
type ErrorKind int

// Failure kinds. Every kind except KindServer is retryable.
const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindHTTPStatus
	KindDecode
	// KindServer marks a well-formed errors array returned by the server.
	KindServer
	KindConnection
)

// String returns the metric label for k.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	case KindServer:
		return "server"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// TransportError is the uniform failure shape returned by the transport
// and the subscription connection.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// Error formats the failure as a single user-facing message.
func (e *TransportError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "graphql: request timeout"
	case KindHTTPStatus:
		return fmt.Sprintf("graphql: unexpected HTTP status %d", e.StatusCode)
	}
	if e.Err == nil {
		return "graphql: " + e.Kind.String() + " error"
	}
	return fmt.Sprintf("graphql: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause, if any.
func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err. Errors that are not a
// TransportError or an ErrorList are KindUnknown.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	var list ErrorList
	if errors.As(err, &list) {
		return KindServer
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transport-level failure that the
// executor may retry. Server-reported errors are not retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindHTTPStatus, KindDecode, KindConnection, KindUnknown:
		return true
	default:
		return false
	}
}
