package p2p

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies an error surfaced through a Connection's on_error
// signal, per spec §7.
type ErrorKind uint8

const (
	// ErrInvalidEndpoint means a "host:port" string failed to parse.
	// Not retried; correction requires reconfiguration.
	ErrInvalidEndpoint ErrorKind = iota
	// ErrResolutionFailure means DNS resolution of an endpoint failed.
	ErrResolutionFailure
	// ErrConnectFailure means a socket-level failure: a dial or listen
	// that failed, a read or write error on an open socket, or a write
	// enqueued on a closed connection.
	ErrConnectFailure
	// ErrFramingError means an oversized frame, short read, or decode
	// failure was encountered. Fatal to the connection; it is closed and
	// retried.
	ErrFramingError
	// ErrProtocolError means a message arrived in a state that cannot
	// handle it. Default policy is to ignore it.
	ErrProtocolError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidEndpoint:
		return "InvalidEndpoint"
	case ErrResolutionFailure:
		return "ResolutionFailure"
	case ErrConnectFailure:
		return "ConnectFailure"
	case ErrFramingError:
		return "FramingError"
	case ErrProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// ConnectionError pairs an ErrorKind with its wrapped cause so callers of
// on_error can branch on kind without string matching.
type ConnectionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func wrapErr(kind ErrorKind, cause error, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Kind: kind, Err: errors.Wrapf(cause, format, args...)}
}

func newErr(kind ErrorKind, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Kind: kind, Err: errors.Errorf(format, args...)}
}
