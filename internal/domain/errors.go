package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNoData is returned when the remote source has nothing for the requested range.
	ErrNoData = errors.New("no data available")
	// ErrSizeMismatch is returned when a download does not match the advertised size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrMalformedIndex is returned when a frame-list line cannot be parsed.
	ErrMalformedIndex = errors.New("malformed index")
	// ErrIndexNotFound is returned when a channel has no frame list or it has no entries.
	ErrIndexNotFound = errors.New("index not found")
	// ErrToolUnavailable is returned when the external analysis tool cannot be launched.
	ErrToolUnavailable = errors.New("tool unavailable")
)

// ErrorKind is the closed set of failure classes the fetch workflow distinguishes.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindTransport
	KindRemote
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	case KindIO:
		return "io"
	}
	return "unknown"
}

// Error tags an underlying error with its kind.
type Error struct {
	Kind      ErrorKind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func RemoteError(op string, err error, retryable bool) error {
	return &Error{Kind: KindRemote, Op: op, Err: err, Retryable: retryable}
}

func IOError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// KindOf classifies err. Tagged errors keep their kind; untagged network failures are treated
// as transport; anything else, per-call timeouts included, is a remote-service failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if IsNetworkError(err) {
		return KindTransport
	}
	return KindRemote
}

// IsRetryable reports whether a remote failure may be retried within the same run.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Retryable
	}
	return false
}

// IsNetworkError reports whether err looks like a dropped or refused connection. Client-side
// failures surfaced through *url.Error (unsupported scheme, certificate errors, redirect
// loops) are not network errors: retrying them after a connectivity check cannot help.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
