package aisexec

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	ErrCodeProtocol      ErrorCode = "protocol violation"
	ErrCodeNotAuthorized ErrorCode = "not authorized"
	ErrCodeNotConnected  ErrorCode = "client not connected"
	ErrCodeOutOfMemory   ErrorCode = "out of memory"
	ErrCodeQueueOverflow ErrorCode = "send queue overflow"
	ErrCodeBadService    ErrorCode = "unknown service"
	ErrCodeBadSelector   ErrorCode = "selector out of range"
	ErrCodeStartup       ErrorCode = "startup failure"
	ErrCodeTransport     ErrorCode = "transport failure"
	ErrCodeShutdown      ErrorCode = "shutting down"
)

// Error is a structured executive error with operation context and
// optional errno mapping.
type Error struct {
	Op    string        // operation that failed (e.g. "accept", "send")
	Fd    int           // client descriptor (-1 if not applicable)
	Code  ErrorCode     // high-level category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable detail
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Fd >= 0 {
		parts = append(parts, fmt.Sprintf("fd=%d", e.Fd))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("aisexec: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("aisexec: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on error code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Code == te.Code
}

// NewError creates a structured error without a descriptor.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Fd: -1, Code: code, Msg: msg}
}

// NewFdError creates a structured error bound to a client descriptor.
func NewFdError(op string, fd int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Fd: fd, Code: code, Msg: msg}
}

// WrapError wraps err with operation context, mapping syscall errnos
// to error codes.
func WrapError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		out := *ae
		out.Op = op
		out.Inner = ae.Inner
		return &out
	}
	code := ErrCodeTransport
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = mapErrnoToCode(errno)
		return &Error{Op: op, Fd: -1, Code: code, Errno: errno, Msg: errno.Error(), Inner: err}
	}
	return &Error{Op: op, Fd: -1, Code: code, Msg: err.Error(), Inner: err}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EPERM, syscall.EACCES:
		return ErrCodeNotAuthorized
	case syscall.ENOMEM, syscall.ENOBUFS:
		return ErrCodeOutOfMemory
	case syscall.ECONNRESET, syscall.EPIPE, syscall.ENOTCONN:
		return ErrCodeNotConnected
	default:
		return ErrCodeTransport
	}
}

// IsCode reports whether err is an executive error of the given code.
func IsCode(err error, code ErrorCode) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// isFatal reports whether a dispatch-path error must terminate the
// daemon rather than just the client: losing queued replies silently
// is a correctness hazard.
func isFatal(err error) bool {
	return IsCode(err, ErrCodeOutOfMemory) || IsCode(err, ErrCodeQueueOverflow)
}
