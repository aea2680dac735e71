package aisexec

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewFdError("send", 9, ErrCodeQueueOverflow, "outbound queue full")
	msg := err.Error()
	assert.Contains(t, msg, "op=send")
	assert.Contains(t, msg, "fd=9")
	assert.Contains(t, msg, "outbound queue full")

	bare := NewError("", ErrCodeStartup, "")
	assert.Equal(t, "aisexec: startup failure", bare.Error())
}

func TestIsCode(t *testing.T) {
	err := NewError("bind", ErrCodeBadService, "no service 9")
	assert.True(t, IsCode(err, ErrCodeBadService))
	assert.False(t, IsCode(err, ErrCodeProtocol))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeBadService))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeBadService))
}

func TestErrorsIsByCode(t *testing.T) {
	a := NewError("x", ErrCodeOutOfMemory, "a")
	b := NewFdError("y", 3, ErrCodeOutOfMemory, "b")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, NewError("x", ErrCodeProtocol, "")))
}

func TestWrapErrorErrnoMapping(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		want  ErrorCode
	}{
		{syscall.EPERM, ErrCodeNotAuthorized},
		{syscall.EACCES, ErrCodeNotAuthorized},
		{syscall.ENOMEM, ErrCodeOutOfMemory},
		{syscall.EPIPE, ErrCodeNotConnected},
		{syscall.ECONNRESET, ErrCodeNotConnected},
		{syscall.EINVAL, ErrCodeTransport},
	}
	for _, tt := range tests {
		err := WrapError("op", tt.errno)
		require.NotNil(t, err)
		assert.Equal(t, tt.want, err.Code, "errno %d", int(tt.errno))
		assert.Equal(t, tt.errno, err.Errno)
	}
}

func TestWrapErrorNil(t *testing.T) {
	var got *Error = WrapError("op", nil)
	assert.Nil(t, got)
}

func TestWrapErrorPreservesStructured(t *testing.T) {
	inner := NewFdError("send", 5, ErrCodeQueueOverflow, "full")
	out := WrapError("dispatch", inner)
	assert.Equal(t, "dispatch", out.Op)
	assert.Equal(t, ErrCodeQueueOverflow, out.Code)
	assert.Equal(t, 5, out.Fd)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(NewError("a", ErrCodeOutOfMemory, "")))
	assert.True(t, isFatal(NewError("a", ErrCodeQueueOverflow, "")))
	assert.False(t, isFatal(NewError("a", ErrCodeProtocol, "")))
	assert.False(t, isFatal(nil))
}
