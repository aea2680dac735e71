package aisexec

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/gmi"
	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/internal/poll"
)

// This file provides public helpers for testing services against a
// real executive: a recording service that captures every dispatch,
// and a harness that runs the executive over socketpairs and the
// in-process transport, no privileges or reactor goroutine required.

// DispatchRecord captures one handler invocation.
type DispatchRecord struct {
	Fn      int
	Fd      int
	Payload []byte
}

// RecordingService is a Service whose entry points record their
// invocations for later assertions.
type RecordingService struct {
	Svc *Service

	InitFds  []int
	Requests []DispatchRecord
	Ordered  []DispatchRecord
	Views    []View
	ExitFds  []int

	// InitErr, if set, is returned from the bind callback.
	InitErr error
	// RequestErr, if set, is returned from every request handler.
	RequestErr error
}

// NewRecordingService builds a recording service with the given
// number of request and ordered handlers.
func NewRecordingService(name string, requests, ordered int) *RecordingService {
	rs := &RecordingService{}
	svc := &Service{
		Name: name,
		LibInit: func(e *Exec, fd int, hdr Header, payload []byte) error {
			if rs.InitErr != nil {
				return rs.InitErr
			}
			rs.InitFds = append(rs.InitFds, fd)
			return nil
		},
		ConfChg: func(e *Exec, view View) {
			rs.Views = append(rs.Views, view)
		},
		LibExit: func(e *Exec, fd int) {
			rs.ExitFds = append(rs.ExitFds, fd)
		},
	}
	for i := 0; i < requests; i++ {
		fn := i
		svc.LibHandlers = append(svc.LibHandlers, func(e *Exec, fd int, hdr Header, payload []byte) error {
			if rs.RequestErr != nil {
				return rs.RequestErr
			}
			rs.Requests = append(rs.Requests, DispatchRecord{Fn: fn, Fd: fd, Payload: append([]byte(nil), payload...)})
			return nil
		})
	}
	for i := 0; i < ordered; i++ {
		fn := i
		svc.ExecHandlers = append(svc.ExecHandlers, func(e *Exec, source int, hdr Header, payload []byte) error {
			rs.Ordered = append(rs.Ordered, DispatchRecord{Fn: fn, Fd: source, Payload: append([]byte(nil), payload...)})
			return nil
		})
	}
	rs.Svc = svc
	return rs
}

// Harness runs an executive for tests: solo transport, no client
// socket, no signals, no privileges. Callbacks are driven directly
// instead of through a running reactor, keeping tests deterministic.
type Harness struct {
	Exec *Exec
	solo *gmi.Solo
}

// NewHarness brings up an executive over the given services.
func NewHarness(services ...*Service) (*Harness, error) {
	h := &Harness{}
	e := New(nil, services, &Options{
		SkipPrivileged: true,
		NoListen:       true,
		NoSignals:      true,
		Logger:         logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Transport: func(r *poll.Reactor) (gmi.Transport, error) {
			s, err := gmi.NewSolo(r)
			h.solo = s
			return s, err
		},
	})
	if err := e.setup(); err != nil {
		e.teardown()
		return nil, err
	}
	h.Exec = e
	return h, nil
}

// Connect attaches a client over a socketpair and returns its handle.
func (h *Harness) Connect() (*TestClient, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, WrapError("connect", err)
	}
	server, client := fds[0], fds[1]
	if err := h.Exec.adoptClient(h.Exec.reactor, server, "harness"); err != nil {
		unix.Close(server)
		unix.Close(client)
		return nil, err
	}
	return &TestClient{fd: client, serverFd: server}, nil
}

// Pump invokes the executive's read callback for the client once, the
// way the reactor would, including descriptor removal on disconnect.
// The callback's verdict is returned for assertions.
func (h *Harness) Pump(c *TestClient) error {
	err := h.Exec.onClient(h.Exec.reactor, c.serverFd, poll.In)
	if err != nil {
		h.Exec.reactor.Delete(c.serverFd)
	}
	return err
}

// FlushTransport delivers every pending ordered multicast.
func (h *Harness) FlushTransport() {
	h.solo.Flush()
}

// LeaveGroup simulates the local node dropping out of the view.
func (h *Harness) LeaveGroup() {
	h.solo.Leave()
}

// Close tears the executive down.
func (h *Harness) Close() error {
	return h.Exec.teardown()
}

// ErrNoFrame reports that a non-blocking receive found no complete
// frame.
var ErrNoFrame = NewError("recv", ErrCodeTransport, "no frame available")

// TestClient is the client end of a harness connection.
type TestClient struct {
	fd       int
	serverFd int
	rbuf     []byte
}

// Fd returns the server-side descriptor of this connection.
func (c *TestClient) Fd() int { return c.serverFd }

// Send writes raw bytes to the server.
func (c *TestClient) Send(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(c.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// EAGAIN included: a test that fills the kernel buffer
			// should fail loudly, not spin.
			return WrapError("send", err)
		}
		b = b[n:]
	}
	return nil
}

// SendFrame frames payload under id and sends it.
func (c *TestClient) SendFrame(id int32, payload []byte) error {
	return c.Send(BuildFrame(id, payload))
}

// RecvFrame returns the next complete frame, or ErrNoFrame when the
// socket has nothing further.
func (c *TestClient) RecvFrame() (Header, []byte, error) {
	for {
		if len(c.rbuf) >= HeaderSize {
			hdr := ParseHeader(c.rbuf)
			if int(hdr.Size) <= len(c.rbuf) {
				payload := append([]byte(nil), c.rbuf[HeaderSize:hdr.Size]...)
				c.rbuf = append(c.rbuf[:0:0], c.rbuf[hdr.Size:]...)
				return hdr, payload, nil
			}
		}
		buf := make([]byte, 4096)
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return Header{}, nil, ErrNoFrame
		}
		if err != nil {
			return Header{}, nil, WrapError("recv", err)
		}
		if n == 0 {
			return Header{}, nil, NewError("recv", ErrCodeNotConnected, "server closed the connection")
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
	}
}

// Close releases the client end.
func (c *TestClient) Close() {
	unix.Close(c.fd)
}
