package aisexec

import (
	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/fifo"
)

// connection is the per-descriptor client state. Fields are
// meaningless while active is false.
type connection struct {
	fd            int
	active        bool
	authenticated bool

	// service is serviceUnbound until the first frame selects a
	// service; then index+1, exactly once.
	service int

	addr string

	// Receive buffer cursors: unparsed bytes occupy
	// [inbStart-inbInuse, inbStart). inbInuse <= inbStart <= cap.
	inb      []byte
	inbStart int
	inbInuse int

	// Outbound frame queue, drained in FIFO order before any new
	// reply goes out directly. byteStart is the transmitted prefix
	// of the head frame.
	outq      *fifo.Ring
	byteStart int
}

// connTable maps descriptors to connections as a dense slice grown
// monotonically; removal deactivates a slot but never shrinks.
// Handlers must re-look-up by descriptor rather than cache pointers
// across calls that may grow the table.
type connTable struct {
	conns []connection
}

// grow extends the table to cover fd, zero-filling new slots.
func (t *connTable) grow(fd int) {
	for len(t.conns) <= fd {
		t.conns = append(t.conns, connection{})
	}
}

// lookup returns the slot for fd, or nil when fd was never covered.
func (t *connTable) lookup(fd int) *connection {
	if fd < 0 || fd >= len(t.conns) {
		return nil
	}
	return &t.conns[fd]
}

// active returns the live connection for fd, or nil.
func (t *connTable) active(fd int) *connection {
	c := t.lookup(fd)
	if c == nil || !c.active {
		return nil
	}
	return c
}

// activeFds lists every live descriptor, for shutdown teardown.
func (t *connTable) activeFds() []int {
	var fds []int
	for fd := range t.conns {
		if t.conns[fd].active {
			fds = append(fds, fd)
		}
	}
	return fds
}

// initConn populates the slot for a freshly accepted descriptor.
// The receive buffer comes from the slab pool.
func (e *Exec) initConn(fd int, addr string) error {
	e.conns.grow(fd)
	c := &e.conns.conns[fd]
	inb := e.pool.Alloc(RecvBufferSize)
	if inb == nil {
		return NewFdError("accept", fd, ErrCodeOutOfMemory, "no receive buffer")
	}
	*c = connection{
		fd:      fd,
		active:  true,
		service: serviceUnbound,
		addr:    addr,
		inb:     inb,
		outq:    fifo.New(SendQueueCap),
	}
	return nil
}

// disconnect tears a connection down: exit hooks for every service,
// close, then buffer release. Idempotent. Reactor removal is the
// caller's side: callbacks return the disconnect sentinel, the
// shutdown path deletes explicitly.
func (e *Exec) disconnect(fd int) {
	c := e.conns.active(fd)
	if c == nil {
		return
	}
	c.active = false
	for _, svc := range e.services {
		if svc.LibExit != nil {
			svc.LibExit(e, fd)
		}
	}
	unix.Close(fd)
	e.pool.Free(c.inb)
	c.inb = nil
	c.outq.Drain(func(it fifo.Item) { e.pool.Free(it.Msg) })
	e.stats.Disconnects.Add(1)
	e.log.Debug("client disconnected", "fd", fd)
}
