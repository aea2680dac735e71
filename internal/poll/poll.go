// Package poll is the level-triggered readiness reactor driving the
// executive. It multiplexes descriptors with poll(2) and invokes one
// callback at a time; all daemon state is owned by the goroutine
// inside Run.
package poll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event interest bits, re-exported so callers need not import unix.
const (
	In  = unix.POLLIN
	Out = unix.POLLOUT
)

// ErrDisconnect is the sentinel a callback returns to have the reactor
// remove its descriptor and continue. Any other non-nil error stops
// Run and is returned to the caller.
var ErrDisconnect = errors.New("poll: disconnect")

// Callback handles readiness on one descriptor. The reactor handle is
// passed as a value so callbacks can add or remove descriptors without
// holding a back-pointer.
type Callback func(r *Reactor, fd int, revents int16) error

type entry struct {
	active  bool
	events  int16
	handler Callback
}

// Reactor multiplexes registered descriptors. Not safe for concurrent
// use; Add is permitted from inside callbacks and becomes visible on
// the next cycle.
type Reactor struct {
	entries []entry
	pfds    []unix.PollFd
	dirty   bool
	stopped bool
}

// New creates an empty reactor.
func New() *Reactor {
	return &Reactor{}
}

func (r *Reactor) grow(fd int) {
	for len(r.entries) <= fd {
		r.entries = append(r.entries, entry{})
	}
}

// Add registers fd with the given interest mask and callback.
func (r *Reactor) Add(fd int, events int16, handler Callback) error {
	if fd < 0 {
		return fmt.Errorf("poll: add: bad fd %d", fd)
	}
	if handler == nil {
		return fmt.Errorf("poll: add: nil handler for fd %d", fd)
	}
	r.grow(fd)
	if r.entries[fd].active {
		return fmt.Errorf("poll: add: fd %d already registered", fd)
	}
	r.entries[fd] = entry{active: true, events: events, handler: handler}
	r.dirty = true
	return nil
}

// Modify changes the interest mask of a registered fd.
func (r *Reactor) Modify(fd int, events int16) error {
	if fd < 0 || fd >= len(r.entries) || !r.entries[fd].active {
		return fmt.Errorf("poll: modify: fd %d not registered", fd)
	}
	r.entries[fd].events = events
	r.dirty = true
	return nil
}

// Delete unregisters fd. Idempotent.
func (r *Reactor) Delete(fd int) {
	if fd < 0 || fd >= len(r.entries) {
		return
	}
	r.entries[fd] = entry{}
	r.dirty = true
}

// Stop makes Run return nil once the current poll cycle completes;
// descriptors already reported ready in that cycle are still
// dispatched. Only meaningful from inside a callback.
func (r *Reactor) Stop() {
	r.stopped = true
}

func (r *Reactor) rebuild() {
	r.pfds = r.pfds[:0]
	for fd := range r.entries {
		if r.entries[fd].active {
			r.pfds = append(r.pfds, unix.PollFd{Fd: int32(fd), Events: r.entries[fd].events})
		}
	}
	r.dirty = false
}

// Run polls until Stop is called or a callback returns a fatal error.
// A callback returning ErrDisconnect has its descriptor removed before
// the next dispatch; the error is not propagated.
func (r *Reactor) Run() error {
	r.stopped = false
	for !r.stopped {
		if r.dirty {
			r.rebuild()
		}
		if len(r.pfds) == 0 {
			return nil
		}
		n, err := unix.Poll(r.pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %v", err)
		}
		for i := range r.pfds {
			if n == 0 {
				break
			}
			revents := r.pfds[i].Revents
			if revents == 0 {
				continue
			}
			n--
			fd := int(r.pfds[i].Fd)
			// An earlier callback this cycle may have removed (or
			// removed and re-added) this fd. A re-added fd sees one
			// spurious dispatch; level-triggered callbacks treat
			// EAGAIN as a no-op so that is harmless.
			if fd >= len(r.entries) || !r.entries[fd].active {
				continue
			}
			cbErr := r.entries[fd].handler(r, fd, revents)
			if cbErr == nil {
				continue
			}
			if errors.Is(cbErr, ErrDisconnect) {
				r.Delete(fd)
				continue
			}
			return cbErr
		}
	}
	return nil
}
