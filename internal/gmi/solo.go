package gmi

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/poll"
)

// Solo is the in-process transport: multicasts loop back through a
// pending queue drained on the reactor via an eventfd, giving a
// trivially total order. Used for single-node daemons and tests.
type Solo struct {
	reactor *poll.Reactor
	eventFd int
	local   netip.Addr

	group   string
	deliver DeliverFn
	confchg ConfChgFn
	pending [][][]byte
	joined  bool
	left    bool
}

// NewSolo creates the transport and registers its wakeup descriptor
// with the reactor.
func NewSolo(r *poll.Reactor) (*Solo, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("gmi: eventfd: %v", err)
	}
	s := &Solo{
		reactor: r,
		eventFd: efd,
		local:   netip.AddrFrom4([4]byte{127, 0, 0, 1}),
	}
	if err := r.Add(efd, poll.In, s.onWakeup); err != nil {
		unix.Close(efd)
		return nil, err
	}
	return s, nil
}

func (s *Solo) LocalAddr() netip.Addr { return s.local }

func (s *Solo) Join(group string, deliver DeliverFn, confchg ConfChgFn) error {
	if s.joined {
		return fmt.Errorf("gmi: already joined %q", s.group)
	}
	s.group = group
	s.deliver = deliver
	s.confchg = confchg
	s.joined = true
	me := Member{Addr: s.local}
	if confchg != nil {
		confchg(View{Members: []Member{me}, Joined: []Member{me}})
	}
	return nil
}

func (s *Solo) Multicast(group string, iov [][]byte, prio Priority) error {
	if !s.joined || group != s.group {
		return fmt.Errorf("gmi: multicast to unjoined group %q", group)
	}
	// The caller's buffers may be reused before delivery; copy now.
	cp := make([][]byte, len(iov))
	for i, seg := range iov {
		cp[i] = append([]byte(nil), seg...)
	}
	s.pending = append(s.pending, cp)
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(s.eventFd, one[:])
	if err == unix.EAGAIN {
		err = nil // counter saturated; wakeup already pending
	}
	return err
}

func (s *Solo) onWakeup(r *poll.Reactor, fd int, revents int16) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	s.Flush()
	return nil
}

// Flush synchronously delivers every pending multicast in order.
// Deliveries enqueued by handlers during the flush are delivered in
// the same pass. Messages queued before a Leave are suppressed.
func (s *Solo) Flush() {
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		if s.left || s.deliver == nil {
			continue
		}
		s.deliver(s.group, next)
	}
}

// Leave announces departure of the local member. Pending and future
// multicasts are suppressed.
func (s *Solo) Leave() {
	if !s.joined || s.left {
		return
	}
	s.left = true
	me := Member{Addr: s.local}
	if s.confchg != nil {
		s.confchg(View{Members: []Member{}, Left: []Member{me}})
	}
}

func (s *Solo) Close() error {
	s.Leave()
	if s.eventFd >= 0 {
		s.reactor.Delete(s.eventFd)
		unix.Close(s.eventFd)
		s.eventFd = -1
	}
	return nil
}
