package aisexec

import (
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/config"
	"github.com/openais/aisexec/internal/gmi"
	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/internal/mempool"
	"github.com/openais/aisexec/internal/poll"
)

// Exec is the executive: the single value owning every piece of
// daemon state. All mutation happens on the reactor goroutine.
type Exec struct {
	cfg  *config.Config
	opts Options
	log  *logging.Logger

	reactor   *poll.Reactor
	pool      *mempool.Pool
	conns     connTable
	transport gmi.Transport
	stats     *Stats

	services     []*Service
	execHandlers []execEntry
	orderedBase  map[*Service]int32

	group   string
	authGid uint32

	// stage reassembles multi-segment transport deliveries.
	stage  []byte
	view   View
	oobBuf [128]byte

	listenFd   int
	sigReadFd  int
	sigWriteFd int
	sigCh      chan os.Signal
	fatalErr   error
}

// New creates an executive over the given configuration and fixed
// service set. Nothing is bound or allocated until Run.
func New(cfg *config.Config, services []*Service, opts *Options) *Exec {
	if cfg == nil {
		cfg = config.Default()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.applyDefaults()
	return &Exec{
		cfg:        cfg,
		opts:       o,
		log:        o.Logger,
		services:   services,
		stats:      NewStats(),
		group:      cfg.Group.Name,
		listenFd:   -1,
		sigReadFd:  -1,
		sigWriteFd: -1,
	}
}

// Stats exposes the executive counters.
func (e *Exec) Stats() *Stats { return e.stats }

// Logger exposes the executive logger to service handlers.
func (e *Exec) Logger() *logging.Logger { return e.log }

// LocalAddr is the address this node is known by in membership views.
func (e *Exec) LocalAddr() netip.Addr { return e.transport.LocalAddr() }

// CurrentView returns the most recent membership view.
func (e *Exec) CurrentView() View { return e.view }

// fail records a fatal invariant violation from a path that cannot
// return an error and stops the reactor.
func (e *Exec) fail(err error) {
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.log.Error("fatal invariant violation", "err", err)
	e.reactor.Stop()
}

// onAccept runs when the listen socket is readable.
func (e *Exec) onAccept(r *poll.Reactor, fd int, revents int16) error {
	var newFd int
	var peer unix.Sockaddr
	for {
		var err error
		newFd, peer, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			// An accept failure is this client's problem, not the
			// daemon's; stay registered.
			e.log.Error("could not accept client connection", "err", err)
			return nil
		}
		break
	}
	addr := ""
	if su, ok := peer.(*unix.SockaddrUnix); ok {
		addr = su.Name
	}
	if err := e.adoptClient(r, newFd, addr); err != nil {
		e.log.Error("could not admit client", "fd", newFd, "err", err)
		unix.Close(newFd)
	}
	return nil
}

// adoptClient admits an accepted descriptor: request peer
// credentials, grow and fill the connection table, register with the
// reactor.
func (e *Exec) adoptClient(r *poll.Reactor, fd int, addr string) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return WrapError("accept", err)
	}
	if err := e.initConn(fd, addr); err != nil {
		return err
	}
	if err := r.Add(fd, poll.In, e.onClient); err != nil {
		c := e.conns.lookup(fd)
		c.active = false
		e.pool.Free(c.inb)
		c.inb = nil
		return WrapError("accept", err)
	}
	e.stats.Accepts.Add(1)
	e.log.Debug("client connection received", "fd", fd)
	return nil
}

// dispatchFrame routes one complete frame from a bound or unbound
// connection. The first frame's selector picks the service; later
// frames index that service's request table.
func (e *Exec) dispatchFrame(c *connection, hdr Header, frame []byte) error {
	payload := frame[HeaderSize:hdr.Size]
	if c.service == serviceUnbound {
		if hdr.ID < 0 || int(hdr.ID) >= len(e.services) {
			e.log.Security("bind to unknown service", "fd", c.fd, "id", hdr.ID)
			return NewFdError("bind", c.fd, ErrCodeBadService,
				fmt.Sprintf("no service %d", hdr.ID))
		}
		svc := e.services[hdr.ID]
		if err := svc.LibInit(e, c.fd, hdr, payload); err != nil {
			return err
		}
		c.service = int(hdr.ID) + 1
		e.stats.Binds.Add(1)
		return nil
	}

	svc := e.services[c.service-1]
	if hdr.ID < 0 || int(hdr.ID) >= len(svc.LibHandlers) {
		e.log.Security("request selector out of range",
			"fd", c.fd, "service", svc.Name, "id", hdr.ID, "max", len(svc.LibHandlers)-1)
		return NewFdError("dispatch", c.fd, ErrCodeBadSelector,
			fmt.Sprintf("service %s has no handler %d", svc.Name, hdr.ID))
	}
	return svc.LibHandlers[hdr.ID](e, c.fd, hdr, payload)
}

// onDeliver adapts one transport delivery onto the flat ordered
// table. Multi-segment payloads are staged contiguously first;
// single-segment payloads are interpreted in place. Source descriptor
// 0 marks transport origin.
func (e *Exec) onDeliver(group string, iov [][]byte) {
	var data []byte
	if len(iov) == 1 {
		data = iov[0]
	} else {
		pos := 0
		for _, seg := range iov {
			if pos+len(seg) > len(e.stage) {
				e.fail(NewError("deliver", ErrCodeProtocol,
					fmt.Sprintf("delivery of %d+ bytes overflows staging buffer", pos+len(seg))))
				return
			}
			copy(e.stage[pos:], seg)
			pos += len(seg)
		}
		data = e.stage[:pos]
	}
	if len(data) < HeaderSize {
		e.log.Security("short transport delivery dropped", "len", len(data))
		return
	}
	hdr := ParseHeader(data)
	if hdr.ID < 0 || int(hdr.ID) >= len(e.execHandlers) {
		e.log.Security("delivery selector out of range", "id", hdr.ID, "max", len(e.execHandlers)-1)
		return
	}
	if hdr.Size < HeaderSize || int(hdr.Size) > len(data) {
		e.log.Security("truncated transport delivery dropped", "size", hdr.Size, "len", len(data))
		return
	}
	e.stats.Deliveries.Add(1)
	entry := e.execHandlers[hdr.ID]
	if err := entry.fn(e, 0, hdr, data[HeaderSize:hdr.Size]); err != nil {
		if isFatal(err) {
			// A reply that cannot be queued would be lost silently.
			e.fail(err)
			return
		}
		// No client to drop on the ordered path; log and keep serving.
		e.stats.HandlerErrors.Add(1)
		e.log.Error("ordered handler failed", "service", entry.svc.Name, "id", hdr.ID, "err", err)
	}
}

// onConfChange fans a membership change out to every service with a
// confchg callback, in registration order.
func (e *Exec) onConfChange(view gmi.View) {
	e.view = view
	e.stats.ViewChanges.Add(1)
	e.log.Notice("membership changed",
		"members", len(view.Members), "joined", len(view.Joined), "left", len(view.Left))
	for _, svc := range e.services {
		if svc.ConfChg != nil {
			svc.ConfChg(e, view)
		}
	}
}
