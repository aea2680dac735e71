package aisexec

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/gmi"
	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/internal/mempool"
	"github.com/openais/aisexec/internal/poll"
)

// Options tunes executive bring-up.
type Options struct {
	// User and Group name the system identity the daemon drops to;
	// the group's gid is the authentication policy.
	User  string
	Group string

	// SocketName is the abstract-namespace client socket name.
	SocketName string

	// Foreground keeps the controlling terminal attached.
	Foreground bool

	Logger *logging.Logger

	// Transport overrides the config-selected transport.
	Transport func(r *poll.Reactor) (gmi.Transport, error)

	// SkipPrivileged skips identity resolution, real-time scheduling,
	// memory locking and the privilege drop, authenticating against
	// the current gid instead. For unprivileged runs and tests.
	SkipPrivileged bool

	// NoListen and NoSignals suppress the client socket and signal
	// handling; used by test harnesses that drive the executive
	// directly.
	NoListen  bool
	NoSignals bool
}

func (o *Options) applyDefaults() {
	if o.User == "" {
		o.User = DefaultUser
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.SocketName == "" {
		o.SocketName = SocketName
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Run performs the one-shot bring-up sequence, enters the reactor,
// and tears everything down when the reactor exits. It returns nil
// on a clean signal-driven shutdown.
func (e *Exec) Run() error {
	if err := e.setup(); err != nil {
		return multierr.Append(err, e.teardown())
	}

	// Readiness: a no-op outside a service manager.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	e.log.Notice("AIS executive started and ready to receive connections")

	runErr := e.reactor.Run()
	if runErr == nil {
		runErr = e.fatalErr
	}
	return multierr.Append(runErr, e.teardown())
}

// setup is the deterministic bring-up sequence. Privileged steps
// (scheduling, memory lock, transport binding) precede the privilege
// drop; pool allocation follows the lock so locked pages cover it;
// service init follows the drop so handlers observe the unprivileged
// identity.
func (e *Exec) setup() error {
	uid, gid, err := e.resolveIdentity()
	if err != nil {
		return err
	}
	e.authGid = uint32(gid)

	e.reactor = poll.New()

	if !e.opts.SkipPrivileged {
		e.setScheduler()
		e.lockMemory()
	}

	if err := e.initTransport(); err != nil {
		return err
	}

	if !e.opts.SkipPrivileged {
		e.dropPrivileges(uid, gid)
	}

	e.buildExecHandlers()

	e.pool = mempool.New(e.cfg.Pools.Classes)
	e.stage = make([]byte, MessageSizeMax)

	e.group = e.cfg.Group.Name

	if !e.opts.Foreground && !e.opts.SkipPrivileged {
		// No fork-based detach in-process; shed the controlling
		// terminal and leave daemonization to the service manager.
		_, _ = unix.Setsid()
	}

	if !e.opts.NoSignals {
		if err := e.installSignals(); err != nil {
			return err
		}
	}

	for _, svc := range e.services {
		if svc.ExecInit != nil {
			if err := svc.ExecInit(e); err != nil {
				return WrapError("startup", fmt.Errorf("service %s init: %w", svc.Name, err))
			}
		}
	}

	if !e.opts.NoListen {
		if err := e.bindClientSocket(); err != nil {
			return err
		}
		if err := e.reactor.Add(e.listenFd, poll.In, e.onAccept); err != nil {
			return WrapError("startup", err)
		}
	}

	if err := e.transport.Join(e.group, e.onDeliver, e.onConfChange); err != nil {
		return WrapError("startup", err)
	}
	return nil
}

func (e *Exec) resolveIdentity() (uid, gid int, err error) {
	if e.opts.SkipPrivileged {
		return os.Getuid(), os.Getgid(), nil
	}
	u, err := user.Lookup(e.opts.User)
	if err != nil {
		return 0, 0, NewError("startup", ErrCodeStartup,
			fmt.Sprintf("the %q user is not present on this system", e.opts.User))
	}
	g, err := user.LookupGroup(e.opts.Group)
	if err != nil {
		return 0, 0, NewError("startup", ErrCodeStartup,
			fmt.Sprintf("the %q group is not present on this system", e.opts.Group))
	}
	uid, _ = strconv.Atoi(u.Uid)
	gid, _ = strconv.Atoi(g.Gid)
	return uid, gid, nil
}

func (e *Exec) setScheduler() {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_RR,
		Priority: 99,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		e.log.Warn("could not set SCHED_RR at priority 99", "err", err)
	}
}

func (e *Exec) lockMemory() {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		e.log.Warn("could not lock memory to avoid page faults", "err", err)
	}
}

func (e *Exec) initTransport() error {
	var err error
	switch {
	case e.opts.Transport != nil:
		e.transport, err = e.opts.Transport(e.reactor)
	case e.cfg.Network.MulticastAddr != "":
		e.transport, err = gmi.NewUDP(e.reactor, gmi.UDPConfig{
			MulticastAddr: e.cfg.Network.MulticastAddr,
			Port:          e.cfg.Network.MulticastPort,
			BindAddr:      e.cfg.Network.BindAddr,
		}, e.log)
	default:
		e.transport, err = gmi.NewSolo(e.reactor)
	}
	if err != nil {
		return WrapError("startup", err)
	}
	return nil
}

func (e *Exec) dropPrivileges(uid, gid int) {
	if os.Geteuid() != 0 {
		e.log.Debug("not running as root, privileges unchanged")
		return
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		e.log.Warn("could not drop supplementary groups", "err", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		e.log.Warn("could not drop group privileges", "gid", gid, "err", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		e.log.Warn("could not drop user privileges", "uid", uid, "err", err)
	}
}

func (e *Exec) bindClientSocket() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return WrapError("startup", fmt.Errorf("client socket: %w", err))
	}
	// Request credentials on the listener: the peer socket inherits
	// the option at connect time, so even a client that writes before
	// accept completes sends its credentials.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return WrapError("startup", fmt.Errorf("SO_PASSCRED: %w", err))
	}
	// Leading @ selects the abstract namespace.
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: "@" + e.opts.SocketName}); err != nil {
		unix.Close(fd)
		return WrapError("startup", fmt.Errorf("bind %s: %w", e.opts.SocketName, err))
	}
	if err := unix.Listen(fd, ServerBacklog); err != nil {
		unix.Close(fd)
		return WrapError("startup", fmt.Errorf("listen: %w", err))
	}
	e.listenFd = fd
	e.conns.grow(fd)
	return nil
}

func (e *Exec) installSignals() error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return WrapError("startup", err)
	}
	e.sigReadFd, e.sigWriteFd = p[0], p[1]

	e.sigCh = make(chan os.Signal, 1)
	signal.Notify(e.sigCh, syscall.SIGINT, syscall.SIGTERM)
	// The signal goroutine touches no executive state: it only nudges
	// the reactor through the pipe.
	go func(ch <-chan os.Signal, wfd int) {
		for range ch {
			_, _ = unix.Write(wfd, []byte{1})
		}
	}(e.sigCh, e.sigWriteFd)

	return e.reactor.Add(e.sigReadFd, poll.In, e.onSignal)
}

// onSignal handles the interrupt: dump statistics, stop the reactor.
func (e *Exec) onSignal(r *poll.Reactor, fd int, revents int16) error {
	var buf [16]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	e.log.Notice("interrupt received, shutting down")
	e.log.Notice(e.stats.String())
	e.log.Notice(e.pool.String())
	r.Stop()
	return nil
}

func (e *Exec) teardown() error {
	var errs error
	for _, fd := range e.conns.activeFds() {
		if e.reactor != nil {
			e.reactor.Delete(fd)
		}
		e.disconnect(fd)
	}
	if e.transport != nil {
		errs = multierr.Append(errs, e.transport.Close())
		e.transport = nil
	}
	if e.listenFd >= 0 {
		if e.reactor != nil {
			e.reactor.Delete(e.listenFd)
		}
		errs = multierr.Append(errs, unix.Close(e.listenFd))
		e.listenFd = -1
	}
	if e.sigCh != nil {
		signal.Stop(e.sigCh)
		close(e.sigCh)
		e.sigCh = nil
	}
	if e.sigWriteFd > 0 {
		unix.Close(e.sigWriteFd)
		e.sigWriteFd = -1
	}
	if e.sigReadFd > 0 {
		if e.reactor != nil {
			e.reactor.Delete(e.sigReadFd)
		}
		unix.Close(e.sigReadFd)
		e.sigReadFd = -1
	}
	return errs
}
