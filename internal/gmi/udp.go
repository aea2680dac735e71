package gmi

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/internal/poll"
)

// Datagram layout: magic(4) kind(1) pad(3) sender(4) payload.
const (
	dgMagic      uint32 = 0x474d4931 // "GMI1"
	dgHeaderSize        = 12

	kindData     = 1
	kindAnnounce = 2
	kindLeave    = 3

	// maxPayload bounds a single multicast to one datagram; the
	// transport does not fragment.
	maxPayload = 65000

	heartbeatInterval = 1 * time.Second
	memberTimeout     = 3 * heartbeatInterval
)

// UDPConfig carries the network section of the daemon configuration.
type UDPConfig struct {
	MulticastAddr string
	Port          int
	BindAddr      string
}

// UDP is the multicast transport. Delivery order is arrival order;
// membership is tracked by announce/leave datagrams with a heartbeat
// timeout driven by a timerfd on the reactor.
type UDP struct {
	reactor *poll.Reactor
	log     *logging.Logger
	fd      int
	timerFd int
	local   netip.Addr
	mcastSA *unix.SockaddrInet4

	group   string
	deliver DeliverFn
	confchg ConfChgFn
	joined  bool

	lastSeen map[netip.Addr]time.Time
	now      func() time.Time

	recvBuf []byte
}

// NewUDP creates the transport while the daemon still holds the
// privileges interface binding may need, and registers its socket and
// heartbeat timer with the reactor.
func NewUDP(r *poll.Reactor, cfg UDPConfig, log *logging.Logger) (*UDP, error) {
	if log == nil {
		log = logging.Default()
	}
	group, err := netip.ParseAddr(cfg.MulticastAddr)
	if err != nil || !group.Is4() || !group.IsMulticast() {
		return nil, fmt.Errorf("gmi: bad multicast address %q", cfg.MulticastAddr)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("gmi: bad multicast port %d", cfg.Port)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gmi: socket: %v", err)
	}
	u := &UDP{
		reactor:  r,
		log:      log,
		fd:       fd,
		timerFd:  -1,
		lastSeen: make(map[netip.Addr]time.Time),
		now:      time.Now,
		recvBuf:  make([]byte, maxPayload+dgHeaderSize),
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: SO_REUSEADDR: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: cfg.Port}); err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: bind port %d: %v", cfg.Port, err)
	}

	mreq := &unix.IPMreq{Multiaddr: group.As4()}
	var bind4 [4]byte
	if cfg.BindAddr != "" {
		bind, err := netip.ParseAddr(cfg.BindAddr)
		if err != nil || !bind.Is4() {
			u.closeFds()
			return nil, fmt.Errorf("gmi: bad bind address %q", cfg.BindAddr)
		}
		bind4 = bind.As4()
		mreq.Interface = bind4
	}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: join %s: %v", cfg.MulticastAddr, err)
	}
	// Self-delivery: the executive receives its own ordered messages
	// through the same path as everyone else's.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1); err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: IP_MULTICAST_LOOP: %v", err)
	}
	if cfg.BindAddr != "" {
		if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, bind4); err != nil {
			u.closeFds()
			return nil, fmt.Errorf("gmi: IP_MULTICAST_IF: %v", err)
		}
		u.local = netip.AddrFrom4(bind4)
	} else {
		u.local = localIPv4()
	}
	u.mcastSA = &unix.SockaddrInet4{Port: cfg.Port, Addr: group.As4()}

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: timerfd: %v", err)
	}
	u.timerFd = tfd
	spec := unix.ItimerSpec{
		Interval: unix.Timespec{Sec: int64(heartbeatInterval / time.Second)},
		Value:    unix.Timespec{Sec: int64(heartbeatInterval / time.Second)},
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		u.closeFds()
		return nil, fmt.Errorf("gmi: timerfd settime: %v", err)
	}

	if err := r.Add(fd, poll.In, u.onRecv); err != nil {
		u.closeFds()
		return nil, err
	}
	if err := r.Add(tfd, poll.In, u.onTick); err != nil {
		r.Delete(fd)
		u.closeFds()
		return nil, err
	}
	return u, nil
}

func (u *UDP) closeFds() {
	if u.fd >= 0 {
		unix.Close(u.fd)
		u.fd = -1
	}
	if u.timerFd >= 0 {
		unix.Close(u.timerFd)
		u.timerFd = -1
	}
}

func (u *UDP) LocalAddr() netip.Addr { return u.local }

func (u *UDP) Join(group string, deliver DeliverFn, confchg ConfChgFn) error {
	if u.joined {
		return fmt.Errorf("gmi: already joined %q", u.group)
	}
	u.group = group
	u.deliver = deliver
	u.confchg = confchg
	u.joined = true
	u.lastSeen[u.local] = u.now()
	if confchg != nil {
		me := Member{Addr: u.local}
		confchg(View{Members: []Member{me}, Joined: []Member{me}})
	}
	return u.send(kindAnnounce, nil)
}

func (u *UDP) Multicast(group string, iov [][]byte, prio Priority) error {
	if !u.joined || group != u.group {
		return fmt.Errorf("gmi: multicast to unjoined group %q", group)
	}
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	if total > maxPayload {
		return fmt.Errorf("gmi: multicast of %d bytes exceeds datagram limit %d", total, maxPayload)
	}
	bufs := make([][]byte, 0, len(iov)+1)
	bufs = append(bufs, u.header(kindData))
	bufs = append(bufs, iov...)
	for {
		_, err := unix.SendmsgBuffers(u.fd, bufs, nil, u.mcastSA, unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("gmi: multicast send: %v", err)
		}
		return nil
	}
}

func (u *UDP) header(kind byte) []byte {
	h := make([]byte, dgHeaderSize)
	binary.LittleEndian.PutUint32(h[0:4], dgMagic)
	h[4] = kind
	a := u.local.As4()
	copy(h[8:12], a[:])
	return h
}

func (u *UDP) send(kind byte, payload []byte) error {
	bufs := [][]byte{u.header(kind)}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	_, err := unix.SendmsgBuffers(u.fd, bufs, nil, u.mcastSA, unix.MSG_DONTWAIT)
	if err != nil {
		return fmt.Errorf("gmi: send kind %d: %v", kind, err)
	}
	return nil
}

func (u *UDP) onRecv(r *poll.Reactor, fd int, revents int16) error {
	for {
		n, _, err := unix.Recvfrom(fd, u.recvBuf, unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			u.log.Error("transport recv failed", "err", err)
			return nil
		}
		u.handleDatagram(u.recvBuf[:n])
	}
}

func (u *UDP) handleDatagram(b []byte) {
	if len(b) < dgHeaderSize || binary.LittleEndian.Uint32(b[0:4]) != dgMagic {
		u.log.Security("transport datagram with bad magic dropped", "len", len(b))
		return
	}
	kind := b[4]
	sender := netip.AddrFrom4([4]byte(b[8:12]))
	payload := b[dgHeaderSize:]

	switch kind {
	case kindData:
		u.touch(sender)
		if u.deliver != nil {
			u.deliver(u.group, [][]byte{payload})
		}
	case kindAnnounce:
		if _, known := u.lastSeen[sender]; !known && sender != u.local {
			u.touch(sender)
			u.fanoutView([]Member{{Addr: sender}}, nil)
			// Answer so the joiner learns about this node.
			if err := u.send(kindAnnounce, nil); err != nil {
				u.log.Warn("announce reply failed", "err", err)
			}
		} else {
			u.touch(sender)
		}
	case kindLeave:
		if _, known := u.lastSeen[sender]; known && sender != u.local {
			delete(u.lastSeen, sender)
			u.fanoutView(nil, []Member{{Addr: sender}})
		}
	default:
		u.log.Security("transport datagram with unknown kind dropped", "kind", kind)
	}
}

func (u *UDP) touch(addr netip.Addr) {
	u.lastSeen[addr] = u.now()
}

func (u *UDP) onTick(r *poll.Reactor, fd int, revents int16) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	if !u.joined {
		return nil
	}
	if err := u.send(kindAnnounce, nil); err != nil {
		u.log.Warn("heartbeat send failed", "err", err)
	}
	u.expire()
	return nil
}

func (u *UDP) expire() {
	deadline := u.now().Add(-memberTimeout)
	var left []Member
	for addr, seen := range u.lastSeen {
		if addr != u.local && seen.Before(deadline) {
			delete(u.lastSeen, addr)
			left = append(left, Member{Addr: addr})
		}
	}
	if len(left) > 0 {
		u.fanoutView(nil, left)
	}
}

func (u *UDP) fanoutView(joined, left []Member) {
	if u.confchg == nil {
		return
	}
	members := make([]Member, 0, len(u.lastSeen))
	for addr := range u.lastSeen {
		members = append(members, Member{Addr: addr})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Addr.Less(members[j].Addr)
	})
	u.confchg(View{Members: members, Joined: joined, Left: left})
}

func (u *UDP) Close() error {
	if u.joined {
		if err := u.send(kindLeave, nil); err != nil {
			u.log.Warn("leave send failed", "err", err)
		}
		u.joined = false
	}
	if u.fd >= 0 {
		u.reactor.Delete(u.fd)
	}
	if u.timerFd >= 0 {
		u.reactor.Delete(u.timerFd)
	}
	u.closeFds()
	return nil
}

// localIPv4 picks the first non-loopback IPv4 interface address,
// falling back to loopback when the host has none.
func localIPv4() netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ipnet.IP.IsLoopback() {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip4); ok {
				return addr
			}
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}
