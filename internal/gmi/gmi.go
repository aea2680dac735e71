// Package gmi is the group-messaging interface: the contract the
// executive assumes from its totally-ordered transport, plus the two
// transports shipped with the daemon. Solo is in-process and strictly
// ordered; UDP is best-effort multicast with coarse membership.
package gmi

import "net/netip"

// Member identifies one group member by address.
type Member struct {
	Addr netip.Addr
}

// View is a membership snapshot with the deltas since the previous
// view. Delivered to the confchg callback; borrowed immutably.
type View struct {
	Members []Member
	Left    []Member
	Joined  []Member
}

// Priority orders competing multicasts inside a transport. The
// transports shipped here deliver in arrival order regardless; the
// parameter is part of the contract for transports that do better.
type Priority int

const (
	PrioHigh Priority = iota
	PrioMed
	PrioLow
)

// DeliverFn receives one ordered message. The payload arrives as the
// iovec segments the sender multicast; a single-segment delivery may
// be interpreted in place.
type DeliverFn func(group string, iov [][]byte)

// ConfChgFn receives membership changes. For a given transport it is
// invoked before any delivery that depends on the new view.
type ConfChgFn func(view View)

// Transport is the executive's view of the group-messaging layer.
// Implementations register their descriptors with the reactor at
// construction; all callbacks run on the reactor goroutine.
type Transport interface {
	// Join binds the (single) group and its callbacks. The initial
	// view, containing at least the local member, is delivered from
	// inside Join.
	Join(group string, deliver DeliverFn, confchg ConfChgFn) error

	// Multicast enqueues a message for totally-ordered delivery to
	// every member, the sender included.
	Multicast(group string, iov [][]byte, prio Priority) error

	// LocalAddr is the address this node is known by in views.
	LocalAddr() netip.Addr

	// Close leaves the group and releases transport descriptors.
	Close() error
}
