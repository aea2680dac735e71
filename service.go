package aisexec

import (
	"fmt"

	"github.com/openais/aisexec/internal/gmi"
)

// Member and View re-export the transport's membership types so
// services need not import the transport package.
type (
	Member = gmi.Member
	View   = gmi.View
)

// Multicast priorities, forwarded to the transport.
const (
	PrioHigh = gmi.PrioHigh
	PrioMed  = gmi.PrioMed
	PrioLow  = gmi.PrioLow
)

// LibInitFn binds a connection to a service. Called exactly once per
// connection, for its first frame.
type LibInitFn func(e *Exec, fd int, hdr Header, payload []byte) error

// LibHandlerFn handles one request frame from a bound client.
// Returning an error disconnects that client.
type LibHandlerFn func(e *Exec, fd int, hdr Header, payload []byte) error

// ExecHandlerFn handles one cluster-ordered delivery. source is the
// transport sentinel descriptor (0): the frame arrived through the
// group transport, not from a local client.
type ExecHandlerFn func(e *Exec, source int, hdr Header, payload []byte) error

// ConfChgFn receives each membership change, in service registration
// order, before any ordered delivery that depends on the new view.
type ConfChgFn func(e *Exec, view View)

// Service is one pluggable subsystem of the executive. The service
// set is fixed at startup; a connection's first frame selects one
// service by index and every later frame is dispatched within it.
type Service struct {
	Name string

	// ExecInit runs once during bring-up, after the privilege drop,
	// with the pool and dispatch table ready.
	ExecInit func(e *Exec) error

	// LibInit binds a connection (required).
	LibInit LibInitFn

	// LibHandlers is the per-request table, indexed by Header.ID.
	LibHandlers []LibHandlerFn

	// ExecHandlers is the cluster-ordered table. Entries are indexed
	// globally: the executive assigns each service a base offset at
	// registration and OrderedID maps a local index to the wire id.
	ExecHandlers []ExecHandlerFn

	// ConfChg, if set, receives membership changes.
	ConfChg ConfChgFn

	// LibExit, if set, runs for every service on client teardown.
	LibExit func(e *Exec, fd int)
}

type execEntry struct {
	svc *Service
	fn  ExecHandlerFn
}

// buildExecHandlers flattens every service's ordered-handler table
// into one slice indexed by global id, and records each service's
// base offset. Sized dynamically from the per-service counts.
func (e *Exec) buildExecHandlers() {
	total := 0
	for _, svc := range e.services {
		total += len(svc.ExecHandlers)
	}
	e.execHandlers = make([]execEntry, 0, total)
	e.orderedBase = make(map[*Service]int32, len(e.services))
	for _, svc := range e.services {
		e.orderedBase[svc] = int32(len(e.execHandlers))
		for _, fn := range svc.ExecHandlers {
			e.execHandlers = append(e.execHandlers, execEntry{svc: svc, fn: fn})
		}
	}
	e.log.Debug("built ordered handler table", "entries", len(e.execHandlers))
}

// OrderedID maps a service-local ordered-handler index to its global
// wire id. Panics on a service that was never registered: that is a
// programming error, not a runtime condition.
func (e *Exec) OrderedID(svc *Service, fn int) int32 {
	base, ok := e.orderedBase[svc]
	if !ok {
		panic(fmt.Sprintf("aisexec: service %q not registered", svc.Name))
	}
	if fn < 0 || fn >= len(svc.ExecHandlers) {
		panic(fmt.Sprintf("aisexec: service %q has no ordered handler %d", svc.Name, fn))
	}
	return base + int32(fn)
}

// MulticastOrdered sends a frame through the group transport for
// totally-ordered delivery to every member's ordered handler. The
// header and payload travel as separate segments.
func (e *Exec) MulticastOrdered(svc *Service, fn int, payload []byte, prio gmi.Priority) error {
	id := e.OrderedID(svc, fn)
	hdr := make([]byte, HeaderSize)
	Header{Magic: MessageMagic, Size: uint32(HeaderSize + len(payload)), ID: id}.MarshalTo(hdr)
	if err := e.transport.Multicast(e.group, [][]byte{hdr, payload}, prio); err != nil {
		return WrapError("multicast", err)
	}
	e.stats.Multicasts.Add(1)
	return nil
}
