// Package amf is the availability management service: components
// register by name and publish readiness state. Registrations and
// state changes are cluster-ordered so every member holds the same
// component table; queries are answered locally.
package amf

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/openais/aisexec"
)

// Request selectors, valid after binding.
const (
	ReqRegister = 0
	ReqSetReady = 1
	ReqGet      = 2
)

// Ordered selectors, service-local.
const (
	execApplyRegister = 0
	execApplyReady    = 1
)

// Status bytes in Get replies.
const (
	StatusUnknown = 0
	StatusStopped = 1
	StatusReady   = 2
)

type component struct {
	node  netip.Addr
	ready bool
}

type availService struct {
	svc        *aisexec.Service
	components map[string]*component
}

// New builds the availability service descriptor.
func New() *aisexec.Service {
	s := &availService{components: make(map[string]*component)}
	s.svc = &aisexec.Service{
		Name:    "amf",
		LibInit: s.bind,
		LibHandlers: []aisexec.LibHandlerFn{
			ReqRegister: s.register,
			ReqSetReady: s.setReady,
			ReqGet:      s.get,
		},
		ExecHandlers: []aisexec.ExecHandlerFn{
			execApplyRegister: s.applyRegister,
			execApplyReady:    s.applyReady,
		},
		ConfChg: s.confChg,
	}
	return s.svc
}

func (s *availService) bind(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	e.Logger().Debug("amf client bound", "fd", fd)
	return nil
}

// register multicasts the registration; the ack comes back through
// the ordered path when the originating node applies it.
func (s *availService) register(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	name, _, ok := parseString(payload)
	if !ok || name == "" {
		return fmt.Errorf("amf: malformed register request")
	}
	out := aisexec.AppendOrigin(nil, aisexec.Origin{Addr: e.LocalAddr(), Fd: int32(fd)})
	out = appendString(out, name)
	return e.MulticastOrdered(s.svc, execApplyRegister, out, aisexec.PrioMed)
}

func (s *availService) setReady(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("amf: malformed readiness request")
	}
	ready := payload[0]
	name, _, ok := parseString(payload[1:])
	if !ok || name == "" {
		return fmt.Errorf("amf: malformed readiness request")
	}
	out := aisexec.AppendOrigin(nil, aisexec.Origin{Addr: e.LocalAddr(), Fd: int32(fd)})
	out = append(out, ready)
	out = appendString(out, name)
	return e.MulticastOrdered(s.svc, execApplyReady, out, aisexec.PrioMed)
}

// get answers from the local table.
func (s *availService) get(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	name, _, ok := parseString(payload)
	if !ok {
		return fmt.Errorf("amf: malformed get request")
	}
	status := byte(StatusUnknown)
	if c, ok := s.components[name]; ok {
		if c.ready {
			status = StatusReady
		} else {
			status = StatusStopped
		}
	}
	return e.Reply(fd, ReqGet, []byte{status})
}

func (s *availService) applyRegister(e *aisexec.Exec, source int, hdr aisexec.Header, payload []byte) error {
	origin, rest, ok := aisexec.ParseOrigin(payload)
	if !ok {
		return fmt.Errorf("amf: short ordered registration")
	}
	name, _, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("amf: malformed ordered registration")
	}
	if _, exists := s.components[name]; !exists {
		s.components[name] = &component{node: origin.Addr}
	}
	return e.ReplyToOrigin(origin, ReqRegister, []byte{StatusStopped})
}

func (s *availService) applyReady(e *aisexec.Exec, source int, hdr aisexec.Header, payload []byte) error {
	origin, rest, ok := aisexec.ParseOrigin(payload)
	if !ok || len(rest) < 1 {
		return fmt.Errorf("amf: short ordered readiness change")
	}
	ready := rest[0] != 0
	name, _, ok := parseString(rest[1:])
	if !ok {
		return fmt.Errorf("amf: malformed ordered readiness change")
	}
	c, exists := s.components[name]
	if !exists {
		// A change for a component nobody registered: answer the
		// originator, change nothing.
		return e.ReplyToOrigin(origin, ReqSetReady, []byte{StatusUnknown})
	}
	c.ready = ready
	status := byte(StatusStopped)
	if ready {
		status = StatusReady
	}
	return e.ReplyToOrigin(origin, ReqSetReady, []byte{status})
}

// confChg withdraws components registered by departed nodes.
func (s *availService) confChg(e *aisexec.Exec, view aisexec.View) {
	for _, m := range view.Left {
		for name, c := range s.components {
			if c.node == m.Addr {
				delete(s.components, name)
			}
		}
	}
}

func appendString(b []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	b = append(b, l[:]...)
	return append(b, s...)
}

func parseString(b []byte) (s string, rest []byte, ok bool) {
	if len(b) < 2 {
		return "", b, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", b, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}
