// Package ckpt is the checkpoint service: named in-memory
// checkpoints holding sections of opaque bytes. Creation and writes
// are cluster-ordered so replicas converge; reads are local.
package ckpt

import (
	"encoding/binary"
	"fmt"

	"github.com/openais/aisexec"
)

// Request selectors, valid after binding.
const (
	ReqOpen  = 0
	ReqWrite = 1
	ReqRead  = 2
)

// Ordered selectors, service-local.
const (
	execApplyOpen  = 0
	execApplyWrite = 1
)

// Reply status bytes.
const (
	StatusOK       = 0
	StatusNotFound = 1
)

type checkpointService struct {
	svc         *aisexec.Service
	checkpoints map[string]map[string][]byte
}

// New builds the checkpoint service descriptor.
func New() *aisexec.Service {
	s := &checkpointService{checkpoints: make(map[string]map[string][]byte)}
	s.svc = &aisexec.Service{
		Name:    "ckpt",
		LibInit: s.bind,
		LibHandlers: []aisexec.LibHandlerFn{
			ReqOpen:  s.open,
			ReqWrite: s.write,
			ReqRead:  s.read,
		},
		ExecHandlers: []aisexec.ExecHandlerFn{
			execApplyOpen:  s.applyOpen,
			execApplyWrite: s.applyWrite,
		},
	}
	return s.svc
}

func (s *checkpointService) bind(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	e.Logger().Debug("ckpt client bound", "fd", fd)
	return nil
}

func (s *checkpointService) open(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	name, _, ok := parseString(payload)
	if !ok || name == "" {
		return fmt.Errorf("ckpt: malformed open request")
	}
	out := aisexec.AppendOrigin(nil, aisexec.Origin{Addr: e.LocalAddr(), Fd: int32(fd)})
	out = appendString(out, name)
	return e.MulticastOrdered(s.svc, execApplyOpen, out, aisexec.PrioMed)
}

func (s *checkpointService) write(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	name, rest, ok := parseString(payload)
	if !ok || name == "" {
		return fmt.Errorf("ckpt: malformed write request")
	}
	section, data, ok := parseString(rest)
	if !ok || section == "" {
		return fmt.Errorf("ckpt: malformed write request")
	}
	out := aisexec.AppendOrigin(nil, aisexec.Origin{Addr: e.LocalAddr(), Fd: int32(fd)})
	out = appendString(out, name)
	out = appendString(out, section)
	out = append(out, data...)
	return e.MulticastOrdered(s.svc, execApplyWrite, out, aisexec.PrioMed)
}

// read answers from the local replica: status byte, then the section
// data when found.
func (s *checkpointService) read(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	name, rest, ok := parseString(payload)
	if !ok {
		return fmt.Errorf("ckpt: malformed read request")
	}
	section, _, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("ckpt: malformed read request")
	}
	sections, exists := s.checkpoints[name]
	if !exists {
		return e.Reply(fd, ReqRead, []byte{StatusNotFound})
	}
	data, exists := sections[section]
	if !exists {
		return e.Reply(fd, ReqRead, []byte{StatusNotFound})
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, StatusOK)
	out = append(out, data...)
	return e.Reply(fd, ReqRead, out)
}

func (s *checkpointService) applyOpen(e *aisexec.Exec, source int, hdr aisexec.Header, payload []byte) error {
	origin, rest, ok := aisexec.ParseOrigin(payload)
	if !ok {
		return fmt.Errorf("ckpt: short ordered open")
	}
	name, _, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("ckpt: malformed ordered open")
	}
	if _, exists := s.checkpoints[name]; !exists {
		s.checkpoints[name] = make(map[string][]byte)
	}
	return e.ReplyToOrigin(origin, ReqOpen, []byte{StatusOK})
}

func (s *checkpointService) applyWrite(e *aisexec.Exec, source int, hdr aisexec.Header, payload []byte) error {
	origin, rest, ok := aisexec.ParseOrigin(payload)
	if !ok {
		return fmt.Errorf("ckpt: short ordered write")
	}
	name, rest, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("ckpt: malformed ordered write")
	}
	section, data, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("ckpt: malformed ordered write")
	}
	sections, exists := s.checkpoints[name]
	if !exists {
		return e.ReplyToOrigin(origin, ReqWrite, []byte{StatusNotFound})
	}
	// The payload aliases the delivery staging buffer; keep a copy.
	sections[section] = append([]byte(nil), data...)
	return e.ReplyToOrigin(origin, ReqWrite, []byte{StatusOK})
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
