// Package clm is the cluster membership service: it tracks the node
// directory built from membership views and cluster-ordered name
// announcements, and lets bound clients query and subscribe to it.
package clm

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/openais/aisexec"
)

// Request selectors, valid after binding.
const (
	ReqNodeList   = 0
	ReqTrackStart = 1
	ReqTrackStop  = 2
)

// Ordered selectors, service-local.
const (
	execNameAnnounce = 0
)

type clusterService struct {
	svc      *aisexec.Service
	nodeName string

	// names maps a member address to its announced node name.
	names    map[netip.Addr]string
	view     aisexec.View
	trackers map[int]bool
	// announced guards against re-announcing on every view change.
	announced bool
}

// New builds the membership service descriptor.
func New() *aisexec.Service {
	s := &clusterService{
		names:    make(map[netip.Addr]string),
		trackers: make(map[int]bool),
	}
	if host, err := os.Hostname(); err == nil {
		s.nodeName = host
	} else {
		s.nodeName = "unknown"
	}
	s.svc = &aisexec.Service{
		Name:    "clm",
		LibInit: s.bind,
		LibHandlers: []aisexec.LibHandlerFn{
			ReqNodeList:   s.nodeList,
			ReqTrackStart: s.trackStart,
			ReqTrackStop:  s.trackStop,
		},
		ExecHandlers: []aisexec.ExecHandlerFn{
			execNameAnnounce: s.applyNameAnnounce,
		},
		ConfChg: s.confChg,
		LibExit: s.exit,
	}
	return s.svc
}

func (s *clusterService) bind(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	e.Logger().Debug("clm client bound", "fd", fd)
	return nil
}

// nodeList replies with the current directory.
func (s *clusterService) nodeList(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	return e.Reply(fd, ReqNodeList, s.encodeMembers())
}

func (s *clusterService) trackStart(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	s.trackers[fd] = true
	return e.Reply(fd, ReqTrackStart, s.encodeMembers())
}

func (s *clusterService) trackStop(e *aisexec.Exec, fd int, hdr aisexec.Header, payload []byte) error {
	delete(s.trackers, fd)
	return e.Reply(fd, ReqTrackStop, nil)
}

func (s *clusterService) exit(e *aisexec.Exec, fd int) {
	delete(s.trackers, fd)
}

// applyNameAnnounce installs an announced node name. Every member
// applies the same announcements in the same order, so directories
// agree cluster-wide.
func (s *clusterService) applyNameAnnounce(e *aisexec.Exec, source int, hdr aisexec.Header, payload []byte) error {
	origin, rest, ok := aisexec.ParseOrigin(payload)
	if !ok {
		return fmt.Errorf("clm: short name announcement")
	}
	name, _, ok := parseString(rest)
	if !ok {
		return fmt.Errorf("clm: malformed name announcement")
	}
	s.names[origin.Addr] = name
	s.notifyTrackers(e)
	return nil
}

func (s *clusterService) confChg(e *aisexec.Exec, view aisexec.View) {
	s.view = view
	for _, m := range view.Left {
		delete(s.names, m.Addr)
	}
	for _, m := range view.Joined {
		if m.Addr == e.LocalAddr() && !s.announced {
			s.announced = true
			payload := aisexec.AppendOrigin(nil, aisexec.Origin{Addr: e.LocalAddr()})
			payload = appendString(payload, s.nodeName)
			if err := e.MulticastOrdered(s.svc, execNameAnnounce, payload, aisexec.PrioHigh); err != nil {
				e.Logger().Warn("clm name announcement failed", "err", err)
			}
		}
	}
	s.notifyTrackers(e)
}

func (s *clusterService) notifyTrackers(e *aisexec.Exec) {
	if len(s.trackers) == 0 {
		return
	}
	encoded := s.encodeMembers()
	for fd := range s.trackers {
		if err := e.Reply(fd, ReqTrackStart, encoded); err != nil {
			if aisexec.IsCode(err, aisexec.ErrCodeNotConnected) {
				delete(s.trackers, fd)
				continue
			}
			e.Logger().Warn("clm track update failed", "fd", fd, "err", err)
		}
	}
}

// encodeMembers renders the view as count, then per member the
// address and the announced name (empty until the announcement
// arrives). Members are sorted for a stable wire order.
func (s *clusterService) encodeMembers() []byte {
	members := append([]aisexec.Member(nil), s.view.Members...)
	sort.Slice(members, func(i, j int) bool {
		return members[i].Addr.Less(members[j].Addr)
	})
	b := make([]byte, 4, 4+16*len(members))
	binary.LittleEndian.PutUint32(b, uint32(len(members)))
	for _, m := range members {
		var a [4]byte
		if m.Addr.Is4() {
			a = m.Addr.As4()
		}
		b = append(b, a[:]...)
		b = appendString(b, s.names[m.Addr])
	}
	return b
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
