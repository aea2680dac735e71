package gmi

import (
	"encoding/binary"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/internal/poll"
)

func newTestSolo(t *testing.T) *Solo {
	t.Helper()
	r := poll.New()
	s, err := NewSolo(r)
	if err != nil {
		t.Fatalf("NewSolo: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSoloInitialView(t *testing.T) {
	s := newTestSolo(t)
	var got *View
	err := s.Join("grp", nil, func(v View) { got = &v })
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got == nil {
		t.Fatal("no initial view delivered")
	}
	if len(got.Members) != 1 || got.Members[0].Addr != s.LocalAddr() {
		t.Errorf("initial members = %v", got.Members)
	}
	if len(got.Joined) != 1 {
		t.Errorf("initial joined = %v", got.Joined)
	}
	if err := s.Join("grp2", nil, nil); err == nil {
		t.Error("second Join succeeded")
	}
}

func TestSoloOrderAndCopy(t *testing.T) {
	s := newTestSolo(t)
	var seen [][]byte
	s.Join("grp", func(group string, iov [][]byte) {
		flat := []byte{}
		for _, seg := range iov {
			flat = append(flat, seg...)
		}
		seen = append(seen, flat)
	}, nil)

	// Reuse the same backing buffer across multicasts; the transport
	// must have copied each one.
	buf := []byte{0}
	for i := byte(1); i <= 3; i++ {
		buf[0] = i
		if err := s.Multicast("grp", [][]byte{buf, {i, i}}, PrioMed); err != nil {
			t.Fatalf("Multicast: %v", err)
		}
	}
	s.Flush()

	if len(seen) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(seen))
	}
	for i := byte(1); i <= 3; i++ {
		want := []byte{i, i, i}
		got := seen[i-1]
		if string(got) != string(want) {
			t.Errorf("delivery %d = %v, want %v", i, got, want)
		}
	}
}

func TestSoloMulticastBeforeJoin(t *testing.T) {
	s := newTestSolo(t)
	if err := s.Multicast("grp", [][]byte{{1}}, PrioMed); err == nil {
		t.Error("Multicast before Join succeeded")
	}
}

func TestSoloLeaveSuppressesPending(t *testing.T) {
	s := newTestSolo(t)
	var views []View
	delivered := 0
	s.Join("grp", func(string, [][]byte) { delivered++ }, func(v View) { views = append(views, v) })

	s.Multicast("grp", [][]byte{{1}}, PrioMed)
	s.Leave()
	s.Flush()

	if delivered != 0 {
		t.Errorf("delivered %d messages after Leave, want 0", delivered)
	}
	if len(views) != 2 {
		t.Fatalf("views = %d, want join+leave", len(views))
	}
	last := views[1]
	if len(last.Left) != 1 || len(last.Members) != 0 {
		t.Errorf("leave view = %+v", last)
	}
}

func quietUDP() *UDP {
	return &UDP{
		fd:       -1,
		timerFd:  -1,
		log:      logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard}),
		local:    netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		lastSeen: make(map[netip.Addr]time.Time),
		now:      time.Now,
		joined:   true,
		group:    "grp",
	}
}

func dgram(kind byte, sender [4]byte, payload []byte) []byte {
	b := make([]byte, dgHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], dgMagic)
	b[4] = kind
	copy(b[8:12], sender[:])
	copy(b[dgHeaderSize:], payload)
	return b
}

func TestUDPDataDelivery(t *testing.T) {
	u := quietUDP()
	var got []byte
	u.deliver = func(group string, iov [][]byte) {
		if group != "grp" {
			t.Errorf("group = %q", group)
		}
		if len(iov) != 1 {
			t.Fatalf("iov segments = %d, want 1", len(iov))
		}
		got = append([]byte(nil), iov[0]...)
	}
	u.handleDatagram(dgram(kindData, [4]byte{10, 0, 0, 2}, []byte("payload")))
	if string(got) != "payload" {
		t.Errorf("delivered %q", got)
	}
}

func TestUDPBadMagicDropped(t *testing.T) {
	u := quietUDP()
	u.deliver = func(string, [][]byte) { t.Error("delivered datagram with bad magic") }
	b := dgram(kindData, [4]byte{10, 0, 0, 2}, []byte("x"))
	binary.LittleEndian.PutUint32(b[0:4], 0xdeadbeef)
	u.handleDatagram(b)
	u.handleDatagram([]byte{1, 2, 3}) // short datagram
}

func TestUDPMembership(t *testing.T) {
	u := quietUDP()
	var views []View
	u.confchg = func(v View) { views = append(views, v) }
	peer := [4]byte{10, 0, 0, 2}

	u.handleDatagram(dgram(kindAnnounce, peer, nil))
	if len(views) != 1 || len(views[0].Joined) != 1 {
		t.Fatalf("announce views = %+v", views)
	}
	// Repeat announce from a known member: heartbeat, no new view.
	u.handleDatagram(dgram(kindAnnounce, peer, nil))
	if len(views) != 1 {
		t.Errorf("duplicate announce produced a view change")
	}

	u.handleDatagram(dgram(kindLeave, peer, nil))
	if len(views) != 2 || len(views[1].Left) != 1 {
		t.Fatalf("leave views = %+v", views)
	}
	if len(views[1].Members) != 0 {
		t.Errorf("members after leave = %v", views[1].Members)
	}
}

func TestUDPExpiry(t *testing.T) {
	u := quietUDP()
	clock := time.Unix(1000, 0)
	u.now = func() time.Time { return clock }
	var views []View
	u.confchg = func(v View) { views = append(views, v) }

	u.lastSeen[u.local] = clock
	peer := netip.AddrFrom4([4]byte{10, 0, 0, 9})
	u.lastSeen[peer] = clock

	clock = clock.Add(memberTimeout / 2)
	u.expire()
	if len(views) != 0 {
		t.Fatalf("expiry fired early: %+v", views)
	}

	clock = clock.Add(memberTimeout)
	u.lastSeen[u.local] = clock // the local node never expires itself
	u.expire()
	if len(views) != 1 || len(views[0].Left) != 1 || views[0].Left[0].Addr != peer {
		t.Fatalf("expiry views = %+v", views)
	}
}

func TestUDPMulticastSizeLimit(t *testing.T) {
	u := quietUDP()
	big := make([]byte, maxPayload+1)
	if err := u.Multicast("grp", [][]byte{big}, PrioMed); err == nil {
		t.Error("oversized multicast succeeded")
	}
}
