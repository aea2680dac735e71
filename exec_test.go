package aisexec

import (
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/logging"
)

func TestOrderedDispatchAcrossServices(t *testing.T) {
	a := NewRecordingService("a", 1, 2)
	b := NewRecordingService("b", 1, 1)
	h, err := NewHarness(a.Svc, b.Svc)
	require.NoError(t, err)
	defer h.Close()
	e := h.Exec

	// The flat table concatenates in registration order.
	assert.EqualValues(t, 0, e.OrderedID(a.Svc, 0))
	assert.EqualValues(t, 1, e.OrderedID(a.Svc, 1))
	assert.EqualValues(t, 2, e.OrderedID(b.Svc, 0))

	require.NoError(t, e.MulticastOrdered(b.Svc, 0, []byte("for-b"), PrioMed))
	require.NoError(t, e.MulticastOrdered(a.Svc, 1, []byte("for-a"), PrioHigh))
	h.FlushTransport()

	require.Len(t, b.Ordered, 1)
	assert.Equal(t, 0, b.Ordered[0].Fn)
	assert.Equal(t, 0, b.Ordered[0].Fd, "transport deliveries carry the sentinel source")
	assert.Equal(t, "for-b", string(b.Ordered[0].Payload))

	require.Len(t, a.Ordered, 1)
	assert.Equal(t, 1, a.Ordered[0].Fn)
	assert.Equal(t, "for-a", string(a.Ordered[0].Payload))
}

func TestInitialViewPrecedesDeliveries(t *testing.T) {
	rs := NewRecordingService("test", 1, 1)
	h, err := NewHarness(rs.Svc)
	require.NoError(t, err)
	defer h.Close()

	// Join delivered the first view during bring-up, before any
	// ordered message could exist.
	require.Len(t, rs.Views, 1)
	assert.Len(t, rs.Views[0].Members, 1)
	assert.Len(t, rs.Views[0].Joined, 1)
	assert.Empty(t, rs.Ordered)

	require.NoError(t, h.Exec.MulticastOrdered(rs.Svc, 0, nil, PrioMed))
	h.FlushTransport()
	assert.Len(t, rs.Ordered, 1)
	assert.Len(t, rs.Views, 1, "delivery must not synthesize views")
}

func TestConfChgFanoutOrder(t *testing.T) {
	var order []string
	mk := func(name string) *Service {
		return &Service{
			Name:    name,
			LibInit: func(*Exec, int, Header, []byte) error { return nil },
			ConfChg: func(e *Exec, v View) { order = append(order, name) },
		}
	}
	h, err := NewHarness(mk("first"), mk("second"), mk("third"))
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, []string{"first", "second", "third"}, order,
		"view change fans out once per service, in registration order")
}

func TestViewChangeDuringPendingMulticast(t *testing.T) {
	rs := NewRecordingService("test", 1, 1)
	h, err := NewHarness(rs.Svc)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Exec.MulticastOrdered(rs.Svc, 0, []byte("pending"), PrioMed))
	h.LeaveGroup()
	h.FlushTransport()

	// The solo transport suppresses deliveries queued before a leave;
	// the view change still arrives.
	assert.Empty(t, rs.Ordered)
	require.Len(t, rs.Views, 2)
	assert.Len(t, rs.Views[1].Left, 1)
	assert.Empty(t, rs.Views[1].Members)
}

func TestDeliverStagingReassembly(t *testing.T) {
	rs := NewRecordingService("test", 1, 1)
	h, err := NewHarness(rs.Svc)
	require.NoError(t, err)
	defer h.Close()
	e := h.Exec

	frame := BuildFrame(0, []byte("staged-payload"))

	// Multi-segment, split inside the header: reassembled in the
	// staging buffer before interpretation.
	e.onDeliver(e.group, [][]byte{frame[:5], frame[5:9], frame[9:]})
	require.Len(t, rs.Ordered, 1)
	assert.Equal(t, "staged-payload", string(rs.Ordered[0].Payload))

	// Single segment: interpreted in place.
	e.onDeliver(e.group, [][]byte{frame})
	require.Len(t, rs.Ordered, 2)
	assert.Equal(t, "staged-payload", string(rs.Ordered[1].Payload))
}

func TestDeliverValidation(t *testing.T) {
	rs := NewRecordingService("test", 1, 1)
	h, err := NewHarness(rs.Svc)
	require.NoError(t, err)
	defer h.Close()
	e := h.Exec

	// Short, out-of-range and truncated deliveries are dropped.
	e.onDeliver(e.group, [][]byte{{1, 2, 3}})
	e.onDeliver(e.group, [][]byte{BuildFrame(99, nil)})
	bad := BuildFrame(0, []byte("body"))
	e.onDeliver(e.group, [][]byte{bad[:HeaderSize+1]})

	assert.Empty(t, rs.Ordered)
	assert.Zero(t, e.Stats().Deliveries.Load())
}

func TestDeliverStagingOverflowIsFatal(t *testing.T) {
	rs := NewRecordingService("test", 1, 1)
	h, err := NewHarness(rs.Svc)
	require.NoError(t, err)
	defer h.Close()
	e := h.Exec

	e.onDeliver(e.group, [][]byte{make([]byte, MessageSizeMax), {1, 2}})
	require.Error(t, e.fatalErr)
	assert.True(t, IsCode(e.fatalErr, ErrCodeProtocol))
	assert.Empty(t, rs.Ordered)
}

func TestConnTableGrow(t *testing.T) {
	var tbl connTable
	tbl.grow(5)
	require.Len(t, tbl.conns, 6)
	assert.Nil(t, tbl.active(5), "zero-filled slot must be inactive")
	assert.Nil(t, tbl.lookup(6))
	assert.Nil(t, tbl.lookup(-1))

	tbl.conns[3].active = true
	tbl.conns[3].fd = 3
	tbl.grow(2) // never shrinks
	require.Len(t, tbl.conns, 6)
	assert.Equal(t, []int{3}, tbl.activeFds())
}

// TestRunEndToEnd exercises the real bring-up: listen socket, accept,
// codec, service reply, interrupt-driven shutdown with statistics.
func TestRunEndToEnd(t *testing.T) {
	echo := &Service{
		Name:    "echo",
		LibInit: func(*Exec, int, Header, []byte) error { return nil },
		LibHandlers: []LibHandlerFn{
			func(e *Exec, fd int, hdr Header, payload []byte) error {
				return e.Reply(fd, hdr.ID, payload)
			},
		},
	}
	sockName := fmt.Sprintf("aisexec-test-%d", os.Getpid())
	e := New(nil, []*Service{echo}, &Options{
		SkipPrivileged: true,
		Foreground:     true,
		SocketName:     sockName,
		Logger:         logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard}),
	})

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	var conn net.Conn
	var err error
	for i := 0; i < 200; i++ {
		conn, err = net.Dial("unix", "@"+sockName)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "daemon never started listening")
	defer conn.Close()

	_, err = conn.Write(BuildFrame(0, nil)) // bind to the echo service
	require.NoError(t, err)
	_, err = conn.Write(BuildFrame(0, []byte("ping")))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, HeaderSize+4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	hdr := ParseHeader(reply)
	assert.Equal(t, MessageMagic, hdr.Magic)
	assert.Equal(t, "ping", string(reply[HeaderSize:]))

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGINT))
	select {
	case err := <-done:
		assert.NoError(t, err, "interrupt shutdown should be clean")
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down on interrupt")
	}
}
