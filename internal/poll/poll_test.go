package poll

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func mkpipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestDispatchAndStop(t *testing.T) {
	r := New()
	rd, wr := mkpipe(t)

	var got []byte
	err := r.Add(rd, In, func(r *Reactor, fd int, revents int16) error {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		got = append(got, buf[:n]...)
		r.Stop()
		return nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	unix.Write(wr, []byte("ping"))
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("callback read %q, want ping", got)
	}
}

func TestDisconnectSentinelRemoves(t *testing.T) {
	r := New()
	rd, wr := mkpipe(t)
	rd2, wr2 := mkpipe(t)

	calls := 0
	r.Add(rd, In, func(r *Reactor, fd int, revents int16) error {
		calls++
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		return ErrDisconnect
	})
	// Second descriptor stops the loop once the first is gone.
	r.Add(rd2, In, func(r *Reactor, fd int, revents int16) error {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		r.Stop()
		return nil
	})

	unix.Write(wr, []byte("x"))
	unix.Write(wr, []byte("y")) // still readable after first dispatch
	unix.Write(wr2, []byte("z"))
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("removed callback invoked %d times, want 1", calls)
	}
}

func TestFatalErrorStopsRun(t *testing.T) {
	r := New()
	rd, wr := mkpipe(t)
	boom := errors.New("boom")
	r.Add(rd, In, func(r *Reactor, fd int, revents int16) error {
		return boom
	})
	unix.Write(wr, []byte("x"))
	if err := r.Run(); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want boom", err)
	}
}

func TestAddDuringRun(t *testing.T) {
	r := New()
	rd, wr := mkpipe(t)
	rd2, wr2 := mkpipe(t)

	secondFired := false
	r.Add(rd, In, func(r *Reactor, fd int, revents int16) error {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		// Register the second fd from inside a callback; it must be
		// picked up on the next cycle.
		return r.Add(rd2, In, func(r *Reactor, fd int, revents int16) error {
			secondFired = true
			r.Stop()
			return nil
		})
	})

	unix.Write(wr, []byte("a"))
	unix.Write(wr2, []byte("b"))
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !secondFired {
		t.Error("fd added during run never dispatched")
	}
}

func TestDoubleAddRejected(t *testing.T) {
	r := New()
	rd, _ := mkpipe(t)
	cb := func(*Reactor, int, int16) error { return nil }
	if err := r.Add(rd, In, cb); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(rd, In, cb); err == nil {
		t.Error("second Add of same fd succeeded")
	}
}

func TestModifyAndDelete(t *testing.T) {
	r := New()
	rd, _ := mkpipe(t)
	cb := func(*Reactor, int, int16) error { return nil }
	if err := r.Modify(rd, In); err == nil {
		t.Error("Modify of unregistered fd succeeded")
	}
	r.Add(rd, In, cb)
	if err := r.Modify(rd, In|Out); err != nil {
		t.Errorf("Modify: %v", err)
	}
	r.Delete(rd)
	r.Delete(rd) // idempotent
	if err := r.Modify(rd, In); err == nil {
		t.Error("Modify after Delete succeeded")
	}
}

func TestRunReturnsWhenEmpty(t *testing.T) {
	r := New()
	if err := r.Run(); err != nil {
		t.Errorf("Run on empty reactor = %v", err)
	}
}
