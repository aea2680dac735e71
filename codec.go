package aisexec

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/openais/aisexec/internal/fifo"
	"github.com/openais/aisexec/internal/poll"
)

// onClient runs when a client descriptor is readable: one
// non-blocking recv, credential check on the first data, then every
// complete frame in the buffer is dispatched in arrival order.
func (e *Exec) onClient(r *poll.Reactor, fd int, revents int16) error {
	c := e.conns.active(fd)
	if c == nil {
		return poll.ErrDisconnect
	}

	var oob []byte
	if !c.authenticated {
		oob = e.oobBuf[:]
	}
	var n, oobn int
	for {
		var err error
		n, oobn, _, _, err = unix.Recvmsg(fd, c.inb[c.inbStart:RecvBufferSize], oob, unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			e.log.Debug("recv failed", "fd", fd, "err", err)
			e.disconnect(fd)
			return poll.ErrDisconnect
		}
		break
	}
	if n == 0 {
		e.disconnect(fd)
		return poll.ErrDisconnect
	}
	e.stats.BytesRx.Add(uint64(n))

	if !c.authenticated {
		if err := e.authenticate(c, oob[:oobn]); err != nil {
			// Unauthenticated data is rejected outright rather than
			// processed-and-logged.
			e.stats.AuthFailures.Add(1)
			e.disconnect(fd)
			return poll.ErrDisconnect
		}
	}

	c.inbInuse += n
	c.inbStart += n

	for c.inbInuse >= HeaderSize {
		off := c.inbStart - c.inbInuse
		hdr := ParseHeader(c.inb[off:])
		if hdr.Magic != MessageMagic {
			e.log.Security("invalid frame magic", "fd", fd, "magic", fmt.Sprintf("%#x", hdr.Magic))
			e.stats.ProtocolErrors.Add(1)
			e.disconnect(fd)
			return poll.ErrDisconnect
		}
		if hdr.Size < HeaderSize || hdr.Size > RecvBufferSize {
			e.log.Security("invalid frame size", "fd", fd, "size", hdr.Size)
			e.stats.ProtocolErrors.Add(1)
			e.disconnect(fd)
			return poll.ErrDisconnect
		}
		if int(hdr.Size) > c.inbInuse {
			break
		}
		frame := c.inb[off : off+int(hdr.Size)]
		e.stats.FramesRx.Add(1)
		if err := e.dispatchFrame(c, hdr, frame); err != nil {
			if isFatal(err) {
				e.log.Error("fatal error on dispatch path", "fd", fd, "err", err)
				return err
			}
			e.stats.HandlerErrors.Add(1)
			e.log.Debug("handler failed, dropping client", "fd", fd, "err", err)
			e.disconnect(fd)
			return poll.ErrDisconnect
		}
		// The table may have grown while the handler ran; recompute
		// the slot from the descriptor.
		c = e.conns.active(fd)
		if c == nil {
			return poll.ErrDisconnect
		}
		c.inbInuse -= int(hdr.Size)
	}

	if c.inbInuse == 0 {
		c.inbStart = 0
	} else if c.inbStart+c.inbInuse >= RecvBufferSize {
		// Relocate unparsed bytes to the front once the free tail
		// could no longer hold them again. The historical condition
		// (inbStart == cap) compacted only when the tail was fully
		// exhausted.
		off := c.inbStart - c.inbInuse
		copy(c.inb, c.inb[off:c.inbStart])
		c.inbStart = c.inbInuse
	}
	return nil
}

// authenticate inspects the ancillary credentials of the first recv.
// Peer uid 0 or the configured gid is accepted; anything else rejects
// the connection.
func (e *Exec) authenticate(c *connection, oob []byte) error {
	if len(oob) > 0 {
		scms, err := unix.ParseSocketControlMessage(oob)
		if err == nil {
			for i := range scms {
				if scms[i].Header.Level != unix.SOL_SOCKET || scms[i].Header.Type != unix.SCM_CREDENTIALS {
					continue
				}
				cred, err := unix.ParseUnixCredentials(&scms[i])
				if err != nil {
					continue
				}
				if cred.Uid == 0 || cred.Gid == e.authGid {
					c.authenticated = true
					// Credentials settled; stop requesting them.
					unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 0)
					return nil
				}
				e.log.Security("connection rejected, credentials do not match policy",
					"fd", c.fd, "uid", cred.Uid, "gid", cred.Gid, "want_gid", e.authGid)
				return NewFdError("auth", c.fd, ErrCodeNotAuthorized, "credentials rejected")
			}
		}
	}
	e.log.Security("connection rejected, no credentials received", "fd", c.fd)
	return NewFdError("auth", c.fd, ErrCodeNotAuthorized, "no credentials")
}

// SendResponse transmits a frame to a client. Queued frames drain
// first, in FIFO order; if the kernel buffer is full the frame is
// copied into a pool buffer and queued. Queue overflow and allocation
// failure are fatal to the daemon: replies are never dropped silently.
//
// Sending to a descriptor that has disconnected returns
// ErrCodeNotConnected; ordered handlers replying to a departed
// originator are expected to ignore it.
func (e *Exec) SendResponse(fd int, msg []byte) error {
	c := e.conns.active(fd)
	if c == nil {
		return NewFdError("send", fd, ErrCodeNotConnected, "descriptor gone")
	}
	if c.outq.IsFull() {
		return NewFdError("send", fd, ErrCodeQueueOverflow, "outbound queue full")
	}

	for !c.outq.IsEmpty() {
		it := c.outq.Head()
		rem := it.Msg[c.byteStart:]
		n, err := e.sendOnce(fd, rem)
		if err == unix.EAGAIN {
			return e.queueFrame(c, msg)
		}
		if err != nil {
			ae := WrapError("send", err)
			ae.Fd = fd
			return ae
		}
		if n < len(rem) {
			c.byteStart += n
			return e.queueFrame(c, msg)
		}
		e.pool.Free(it.Msg)
		c.outq.Pop()
		c.byteStart = 0
		e.stats.FramesTx.Add(1)
	}

	sent := 0
	for sent < len(msg) {
		n, err := e.sendOnce(fd, msg[sent:])
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			ae := WrapError("send", err)
			ae.Fd = fd
			return ae
		}
		sent += n
	}
	if sent == len(msg) {
		e.stats.FramesTx.Add(1)
		return nil
	}
	return e.queueFrame(c, msg[sent:])
}

// Reply frames payload under the given selector and sends it to fd.
func (e *Exec) Reply(fd int, id int32, payload []byte) error {
	return e.SendResponse(fd, BuildFrame(id, payload))
}

// ReplyToOrigin routes an ordered handler's reply back to the client
// that initiated the request. A no-op on every node but the
// originator, and when the originating descriptor has disconnected
// since the multicast.
func (e *Exec) ReplyToOrigin(origin Origin, id int32, payload []byte) error {
	if origin.Addr != e.LocalAddr() {
		return nil
	}
	err := e.Reply(int(origin.Fd), id, payload)
	if err != nil && IsCode(err, ErrCodeNotConnected) {
		return nil
	}
	return err
}

func (e *Exec) sendOnce(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		e.stats.BytesTx.Add(uint64(n))
		return n, nil
	}
}

// queueFrame copies b into a pool buffer and appends it to the outq.
func (e *Exec) queueFrame(c *connection, b []byte) error {
	buf := e.pool.Alloc(len(b))
	if buf == nil {
		return NewFdError("send", c.fd, ErrCodeOutOfMemory, "no buffer for queued reply")
	}
	copy(buf, b)
	if !c.outq.Push(fifo.Item{Msg: buf}) {
		e.pool.Free(buf)
		return NewFdError("send", c.fd, ErrCodeQueueOverflow, "outbound queue full")
	}
	e.stats.QueuedSends.Add(1)
	return nil
}
