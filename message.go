package aisexec

import (
	"encoding/binary"
	"net/netip"
	"unsafe"
)

// Header is the fixed frame header on the client wire, little-endian:
//
//	magic  u32   must equal MessageMagic
//	size   u32   total frame length including the header
//	id     i32   selector, interpreted against the bound service
type Header struct {
	Magic uint32
	Size  uint32
	ID    int32
}

// Compile-time layout check: the wire header is exactly HeaderSize bytes.
var _ [HeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}

// ParseHeader reads a header from the first HeaderSize bytes of b.
// The caller guarantees len(b) >= HeaderSize.
func ParseHeader(b []byte) Header {
	return Header{
		Magic: binary.LittleEndian.Uint32(b[0:4]),
		Size:  binary.LittleEndian.Uint32(b[4:8]),
		ID:    int32(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// MarshalTo writes the header into the first HeaderSize bytes of b.
func (h Header) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.ID))
}

// BuildFrame assembles a complete frame for the given selector and
// payload. Size and magic are filled in.
func BuildFrame(id int32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	Header{Magic: MessageMagic, Size: uint32(len(frame)), ID: id}.MarshalTo(frame)
	copy(frame[HeaderSize:], payload)
	return frame
}

// Origin identifies where a cluster-ordered request came from: the
// node that multicast it and the client descriptor on that node.
// Services embed it in ordered payloads so the originating executive
// can route the reply; the descriptor may be gone by reply time.
type Origin struct {
	Addr netip.Addr
	Fd   int32
}

// OriginSize is the marshaled size of an Origin.
const OriginSize = 8

// AppendOrigin marshals o at the end of b.
func AppendOrigin(b []byte, o Origin) []byte {
	var a [4]byte
	if o.Addr.Is4() {
		a = o.Addr.As4()
	}
	b = append(b, a[:]...)
	var fd [4]byte
	binary.LittleEndian.PutUint32(fd[:], uint32(o.Fd))
	return append(b, fd[:]...)
}

// ParseOrigin reads an Origin from the first OriginSize bytes of b,
// returning the remainder. ok is false when b is too short.
func ParseOrigin(b []byte) (o Origin, rest []byte, ok bool) {
	if len(b) < OriginSize {
		return Origin{}, b, false
	}
	o.Addr = netip.AddrFrom4([4]byte(b[0:4]))
	o.Fd = int32(binary.LittleEndian.Uint32(b[4:8]))
	return o, b[OriginSize:], true
}
