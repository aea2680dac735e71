package aisexec

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Magic: MessageMagic, Size: 1234, ID: -7}
	var buf [HeaderSize]byte
	h.MarshalTo(buf[:])
	got := ParseHeader(buf[:])
	assert.Equal(t, h, got)
}

func TestHeaderLittleEndian(t *testing.T) {
	var buf [HeaderSize]byte
	Header{Magic: 0x04030201, Size: 0x11, ID: 2}.MarshalTo(buf[:])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[0:4])
	assert.Equal(t, byte(0x11), buf[4])
	assert.Equal(t, byte(0x02), buf[8])
}

func TestBuildFrame(t *testing.T) {
	frame := BuildFrame(3, []byte("payload"))
	require.Len(t, frame, HeaderSize+7)
	hdr := ParseHeader(frame)
	assert.Equal(t, MessageMagic, hdr.Magic)
	assert.Equal(t, uint32(len(frame)), hdr.Size)
	assert.Equal(t, int32(3), hdr.ID)
	assert.Equal(t, "payload", string(frame[HeaderSize:]))
}

func TestBuildFrameEmptyPayload(t *testing.T) {
	frame := BuildFrame(0, nil)
	require.Len(t, frame, HeaderSize)
	assert.Equal(t, uint32(HeaderSize), ParseHeader(frame).Size)
}

func TestOriginRoundTrip(t *testing.T) {
	o := Origin{Addr: netip.AddrFrom4([4]byte{10, 1, 2, 3}), Fd: 42}
	b := AppendOrigin([]byte("prefix")[:6], o)
	got, rest, ok := ParseOrigin(b[6:])
	require.True(t, ok)
	assert.Equal(t, o, got)
	assert.Empty(t, rest)
}

func TestParseOriginShort(t *testing.T) {
	_, rest, ok := ParseOrigin([]byte{1, 2, 3})
	assert.False(t, ok)
	assert.Len(t, rest, 3)
}
