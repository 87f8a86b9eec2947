// Package frameheader builds HTTP/2 frames straight into byte slices.
package frameheader

import (
	"encoding/binary"

	"golang.org/x/net/http2"
)

const Size = 9

// FrameHeader is a view over the first Size bytes of a frame.
type FrameHeader []byte

func (f FrameHeader) Fill(
	length int,
	t http2.FrameType,
	flags http2.Flags,
	streamID uint32,
) {
	_ = f[8]
	f[0] = byte(length >> 16)
	f[1] = byte(length >> 8)
	f[2] = byte(length)
	f[3] = byte(t)
	f[4] = byte(flags)
	binary.BigEndian.PutUint32(f[5:], streamID&(1<<31-1))
}

// AppendFrame дописывает в b заголовок фрейма и его пейлоад.
func AppendFrame(
	b []byte,
	t http2.FrameType,
	flags http2.Flags,
	streamID uint32,
	payload []byte,
) []byte {
	l := len(b)
	b = append(b, make([]byte, Size)...)
	FrameHeader(b[l:]).Fill(len(payload), t, flags, streamID)
	return append(b, payload...)
}

func (f FrameHeader) Length() int           { return int(f[0])<<16 | int(f[1])<<8 | int(f[2]) }
func (f FrameHeader) Type() http2.FrameType { return http2.FrameType(f[3]) }
func (f FrameHeader) Flags() http2.Flags    { return http2.Flags(f[4]) }

// StreamID ignores the reserved bit.
func (f FrameHeader) StreamID() uint32 { return binary.BigEndian.Uint32(f[5:]) & (1<<31 - 1) }
