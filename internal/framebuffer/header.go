// Package framebuffer parses and decodes the adb framebuffer: stream.
//
// Ownership boundary:
// - header layout by protocol version and channel bitfields
// - incremental pixel decode into an RGBA buffer
// - capture over a completed session and image export
package framebuffer

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/adbctl/internal/protocol"
)

const (
	VersionRGB565 = 16
	VersionV1     = 1

	versionLen = 4
	headerV16  = 16
	headerV1   = 52

	// MaxPixLen bounds the decoded RGBA buffer of one frame.
	MaxPixLen = 1 << 28
)

// Channel is one color component inside a source pixel word.
type Channel struct {
	Offset uint32
	Length uint32
	Mask   uint32
	Shift  int
}

func newChannel(offset, length uint32) (Channel, error) {
	if uint64(offset)+uint64(length) > 32 {
		return Channel{}, fmt.Errorf("%w: channel offset=%d length=%d exceeds 32 bits", protocol.ErrHeaderParse, offset, length)
	}
	if length > 8 {
		offset += length - 8
		length = 8
	}
	return Channel{
		Offset: offset,
		Length: length,
		Mask:   uint32((uint64(1)<<length)-1) << offset,
		Shift:  int(offset) - (8 - int(length)),
	}, nil
}

// Value extracts the channel from px scaled into the top of a byte.
func (c Channel) Value(px uint32) uint32 {
	if c.Length == 0 {
		return 0
	}
	v := px & c.Mask
	if c.Shift >= 0 {
		return (v >> uint(c.Shift)) & 0xFF
	}
	return (v << uint(-c.Shift)) & 0xFF
}

type Header struct {
	Version uint32
	BPP     uint32
	Size    uint32
	Width   uint32
	Height  uint32
	Red     Channel
	Green   Channel
	Blue    Channel
	Alpha   Channel
}

// PixLen is the decoded RGBA buffer length, or 0 when it exceeds MaxPixLen.
func (h Header) PixLen() int {
	pixels := uint64(h.Width) * uint64(h.Height)
	if pixels > MaxPixLen/4 {
		return 0
	}
	return int(pixels * 4)
}

// BytesPerPixel of the source stream.
func (h Header) BytesPerPixel() int {
	return int(h.BPP / 8)
}

// RequiredLen reports how many header bytes the version in b needs.
// ok is false until the version word itself is present.
func RequiredLen(b []byte) (n int, ok bool, err error) {
	if len(b) < versionLen {
		return 0, false, nil
	}
	switch v := binary.LittleEndian.Uint32(b); v {
	case VersionRGB565:
		return headerV16, true, nil
	case VersionV1:
		return headerV1, true, nil
	default:
		return 0, true, fmt.Errorf("%w: unsupported version %d", protocol.ErrHeaderParse, v)
	}
}

// ParseHeader decodes a complete header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	need, ok, err := RequiredLen(b)
	if err != nil {
		return Header{}, err
	}
	if !ok || len(b) < need {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", protocol.ErrHeaderParse, len(b))
	}
	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(b[i*4:])
	}

	h := Header{Version: word(0)}
	var red, green, blue, alpha [2]uint32
	switch h.Version {
	case VersionRGB565:
		h.BPP = 16
		h.Size, h.Width, h.Height = word(1), word(2), word(3)
		red, green, blue, alpha = [2]uint32{11, 5}, [2]uint32{5, 6}, [2]uint32{0, 5}, [2]uint32{0, 0}
	case VersionV1:
		h.BPP, h.Size, h.Width, h.Height = word(1), word(2), word(3), word(4)
		red = [2]uint32{word(5), word(6)}
		blue = [2]uint32{word(7), word(8)}
		green = [2]uint32{word(9), word(10)}
		alpha = [2]uint32{word(11), word(12)}
	}
	switch h.BPP {
	case 16, 24, 32:
	default:
		return Header{}, fmt.Errorf("%w: unsupported bpp %d", protocol.ErrHeaderParse, h.BPP)
	}
	if h.Width != 0 && uint64(h.Height) > MaxPixLen/4/uint64(h.Width) {
		return Header{}, fmt.Errorf("%w: %dx%d exceeds frame limit", protocol.ErrHeaderParse, h.Width, h.Height)
	}
	pixels := uint64(h.Width) * uint64(h.Height)
	if want := pixels * uint64(h.BPP/8); want != uint64(h.Size) {
		return Header{}, fmt.Errorf("%w: size %d does not match %dx%d at %d bpp", protocol.ErrHeaderParse, h.Size, h.Width, h.Height, h.BPP)
	}
	if h.Red, err = newChannel(red[0], red[1]); err != nil {
		return Header{}, err
	}
	if h.Green, err = newChannel(green[0], green[1]); err != nil {
		return Header{}, err
	}
	if h.Blue, err = newChannel(blue[0], blue[1]); err != nil {
		return Header{}, err
	}
	if h.Alpha, err = newChannel(alpha[0], alpha[1]); err != nil {
		return Header{}, err
	}
	return h, nil
}
