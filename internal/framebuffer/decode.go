package framebuffer

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/danmuck/adbctl/internal/protocol"
)

// Frame is the decoded output: 4 bytes per pixel in R, G, B, A order.
type Frame struct {
	Header Header
	Pix    []byte

	cursor int
	fill   int
}

// NewFrame allocates the output buffer for a header from ParseHeader.
func NewFrame(h Header) *Frame {
	return &Frame{
		Header: h,
		Pix:    make([]byte, h.PixLen()),
	}
}

// Decode converts whole source pixels in src and appends them to Pix.
func (f *Frame) Decode(src []byte) error {
	bpp := f.Header.BytesPerPixel()
	if bpp == 0 || len(src)%bpp != 0 {
		return fmt.Errorf("%w: framebuffer: %d bytes is not a multiple of %d", protocol.ErrProtocol, len(src), bpp)
	}
	if f.cursor+(len(src)/bpp)*4 > len(f.Pix) {
		return fmt.Errorf("%w: framebuffer: pixel data exceeds %dx%d", protocol.ErrProtocol, f.Header.Width, f.Header.Height)
	}
	h := &f.Header
	for i := 0; i < len(src); i += bpp {
		px := readPixel(src[i:], bpp)
		out := h.Red.Value(px) |
			h.Green.Value(px)<<8 |
			h.Blue.Value(px)<<16 |
			h.Alpha.Value(px)<<24
		binary.LittleEndian.PutUint32(f.Pix[f.cursor:], out)
		f.cursor += 4
	}
	f.fill += len(src)
	return nil
}

func readPixel(b []byte, bpp int) uint32 {
	switch bpp {
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	case 3:
		return uint32(binary.LittleEndian.Uint16(b)) | uint32(b[2])<<16
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

// Accumulated is the number of source bytes decoded so far.
func (f *Frame) Accumulated() int {
	return f.fill
}

// Complete reports whether exactly the declared size has been decoded.
func (f *Frame) Complete() bool {
	return f.fill == int(f.Header.Size)
}

// Image copies the frame into an RGBA image. Layouts without an alpha
// channel come out opaque.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(f.Header.Width), int(f.Header.Height)))
	copy(img.Pix, f.Pix)
	if f.Header.Alpha.Length == 0 {
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xFF
		}
	}
	return img
}

// Step reports what one Feed call advanced.
type Step struct {
	HeaderParsed bool
	Complete     bool
}

// Decoder consumes the raw stream after the handshake: one ack byte, the
// header, then pixel data split at arbitrary boundaries.
type Decoder struct {
	ackSkipped bool
	head       []byte
	frame      *Frame
	residual   []byte
	complete   bool
}

func (d *Decoder) Frame() *Frame {
	return d.frame
}

func (d *Decoder) Complete() bool {
	return d.complete
}

// Feed consumes one read. HeaderParsed is set only on the call that
// completed the header.
func (d *Decoder) Feed(p []byte) (Step, error) {
	var step Step
	if d.complete {
		return step, nil
	}
	if !d.ackSkipped {
		if len(p) == 0 {
			return step, nil
		}
		d.ackSkipped = true
		p = p[1:]
	}
	if d.frame == nil {
		d.head = append(d.head, p...)
		p = nil
		need, ok, err := RequiredLen(d.head)
		if err != nil {
			return step, err
		}
		if !ok || len(d.head) < need {
			return step, nil
		}
		h, err := ParseHeader(d.head[:need])
		if err != nil {
			return step, err
		}
		d.frame = NewFrame(h)
		p = d.head[need:]
		d.head = nil
		step.HeaderParsed = true
	}

	left := int(d.frame.Header.Size) - d.frame.fill - len(d.residual)
	if left < 0 {
		left = 0
	}
	if len(p) > left {
		p = p[:left]
	}
	buf := append(d.residual, p...)
	bpp := d.frame.Header.BytesPerPixel()
	whole := len(buf) - len(buf)%bpp
	if whole > 0 {
		if err := d.frame.Decode(buf[:whole]); err != nil {
			return step, err
		}
	}
	d.residual = append([]byte(nil), buf[whole:]...)
	if d.frame.Complete() {
		d.complete = true
		step.Complete = true
	}
	return step, nil
}

// Finish is called at end of stream.
func (d *Decoder) Finish() error {
	if d.complete {
		return nil
	}
	if d.frame == nil {
		return fmt.Errorf("%w: stream ended after %d header bytes", protocol.ErrHeaderParse, len(d.head))
	}
	return fmt.Errorf("%w: framebuffer ended at %d of %d bytes",
		protocol.ErrSyncIncomplete, d.frame.fill+len(d.residual), d.frame.Header.Size)
}
