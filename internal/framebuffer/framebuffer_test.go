package framebuffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/danmuck/adbctl/internal/testutil/adbtest"
	"github.com/danmuck/adbctl/internal/testutil/testlog"
	"golang.org/x/image/bmp"
)

func words(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// v1 header fields: red, blue, green, alpha pairs.
func rgba8888Header(w, h uint32) []byte {
	return words(1, 32, w*h*4, w, h, 0, 8, 16, 8, 8, 8, 24, 8)
}

func rgb565Header(w, h uint32) []byte {
	return words(16, w*h*2, w, h)
}

func TestParseHeaderV16(t *testing.T) {
	h, err := ParseHeader(rgb565Header(2, 3))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.BPP != 16 || h.Width != 2 || h.Height != 3 || h.Size != 12 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.Red.Mask != 0xF800 || h.Red.Shift != 8 {
		t.Fatalf("unexpected red channel: %+v", h.Red)
	}
	if h.Green.Mask != 0x07E0 || h.Green.Shift != 3 {
		t.Fatalf("unexpected green channel: %+v", h.Green)
	}
	if h.Blue.Mask != 0x001F || h.Blue.Shift != -3 {
		t.Fatalf("unexpected blue channel: %+v", h.Blue)
	}
	if h.Alpha.Length != 0 || h.Alpha.Mask != 0 {
		t.Fatalf("unexpected alpha channel: %+v", h.Alpha)
	}
}

func TestParseHeaderRejects(t *testing.T) {
	cases := map[string][]byte{
		"version99":        words(99, 0, 0, 0),
		"truncated_v1":     rgba8888Header(1, 1)[:40],
		"truncated_v16":    rgb565Header(1, 1)[:12],
		"short_version":    {1, 0},
		"bpp8":             words(1, 8, 1, 1, 1, 0, 8, 0, 0, 0, 0, 0, 0),
		"channel_overflow": words(1, 32, 4, 1, 1, 30, 8, 0, 8, 8, 8, 24, 8),
		"max_dimensions":   words(16, 8, 0xFFFFFFFF, 0xFFFFFFFF),
		"oversized":        words(16, 20000*20000*2, 20000, 20000),
		"size_mismatch":    words(16, 10, 2, 2),
		"wrapping_product": words(1, 32, 0, 1<<31, 1<<31, 0, 8, 16, 8, 8, 8, 24, 8),
	}
	for name, b := range cases {
		if _, err := ParseHeader(b); !errors.Is(err, protocol.ErrHeaderParse) {
			t.Fatalf("%s: expected ErrHeaderParse, got %v", name, err)
		}
	}
}

func TestDecoderRejectsHugeDimensionsWithoutAllocating(t *testing.T) {
	var d Decoder
	stream := append([]byte{0x00}, words(16, 8, 0xFFFFFFFF, 0xFFFFFFFF)...)
	step, err := d.Feed(stream)
	if !errors.Is(err, protocol.ErrHeaderParse) {
		t.Fatalf("expected ErrHeaderParse, got %v", err)
	}
	if step.HeaderParsed || d.Frame() != nil {
		t.Fatalf("rejected header must not produce a frame")
	}
}

func TestCaptureOversizedHeaderReportsFailure(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		if _, err := c.AcceptCommands(2); err != nil {
			return
		}
		_, _ = c.Write(append([]byte{0x00}, words(16, 8, 0xFFFFFFFF, 0xFFFFFFFF)...))
		_ = c.WaitClosed()
	})
	results := make(chan error, 1)
	Capture(context.Background(), captureSession(srv.Addr()), func(_ *Frame, err error) { results <- err })
	select {
	case err := <-results:
		if !errors.Is(err, protocol.ErrHeaderParse) {
			t.Fatalf("expected ErrHeaderParse, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for capture result")
	}
}

func TestChannelNormalizesWideLengths(t *testing.T) {
	c, err := newChannel(0, 10)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if c.Offset != 2 || c.Length != 8 || c.Mask != 0x3FC {
		t.Fatalf("unexpected channel: %+v", c)
	}
	if got := c.Value(0x3FF); got != 0xFF {
		t.Fatalf("value=%#x", got)
	}
}

func TestDecodeRGBA8888Identity(t *testing.T) {
	src := []byte{
		0x10, 0x20, 0x30, 0x40,
		0xFF, 0x00, 0x7F, 0x80,
		0x01, 0x02, 0x03, 0x04,
		0xAA, 0xBB, 0xCC, 0xDD,
	}
	h, err := ParseHeader(rgba8888Header(2, 2))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := NewFrame(h)
	if err := f.Decode(src[:8]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Complete() {
		t.Fatalf("frame must not complete early")
	}
	if err := f.Decode(src[8:]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !f.Complete() {
		t.Fatalf("frame must complete at declared size")
	}
	if !bytes.Equal(f.Pix, src) {
		t.Fatalf("identity decode mismatch: %x", f.Pix)
	}
}

func TestDecodeRGB565RedSaturated(t *testing.T) {
	h, err := ParseHeader(rgb565Header(1, 1))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := NewFrame(h)
	if err := f.Decode([]byte{0x00, 0xF8}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Pix, []byte{0xF8, 0, 0, 0}) {
		t.Fatalf("unexpected pixel: %x", f.Pix)
	}
	img := f.Image()
	if img.Pix[3] != 0xFF {
		t.Fatalf("layout without alpha must be opaque, got %#x", img.Pix[3])
	}
}

func TestDecode24BPP(t *testing.T) {
	hdr := words(1, 24, 3, 1, 1, 16, 8, 0, 8, 8, 8, 0, 0)
	h, err := ParseHeader(hdr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := NewFrame(h)
	// little endian word 0x112233: red=0x11 (bits 16-23), green=0x22, blue=0x33
	if err := f.Decode([]byte{0x33, 0x22, 0x11}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Pix, []byte{0x11, 0x22, 0x33, 0x00}) {
		t.Fatalf("unexpected pixel: %x", f.Pix)
	}
}

func TestDecodeRejectsMisalignedAndOverflow(t *testing.T) {
	h, _ := ParseHeader(rgb565Header(1, 1))
	f := NewFrame(h)
	if err := f.Decode([]byte{0x00}); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for partial pixel, got %v", err)
	}
	if err := f.Decode([]byte{0, 0, 0, 0}); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for overflow, got %v", err)
	}
}

func TestDecoderHandlesEverySplit(t *testing.T) {
	pixels := []byte{0x00, 0xF8, 0xE0, 0x07, 0x1F, 0x00, 0xFF, 0xFF}
	stream := append([]byte{0x01}, rgb565Header(2, 2)...)
	stream = append(stream, pixels...)
	want := []byte{
		0xF8, 0x00, 0x00, 0x00,
		0x00, 0xFC, 0x00, 0x00,
		0x00, 0x00, 0xF8, 0x00,
		0xF8, 0xFC, 0xF8, 0x00,
	}
	for cut := 0; cut <= len(stream); cut++ {
		var d Decoder
		parsed := 0
		for _, part := range [][]byte{stream[:cut], stream[cut:]} {
			step, err := d.Feed(part)
			if err != nil {
				t.Fatalf("cut=%d feed: %v", cut, err)
			}
			if step.HeaderParsed {
				parsed++
			}
		}
		if parsed != 1 {
			t.Fatalf("cut=%d header parsed %d times", cut, parsed)
		}
		if !d.Complete() {
			t.Fatalf("cut=%d decoder incomplete", cut)
		}
		if !bytes.Equal(d.Frame().Pix, want) {
			t.Fatalf("cut=%d pixels=%x", cut, d.Frame().Pix)
		}
	}
}

func TestDecoderFinish(t *testing.T) {
	var d Decoder
	_, _ = d.Feed(append([]byte{0x01}, rgb565Header(1, 1)[:10]...))
	if err := d.Finish(); !errors.Is(err, protocol.ErrHeaderParse) {
		t.Fatalf("expected ErrHeaderParse, got %v", err)
	}
	d = Decoder{}
	_, _ = d.Feed(append(append([]byte{0x01}, rgb565Header(2, 1)...), 0x00, 0xF8, 0x00))
	if err := d.Finish(); !errors.Is(err, protocol.ErrSyncIncomplete) {
		t.Fatalf("expected ErrSyncIncomplete, got %v", err)
	}
}

func captureSession(addr string) *session.Session {
	cfg := session.DefaultConfig()
	cfg.Address = addr
	cfg.ConnectTimeout = time.Second
	return session.New(cfg, session.Request{
		Operation: "framebuffer",
		Commands:  protocol.TransportSequence("emulator-5554", protocol.CommandFramebuffer),
	})
}

func TestCaptureWritesNudgeAfterHeader(t *testing.T) {
	testlog.Start(t)
	nudged := make(chan []byte, 1)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		if _, err := c.AcceptCommands(2); err != nil {
			return
		}
		if err := c.Chunks([]byte{0x00}, rgba8888Header(2, 1)[:20], rgba8888Header(2, 1)[20:]); err != nil {
			return
		}
		b, err := c.ReadN(1)
		if err != nil {
			return
		}
		nudged <- b
		_ = c.Chunks(src[:5], src[5:])
		_ = c.WaitClosed()
	})

	frame, err := Run(context.Background(), captureSession(srv.Addr()))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if got := <-nudged; !bytes.Equal(got, []byte{0x00}) {
		t.Fatalf("unexpected nudge: %x", got)
	}
	if !bytes.Equal(frame.Pix, src) {
		t.Fatalf("unexpected pixels: %x", frame.Pix)
	}
}

func TestCaptureBadVersionSendsNoNudge(t *testing.T) {
	testlog.Start(t)
	extra := make(chan error, 1)
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		if _, err := c.AcceptCommands(2); err != nil {
			return
		}
		_, _ = c.Write(append([]byte{0x00}, words(99, 0, 0, 0)...))
		_, err := c.ReadN(1)
		extra <- err
	})

	results := make(chan error, 1)
	Capture(context.Background(), captureSession(srv.Addr()), func(f *Frame, err error) {
		if f != nil {
			t.Errorf("unexpected frame")
		}
		results <- err
	})
	if err := <-results; !errors.Is(err, protocol.ErrHeaderParse) {
		t.Fatalf("expected ErrHeaderParse, got %v", err)
	}
	select {
	case err := <-extra:
		if err == nil {
			t.Fatalf("client wrote after header parse failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never observed close")
	}
}

func TestCaptureTruncatedHeader(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		if _, err := c.AcceptCommands(2); err != nil {
			return
		}
		_, _ = c.Write(append([]byte{0x00}, rgba8888Header(1, 1)[:30]...))
	})
	_, err := Run(context.Background(), captureSession(srv.Addr()))
	if !errors.Is(err, protocol.ErrHeaderParse) {
		t.Fatalf("expected ErrHeaderParse, got %v", err)
	}
}

func TestEncodeFormats(t *testing.T) {
	h, _ := ParseHeader(rgb565Header(1, 1))
	f := NewFrame(h)
	_ = f.Decode([]byte{0x00, 0xF8})

	var pngBuf bytes.Buffer
	if err := Encode(&pngBuf, f, FormatPNG); err != nil {
		t.Fatalf("png: %v", err)
	}
	img, err := png.Decode(&pngBuf)
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	if r, _, _, a := img.At(0, 0).RGBA(); r>>8 != 0xF8 || a>>8 != 0xFF {
		t.Fatalf("unexpected png pixel r=%#x a=%#x", r>>8, a>>8)
	}

	var bmpBuf bytes.Buffer
	if err := Encode(&bmpBuf, f, FormatBMP); err != nil {
		t.Fatalf("bmp: %v", err)
	}
	if _, err := bmp.Decode(&bmpBuf); err != nil {
		t.Fatalf("bmp decode: %v", err)
	}
	if err := Encode(&bmpBuf, f, Format("gif")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if got, err := FormatFromPath("shot.BMP"); err != nil || got != FormatBMP {
		t.Fatalf("FormatFromPath got=%v err=%v", got, err)
	}
}
