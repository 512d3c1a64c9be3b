package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/adbctl/internal/observability"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// nudge asks the server to start sending pixel data once the header is read.
var nudge = []byte{0x00}

const readBufferSize = 64 * 1024

// Capture runs the framebuffer exchange on its own goroutine. onResult fires once.
func Capture(ctx context.Context, sess *session.Session, onResult func(*Frame, error)) {
	go func() {
		frame, err := Run(ctx, sess)
		if onResult != nil {
			onResult(frame, err)
		}
	}()
}

// Run drives sess through its command queue and decodes one frame.
// The session is closed on return.
func Run(ctx context.Context, sess *session.Session) (*Frame, error) {
	frame, err := run(ctx, sess)
	_ = sess.Close()
	observability.RecordFramebufferCapture(err)
	if err != nil {
		log.Warn().
			Str("session", sess.ID()).
			Err(err).
			Msg("framebuffer.Capture failed")
		return nil, err
	}
	log.Debug().
		Str("session", sess.ID()).
		Uint32("width", frame.Header.Width).
		Uint32("height", frame.Header.Height).
		Uint32("bpp", frame.Header.BPP).
		Msg("framebuffer.Capture complete")
	return frame, nil
}

func run(ctx context.Context, sess *session.Session) (*Frame, error) {
	if err := sess.Run(ctx); err != nil {
		return nil, err
	}
	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := sess.Read(buf)
		if n > 0 {
			step, err := dec.Feed(buf[:n])
			if err != nil {
				return nil, err
			}
			if step.HeaderParsed {
				h := dec.Frame().Header
				log.Trace().
					Str("session", sess.ID()).
					Uint32("version", h.Version).
					Uint32("size", h.Size).
					Msg("framebuffer.Capture header")
				if _, err := sess.Write(nudge); err != nil {
					return nil, fmt.Errorf("%w: framebuffer nudge: %w", protocol.ErrConnection, err)
				}
			}
			if step.Complete {
				return dec.Frame(), nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil, dec.Finish()
			}
			return nil, fmt.Errorf("%w: framebuffer read: %w", protocol.ErrConnection, rerr)
		}
	}
}
