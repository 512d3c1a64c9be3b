package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type StreamEventType int

const (
	StreamOutput StreamEventType = iota
	StreamClosed
	StreamFailed
)

func (t StreamEventType) String() string {
	switch t {
	case StreamOutput:
		return "output"
	case StreamClosed:
		return "closed"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type StreamEvent struct {
	Type StreamEventType
	Data []byte
	Err  error
}

// Stream is a raw byte stream over a completed session (shell:, log:).
// Exactly one terminal event (closed or failed) is delivered.
type Stream struct {
	sess    *session.Session
	onEvent func(StreamEvent)
	ready   chan struct{}
	done    chan struct{}
	err     error
}

const streamReadSize = 16 * 1024

func startStream(ctx context.Context, sess *session.Session, onEvent func(StreamEvent)) *Stream {
	s := &Stream{
		sess:    sess,
		onEvent: onEvent,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Write sends p to the remote side once the command queue has completed.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return 0, session.ErrSessionClosed
	}
	n, err := s.sess.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: stream write: %w", protocol.ErrConnection, err)
	}
	return n, nil
}

// Close ends the stream; the terminal event is StreamClosed.
func (s *Stream) Close() error {
	return s.sess.Close()
}

// Wait blocks until the terminal event and returns its error, nil when closed.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) emit(ev StreamEvent) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Stream) run(ctx context.Context) {
	err := s.stream(ctx)
	_ = s.sess.Close()
	if err != nil {
		log.Debug().
			Str("session", s.sess.ID()).
			Str("op", s.sess.Operation()).
			Err(err).
			Msg("device.Stream failed")
		s.err = err
		s.emit(StreamEvent{Type: StreamFailed, Err: err})
	} else {
		s.emit(StreamEvent{Type: StreamClosed})
	}
	close(s.done)
}

func (s *Stream) stream(ctx context.Context) error {
	if err := s.sess.Run(ctx); err != nil {
		return err
	}
	close(s.ready)
	buf := make([]byte, streamReadSize)
	for {
		n, err := s.sess.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			s.emit(StreamEvent{Type: StreamOutput, Data: out})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.sess.Closed() {
				return nil
			}
			return fmt.Errorf("%w: stream read: %w", protocol.ErrConnection, err)
		}
	}
}
