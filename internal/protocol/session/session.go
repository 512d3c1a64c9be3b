package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/adbctl/internal/observability"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed  = errors.New("session: closed")
	ErrNotCompleted   = errors.New("session: command queue not completed")
	ErrAlreadyStarted = errors.New("session: already started")
)

// State is the pipeline position of one session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingResponse
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is the ordered command queue of one operation.
type Request struct {
	Operation string
	Commands  []string
}

// Session owns one adb server connection for the lifetime of one operation.
// After the queue completes it reads and writes the raw connection.
type Session struct {
	id    string
	cfg   Config
	req   Request
	state atomic.Int32
	index atomic.Int32

	started atomic.Bool

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	closed  bool
	done    chan struct{}
	stopCtx func() bool
}

func New(cfg Config, req Request) *Session {
	cmds := make([]string, len(req.Commands))
	copy(cmds, req.Commands)
	return &Session{
		id:   uuid.NewString(),
		cfg:  cfg.WithDefaults(),
		req:  Request{Operation: req.Operation, Commands: cmds},
		done: make(chan struct{}),
	}
}

// Submit creates a session and starts it; onResult fires once.
func Submit(ctx context.Context, cfg Config, req Request, onResult func(error)) *Session {
	s := New(cfg, req)
	s.Start(ctx, onResult)
	return s
}

// Start drains the command queue on its own goroutine.
func (s *Session) Start(ctx context.Context, onResult func(error)) {
	go func() {
		err := s.Run(ctx)
		if onResult != nil {
			onResult(err)
		}
	}()
}

// Run drains the command queue. On success the connection stays open.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	start := time.Now()
	err := s.run(ctx)
	observability.RecordSession(s.req.Operation, err, time.Since(start))
	if err != nil {
		s.state.Store(int32(StateFailed))
		_ = s.Close()
		log.Debug().
			Str("session", s.id).
			Str("op", s.req.Operation).
			Err(err).
			Msg("session.Session failed")
		return err
	}
	s.state.Store(int32(StateCompleted))
	log.Debug().
		Str("session", s.id).
		Str("op", s.req.Operation).
		Int("commands", len(s.req.Commands)).
		Msg("session.Session completed")
	return nil
}

func (s *Session) run(ctx context.Context) error {
	frames := make([][]byte, len(s.req.Commands))
	for i, cmd := range s.req.Commands {
		b, err := frame.Encode(cmd)
		if err != nil {
			return fmt.Errorf("session: encode command %d: %w", i, err)
		}
		frames[i] = b
	}
	if len(frames) == 0 {
		return nil
	}

	s.state.Store(int32(StateConnecting))
	s.watch(ctx)
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: connect timeout %s: %w", protocol.ErrConnection, s.cfg.Address, err)
		}
		return fmt.Errorf("%w: dial %s: %w", protocol.ErrConnection, s.cfg.Address, err)
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}

	for i, b := range frames {
		cmd := s.req.Commands[i]
		s.index.Store(int32(i))
		s.state.Store(int32(StateAwaitingResponse))
		log.Trace().
			Str("session", s.id).
			Int("index", i).
			Str("command", cmd).
			Msg("session.Session send")
		if _, err := conn.Write(b); err != nil {
			return fmt.Errorf("%w: send %q: %w", protocol.ErrConnection, cmd, err)
		}
		status, raw, err := frame.ReadStatus(s.reader)
		if err != nil {
			return fmt.Errorf("%w: await %q: %w", protocol.ErrConnection, cmd, err)
		}
		observability.RecordCommandStatus(status.String())
		switch status {
		case frame.StatusOkay:
			continue
		case frame.StatusFail:
			return &protocol.CommandError{Command: cmd, Status: frame.TokenFail, Message: s.readFailMessage()}
		default:
			return &protocol.CommandError{Command: cmd, Status: string(raw)}
		}
	}
	return nil
}

// readFailMessage reads the optional length-prefixed text after FAIL.
func (s *Session) readFailMessage() string {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.FailMessageTimeout))
	msg, err := frame.ReadMessage(s.reader)
	if err != nil {
		return ""
	}
	return string(msg)
}

func (s *Session) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stop()
		return
	}
	s.stopCtx = stop
}

func (s *Session) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	return true
}

// Close ends the session. Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.stopCtx != nil {
		s.stopCtx()
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Read reads from the connection after the queue has completed.
func (s *Session) Read(p []byte) (int, error) {
	if s.State() != StateCompleted {
		return 0, ErrNotCompleted
	}
	if s.reader == nil {
		return 0, ErrSessionClosed
	}
	return s.reader.Read(p)
}

// Write writes to the connection after the queue has completed.
func (s *Session) Write(p []byte) (int, error) {
	if s.State() != StateCompleted {
		return 0, ErrNotCompleted
	}
	if s.conn == nil {
		return 0, ErrSessionClosed
	}
	return s.conn.Write(p)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Operation() string {
	return s.req.Operation
}

func (s *Session) Commands() []string {
	out := make([]string, len(s.req.Commands))
	copy(out, s.req.Commands)
	return out
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Index is the queue position of the command awaiting or last answered.
func (s *Session) Index() int {
	return int(s.index.Load())
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
