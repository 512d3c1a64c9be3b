package session

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/testutil/adbtest"
	"github.com/danmuck/adbctl/internal/testutil/testlog"
)

func testConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.ConnectTimeout = time.Second
	cfg.FailMessageTimeout = 50 * time.Millisecond
	return cfg
}

func commandList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "host:cmd-" + string(rune('a'+i))
	}
	return out
}

func TestSessionAllOkaySendsEveryCommandInOrder(t *testing.T) {
	testlog.Start(t)
	for n := 1; n <= 4; n++ {
		cmds := commandList(n)
		responses := make([]string, n)
		for i := range responses {
			responses[i] = "OKAY"
		}
		srv := adbtest.NewServer(t, adbtest.Script(responses...))

		var calls atomic.Int32
		results := make(chan error, 4)
		s := Submit(context.Background(), testConfig(srv.Addr()), Request{Operation: "test", Commands: cmds}, func(err error) {
			calls.Add(1)
			results <- err
		})

		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("n=%d unexpected error: %v", n, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("n=%d timed out waiting for result", n)
		}
		if got := srv.Requests(); !reflect.DeepEqual(got, cmds) {
			t.Fatalf("n=%d requests got=%v want=%v", n, got, cmds)
		}
		if s.State() != StateCompleted {
			t.Fatalf("n=%d unexpected state: %v", n, s.State())
		}
		if s.Closed() {
			t.Fatalf("n=%d completed session must stay open for hand-off", n)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("second close must be a no-op: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		if got := calls.Load(); got != 1 {
			t.Fatalf("n=%d onResult fired %d times", n, got)
		}
	}
}

func TestSessionFailAtKStopsQueue(t *testing.T) {
	testlog.Start(t)
	const n = 4
	cmds := commandList(n)
	for k := 1; k <= n; k++ {
		srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
			if _, err := c.AcceptCommands(k - 1); err != nil {
				return
			}
			if _, err := c.ReadRequest(); err != nil {
				return
			}
			_ = c.Fail("device offline")
			_ = c.WaitClosed()
		})

		s := New(testConfig(srv.Addr()), Request{Operation: "test", Commands: cmds})
		err := s.Run(context.Background())
		if !errors.Is(err, protocol.ErrRemoteCommand) {
			t.Fatalf("k=%d expected ErrRemoteCommand, got %v", k, err)
		}
		var cmdErr *protocol.CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("k=%d expected CommandError, got %T", k, err)
		}
		if cmdErr.Command != cmds[k-1] {
			t.Fatalf("k=%d failure names %q want %q", k, cmdErr.Command, cmds[k-1])
		}
		if cmdErr.Message != "device offline" {
			t.Fatalf("k=%d unexpected fail message: %q", k, cmdErr.Message)
		}
		if got := srv.Requests(); len(got) != k {
			t.Fatalf("k=%d expected %d frames sent, got %v", k, k, got)
		}
		if s.State() != StateFailed || !s.Closed() {
			t.Fatalf("k=%d failed session must be closed: state=%v", k, s.State())
		}
	}
}

func TestSessionUnknownStatusIsProtocolError(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, adbtest.Script("OKAY", "WHAT"))
	s := New(testConfig(srv.Addr()), Request{Operation: "test", Commands: []string{"host:transport:x", "sync:"}})
	err := s.Run(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Command != "sync:" || cmdErr.Status != "WHAT" {
		t.Fatalf("unexpected command error: %+v", cmdErr)
	}
}

func TestSessionConnectionRefused(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := New(testConfig(addr), Request{Operation: "test", Commands: []string{"host:version"}})
	err = s.Run(context.Background())
	if !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if !s.Closed() {
		t.Fatalf("session must be closed after connection error")
	}
}

func TestSessionServerHangupIsConnectionError(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		_, _ = c.ReadRequest()
	})
	s := New(testConfig(srv.Addr()), Request{Operation: "test", Commands: []string{"host:version"}})
	if err := s.Run(context.Background()); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestSessionOversizedCommandFailsBeforeDial(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, adbtest.Script("OKAY"))
	s := New(testConfig(srv.Addr()), Request{Operation: "test", Commands: []string{"ok", strings.Repeat("x", 0x10000)}})
	err := s.Run(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if srv.ConnCount() != 0 {
		t.Fatalf("no connection expected, got %d", srv.ConnCount())
	}
}

func TestSessionEmptyQueueCompletesWithoutDial(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Address: "127.0.0.1:1"}, Request{Operation: "noop"})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("empty queue: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("unexpected state: %v", s.State())
	}
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on read, got %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSessionHandOffKeepsBufferedBytes(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, func(c *adbtest.Conn) {
		if _, err := c.ReadRequest(); err != nil {
			return
		}
		_, _ = c.Write([]byte("OKAYhello"))
		buf, err := c.ReadN(4)
		if err == nil {
			_, _ = c.Write(buf)
		}
		_ = c.WaitClosed()
	})

	s := New(testConfig(srv.Addr()), Request{Operation: "shell", Commands: []string{"shell:echo"}})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer s.Close()

	got := make([]byte, 5)
	if _, err := io.ReadFull(s, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected hand-off bytes: %q", got)
	}
	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(s, echo); err != nil || string(echo) != "ping" {
		t.Fatalf("echo got=%q err=%v", echo, err)
	}
}

func TestSessionContextCancelClosesLiveConnection(t *testing.T) {
	testlog.Start(t)
	srv := adbtest.NewServer(t, adbtest.Script("OKAY"))
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig(srv.Addr()), Request{Operation: "log", Commands: []string{"log:main"}})
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not close session")
	}
}

func TestStateString(t *testing.T) {
	if StateAwaitingResponse.String() != "awaiting_response" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
