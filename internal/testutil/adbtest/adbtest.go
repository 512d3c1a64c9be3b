// Package adbtest runs a scripted fake adb server for package tests.
package adbtest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/adbctl/internal/protocol/frame"
)

// Handler scripts one accepted connection.
type Handler func(c *Conn)

type Server struct {
	t        testing.TB
	ln       net.Listener
	handler  Handler
	wg       sync.WaitGroup
	mu       sync.Mutex
	requests []string
	conns    int
}

// Conn is the server side of one client connection.
type Conn struct {
	net.Conn
	r   *bufio.Reader
	srv *Server
}

func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("adbtest: listen: %v", err)
	}
	s := &Server{t: t, ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// Requests returns every request payload received, in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		c := &Conn{Conn: nc, r: bufio.NewReader(nc), srv: s}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(10 * time.Second))
			s.handler(c)
		}()
	}
}

// ReadRequest reads one length-prefixed request and records it.
func (c *Conn) ReadRequest() (string, error) {
	payload, err := frame.ReadMessage(c.r)
	if err != nil {
		return "", err
	}
	c.srv.mu.Lock()
	c.srv.requests = append(c.srv.requests, string(payload))
	c.srv.mu.Unlock()
	return string(payload), nil
}

// AcceptCommands reads n requests and answers each with OKAY.
func (c *Conn) AcceptCommands(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		req, err := c.ReadRequest()
		if err != nil {
			return out, err
		}
		out = append(out, req)
		if err := c.Okay(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Conn) Okay() error {
	_, err := c.Write([]byte(frame.TokenOkay))
	return err
}

func (c *Conn) Fail(message string) error {
	_, err := fmt.Fprintf(c, "%s%04x%s", frame.TokenFail, len(message), message)
	return err
}

func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	return buf, err
}

// ReadSyncFrame reads a sync tag, its 4-byte little-endian length, and for
// SEND, RECV and DATA the payload that follows.
func (c *Conn) ReadSyncFrame() (string, uint32, []byte, error) {
	head, err := c.ReadN(8)
	if err != nil {
		return "", 0, nil, err
	}
	tag := string(head[:4])
	n := binary.LittleEndian.Uint32(head[4:])
	if tag == "DONE" {
		return tag, n, nil, nil
	}
	payload, err := c.ReadN(int(n))
	return tag, n, payload, err
}

// WaitClosed blocks until the client closes its side.
func (c *Conn) WaitClosed() error {
	_, err := io.Copy(io.Discard, c.r)
	return err
}

// Script answers each request with the matching response token, then waits
// for the client to close.
func Script(responses ...string) Handler {
	return func(c *Conn) {
		for _, resp := range responses {
			if _, err := c.ReadRequest(); err != nil {
				return
			}
			if _, err := c.Write([]byte(resp)); err != nil {
				return
			}
		}
		_ = c.WaitClosed()
	}
}

// Chunks writes each payload with a short pause so the client sees separate reads.
func (c *Conn) Chunks(parts ...[]byte) error {
	for _, p := range parts {
		if _, err := c.Write(p); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}
