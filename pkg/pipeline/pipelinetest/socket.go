// Package pipelinetest provides an in-memory pipeline.Socket and gnet.Conn
// for tests.
package pipelinetest

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2"
)

// Socket buffers inbound bytes fed by the test and records everything written.
type Socket struct {
	mu     sync.Mutex
	in     []byte
	out    bytes.Buffer
	closed bool
	addr   net.Addr
}

// NewSocket returns an empty socket with a loopback remote address.
func NewSocket() *Socket {
	return &Socket{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}}
}

// Feed appends bytes as if they had arrived from the peer.
func (s *Socket) Feed(b []byte) {
	s.mu.Lock()
	s.in = append(s.in, b...)
	s.mu.Unlock()
}

func (s *Socket) Peek(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = len(s.in)
	}
	if n > len(s.in) {
		return nil, io.ErrShortBuffer
	}
	return s.in[:n:n], nil
}

func (s *Socket) Next(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = len(s.in)
	}
	if n > len(s.in) {
		return nil, io.ErrShortBuffer
	}
	b := s.in[:n:n]
	s.in = s.in[n:]
	return b, nil
}

func (s *Socket) Discard(n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.in) {
		n = len(s.in)
	}
	s.in = s.in[n:]
	return n, nil
}

func (s *Socket) InboundBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.in)
}

func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	return s.out.Write(p)
}

// AsyncWrite writes immediately and then runs callback with a nil conn.
func (s *Socket) AsyncWrite(buf []byte, callback gnet.AsyncCallback) error {
	_, err := s.Write(buf)
	if callback != nil {
		_ = callback(nil, err)
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.addr
}

// Written returns a copy of everything written so far.
func (s *Socket) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Conn is a gnet.Conn backed by a Socket. Methods outside the Socket subset
// panic through the nil embedded interface.
type Conn struct {
	gnet.Conn
	Sock *Socket

	mu  sync.Mutex
	ctx any
}

// NewConn returns a Conn over a fresh Socket.
func NewConn() *Conn {
	return &Conn{Sock: NewSocket()}
}

func (c *Conn) Peek(n int) ([]byte, error)  { return c.Sock.Peek(n) }
func (c *Conn) Next(n int) ([]byte, error)  { return c.Sock.Next(n) }
func (c *Conn) Discard(n int) (int, error)  { return c.Sock.Discard(n) }
func (c *Conn) InboundBuffered() int        { return c.Sock.InboundBuffered() }
func (c *Conn) Write(p []byte) (int, error) { return c.Sock.Write(p) }
func (c *Conn) Close() error                { return c.Sock.Close() }
func (c *Conn) RemoteAddr() net.Addr        { return c.Sock.RemoteAddr() }
func (c *Conn) Feed(b []byte)               { c.Sock.Feed(b) }
func (c *Conn) Written() []byte             { return c.Sock.Written() }
func (c *Conn) Closed() bool                { return c.Sock.Closed() }

func (c *Conn) AsyncWrite(buf []byte, callback gnet.AsyncCallback) error {
	return c.Sock.AsyncWrite(buf, callback)
}

func (c *Conn) Context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Conn) SetContext(ctx any) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}
