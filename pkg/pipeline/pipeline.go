// Package pipeline holds the per-connection state machine: an ordered list of
// stages and a classification that is set at most once.
//
// All methods of a Conn except Close, State and IdleFor are called from the
// connection's event loop only.
package pipeline

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/etwodev/portmux/pkg/errors"
)

// State is the classification outcome of a connection.
type State uint32

const (
	Unclassified State = iota
	HTTP
	RPC
	Unmatched
)

func (s State) String() string {
	switch s {
	case Unclassified:
		return "unclassified"
	case HTTP:
		return "http"
	case RPC:
		return "rpc"
	case Unmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

// Socket is the part of gnet.Conn the stages use. Peek/Next/Discard and
// Write are event-loop only; AsyncWrite and Close may be called from any
// goroutine.
type Socket interface {
	Peek(n int) ([]byte, error)
	Next(n int) ([]byte, error)
	Discard(n int) (int, error)
	InboundBuffered() int
	Write(p []byte) (int, error)
	AsyncWrite(buf []byte, callback gnet.AsyncCallback) error
	Close() error
	RemoteAddr() net.Addr
}

// Stage is one step of a connection pipeline. The head stage receives the
// Socket; later stages receive whatever the previous stage passes to Next.
type Stage interface {
	Name() string
	Handle(ctx *Context, msg any) error
}

// Context is handed to a stage while it handles a message.
type Context struct {
	conn  *Conn
	index int
}

// Conn returns the connection the stage runs on.
func (x *Context) Conn() *Conn {
	return x.conn
}

// Next passes msg to the stage after the current one.
func (x *Context) Next(msg any) error {
	return x.conn.invoke(x.index+1, msg)
}

// Conn is one accepted connection.
type Conn struct {
	id       string
	socket   Socket
	stages   []Stage
	state    atomic.Uint32
	protocol string
	logger   atomic.Pointer[zerolog.Logger]

	lastActive atomic.Int64
	closed     atomic.Bool
}

// New returns an unclassified connection whose pipeline starts with head.
func New(id string, socket Socket, logger zerolog.Logger, head ...Stage) *Conn {
	remote := ""
	if socket != nil && socket.RemoteAddr() != nil {
		remote = socket.RemoteAddr().String()
	}
	c := &Conn{
		id:     id,
		socket: socket,
		stages: append([]Stage(nil), head...),
	}
	l := logger.With().Str("ConnID", id).Str("Remote", remote).Logger()
	c.logger.Store(&l)
	c.Touch()
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Socket() Socket          { return c.socket }
func (c *Conn) Logger() *zerolog.Logger { return c.logger.Load() }
func (c *Conn) Protocol() string        { return c.protocol }

// State returns the classification outcome.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string {
	if c.socket == nil || c.socket.RemoteAddr() == nil {
		return ""
	}
	return c.socket.RemoteAddr().String()
}

// Classify records the classification outcome. Only the first call succeeds.
func (c *Conn) Classify(s State, protocol string) error {
	if s == Unclassified {
		return fmt.Errorf("Classify: cannot reset connection %s to %s", c.id, s)
	}
	if !c.state.CompareAndSwap(uint32(Unclassified), uint32(s)) {
		return fmt.Errorf("Classify %s as %s: %w", c.id, s, errors.ErrAlreadyClassified)
	}
	c.protocol = protocol
	l := c.logger.Load().With().Str("Protocol", protocol).Logger()
	c.logger.Store(&l)
	return nil
}

// Install appends stages to the end of the pipeline.
func (c *Conn) Install(stages ...Stage) {
	c.stages = append(c.stages, stages...)
}

// Remove drops the first stage called name and reports whether it existed.
func (c *Conn) Remove(name string) bool {
	for i, s := range c.stages {
		if s.Name() == name {
			c.stages = append(c.stages[:i:i], c.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Stages returns the names of the installed stages, head first.
func (c *Conn) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Fire runs the pipeline from its head with the socket as the message.
// A panicking stage is reported as an error instead of unwinding the loop.
func (c *Conn) Fire() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Fire: stage panic: %v: %w", r, errors.ErrHandlerPanic)
		}
	}()
	c.Touch()
	return c.invoke(0, c.socket)
}

func (c *Conn) invoke(i int, msg any) error {
	if i >= len(c.stages) {
		c.Logger().Debug().
			Str("Function", "invoke").
			Str("Type", fmt.Sprintf("%T", msg)).
			Msg("Message reached the end of the pipeline")
		return nil
	}
	return c.stages[i].Handle(&Context{conn: c, index: i}, msg)
}

// Touch marks the connection as active now.
func (c *Conn) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleFor returns the time since the last Fire or Touch.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close releases every stage implementing Closer. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var errs error
	for _, s := range c.stages {
		if cl, ok := s.(Closer); ok {
			errs = multierr.Append(errs, cl.Close())
		}
	}
	return errs
}

// Closer is implemented by stages holding per-connection resources.
type Closer interface {
	Close() error
}
