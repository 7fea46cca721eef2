package muxrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/etwodev/portmux/pkg/errors"
)

// RemoteError is an Exception frame returned by the server.
type RemoteError struct {
	Service string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("muxrpc %s: %s", e.Service, e.Message)
}

// Client issues calls over one connection. Calls are serialized.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	seq      uint32
	maxFrame int
}

// Dial connects to a muxrpc endpoint.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, maxFrame: DefaultMaxFrameSize}
}

// Call sends payload to service and waits for the reply payload.
func (c *Client) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, err := c.send(ctx, Call, service, payload)
	if err != nil {
		return nil, err
	}

	for {
		e, err := ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			return nil, fmt.Errorf("Call %s: %w", service, err)
		}
		if e.Seq != seq {
			continue
		}
		switch e.Type {
		case Reply:
			return e.Payload, nil
		case Exception:
			return nil, &RemoteError{Service: service, Message: string(e.Payload)}
		default:
			return nil, fmt.Errorf("Call %s: unexpected %s frame: %w", service, e.Type, errors.ErrFraming)
		}
	}
}

// Notify sends a one-way call; no reply is produced.
func (c *Client) Notify(ctx context.Context, service string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.send(ctx, Oneway, service, payload)
	return err
}

func (c *Client) send(ctx context.Context, typ Type, service string, payload []byte) (uint32, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}

	c.seq++
	frame, err := AppendFrame(nil, &Envelope{Type: typ, Seq: c.seq, Service: service, Payload: payload})
	if err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return 0, fmt.Errorf("send %s: %w", service, err)
	}
	return c.seq, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
