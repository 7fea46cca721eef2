// Package transport wraps one inbound RPC frame as a readable/writable
// transport with an independent outbound accumulator.
//
// A Transport never writes to the network. The dispatcher that owns it
// decides when Output is flushed, which keeps replies ordered when several
// calls share one connection.
package transport

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/etwodev/portmux/pkg/errors"
)

// DefaultOutputSize is the initial capacity of the outbound accumulator.
const DefaultOutputSize = 1024

// Contiguous is implemented by inbound buffers exposing their unread bytes as one slice.
type Contiguous interface {
	Bytes() []byte
}

type lener interface {
	Len() int
}

type nexter interface {
	Next(n int) []byte
}

// UnderflowError reports a ReadAll that found fewer bytes than requested.
type UnderflowError struct {
	Want int
	Have int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("transport underflow: want %d bytes, have %d", e.Want, e.Have)
}

// Is makes UnderflowError match errors.ErrUnderflow.
func (e *UnderflowError) Is(target error) bool {
	return target == errors.ErrUnderflow
}

// Transport pairs a read-only inbound view with a growable output buffer.
type Transport struct {
	closer io.Closer
	in     io.Reader

	// contiguous path
	region []byte
	pos    int

	consumed int
	out      *bytebufferpool.ByteBuffer
	closed   bool
}

// New wraps in. When in implements Contiguous its unread region is
// snapshotted and read through an internal cursor; the buffer's own cursor
// is moved past the region when it supports Next(n). Otherwise reads are
// delegated to in.Read.
func New(closer io.Closer, in io.Reader) *Transport {
	t := &Transport{
		closer: closer,
		in:     in,
		out:    bytebufferpool.Get(),
	}
	if cap(t.out.B) < DefaultOutputSize {
		t.out.B = make([]byte, 0, DefaultOutputSize)
	}

	if c, ok := in.(Contiguous); ok {
		t.region = c.Bytes()
		if t.region == nil {
			t.region = []byte{}
		}
		if n, ok := in.(nexter); ok {
			n.Next(len(t.region))
		}
	}
	return t
}

// Read copies up to len(p) bytes at the cursor and advances it by the count
// returned. It returns io.EOF only once the inbound side is exhausted.
func (t *Transport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if t.region != nil {
		n := copy(p, t.region[t.pos:])
		t.pos += n
		t.consumed += n
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}

	n, err := t.in.Read(p)
	t.consumed += n
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAll fills p or fails with an *UnderflowError. When availability is
// known up front (contiguous buffers or buffers with Len) nothing is
// consumed on failure.
func (t *Transport) ReadAll(p []byte) (int, error) {
	if rem := t.Remaining(); rem >= 0 && rem < len(p) {
		return 0, &UnderflowError{Want: len(p), Have: rem}
	}

	got := 0
	for got < len(p) {
		n, err := t.Read(p[got:])
		got += n
		if err != nil || n == 0 {
			break
		}
	}
	if got < len(p) {
		return got, &UnderflowError{Want: len(p), Have: got}
	}
	return got, nil
}

// Remaining returns the unread inbound byte count, or -1 when the
// underlying buffer cannot tell.
func (t *Transport) Remaining() int {
	if t.region != nil {
		return len(t.region) - t.pos
	}
	if l, ok := t.in.(lener); ok {
		return l.Len()
	}
	return -1
}

// Write appends p to the outbound accumulator. It never touches the network.
func (t *Transport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

// Flush is a no-op: the owning dispatcher writes Output to the connection.
func (t *Transport) Flush() error {
	return nil
}

// Open is a no-op; a Transport is constructed open.
func (t *Transport) Open() error {
	return nil
}

// IsOpen reports whether Close has not been called yet.
func (t *Transport) IsOpen() bool {
	return !t.closed
}

// Close tears down the underlying connection.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Output returns the accumulated outbound bytes. The slice is valid until
// the next Write, ResetOutput or Release.
func (t *Transport) Output() []byte {
	return t.out.B
}

// ResetOutput discards everything written so far.
func (t *Transport) ResetOutput() {
	t.out.Reset()
}

// BytesConsumed returns how far the read cursor moved since construction.
func (t *Transport) BytesConsumed() int {
	return t.consumed
}

// BytesProduced returns the current length of the outbound accumulator.
func (t *Transport) BytesProduced() int {
	return t.out.Len()
}

// Release returns the accumulator to its pool. The Transport must not be
// written to afterwards.
func (t *Transport) Release() {
	if t.out == nil {
		return
	}
	bytebufferpool.Put(t.out)
	t.out = &bytebufferpool.ByteBuffer{}
}
