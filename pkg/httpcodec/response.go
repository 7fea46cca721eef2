package httpcodec

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/etwodev/portmux/pkg/errors"
)

// Sink is the thread-safe half of a gnet connection.
type Sink interface {
	AsyncWrite(buf []byte, callback gnet.AsyncCallback) error
	Close() error
}

// Response buffers one HTTP response and writes it to a Sink. It may be
// used from any goroutine.
//
// Close sends the response with a Content-Length. A Flush before Close
// sends the head immediately with chunked transfer encoding, and every
// later Flush sends the bytes written since as one chunk. Once Close
// returned, every further Write, Flush or Close fails with
// errors.ErrCommitted.
type Response struct {
	mu        sync.Mutex
	sink      Sink
	method    string
	http11    bool
	keepAlive bool

	status     int
	header     http.Header
	body       *bytebufferpool.ByteBuffer
	headerSent bool
	chunked    bool
	committed  bool
	onCommit   []func()
}

// NewResponse returns an empty 200 response for a request with method.
func NewResponse(sink Sink, method string, http11, keepAlive bool) *Response {
	return &Response{
		sink:      sink,
		method:    method,
		http11:    http11,
		keepAlive: keepAlive,
		status:    http.StatusOK,
		header:    make(http.Header),
		body:      bytebufferpool.Get(),
	}
}

// Header returns the response headers. Changes after the head was sent
// are ignored.
func (r *Response) Header() http.Header {
	return r.header
}

// WriteHeader sets the status code. It has no effect once the head was sent.
func (r *Response) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.headerSent && !r.committed {
		r.status = code
	}
}

// Status returns the status code that was or will be sent.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return 0, fmt.Errorf("Write: %w", errors.ErrCommitted)
	}
	return r.body.Write(p)
}

func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool {
	return r.keepAlive
}

// HeadersSent reports whether the head has reached the connection.
func (r *Response) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headerSent
}

// Committed reports whether Close was called.
func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Reset discards the status, headers and body. It reports false when the
// head was already sent.
func (r *Response) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerSent || r.committed {
		return false
	}
	r.status = http.StatusOK
	r.header = make(http.Header)
	r.body.Reset()
	return true
}

// OnCommit registers fn to run once after Close sent the response.
func (r *Response) OnCommit(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCommit = append(r.onCommit, fn)
}

// Flush sends the head and any buffered body as a chunk. HTTP/1.0
// responses are only sent by Close.
func (r *Response) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return fmt.Errorf("Flush: %w", errors.ErrCommitted)
	}
	if !r.http11 {
		return nil
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	if !r.headerSent {
		r.chunked = true
		r.writeHead(out, -1)
	}
	r.writeChunk(out, false)
	return r.send(out, nil)
}

// Close sends whatever is left of the response and commits it.
func (r *Response) Close() error {
	r.mu.Lock()
	if r.committed {
		r.mu.Unlock()
		return fmt.Errorf("Close: %w", errors.ErrCommitted)
	}
	r.committed = true

	out := bytebufferpool.Get()
	if r.chunked {
		r.writeChunk(out, true)
	} else {
		r.writeHead(out, r.body.Len())
		if r.method != http.MethodHead && bodyAllowed(r.status) {
			_, _ = out.Write(r.body.B)
		}
	}

	var done gnet.AsyncCallback
	if !r.keepAlive {
		sink := r.sink
		done = func(gnet.Conn, error) error {
			return sink.Close()
		}
	}
	err := r.send(out, done)
	bytebufferpool.Put(out)
	bytebufferpool.Put(r.body)
	r.body = &bytebufferpool.ByteBuffer{}

	hooks := r.onCommit
	r.onCommit = nil
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return err
}

func (r *Response) writeHead(out *bytebufferpool.ByteBuffer, length int) {
	r.headerSent = true

	proto := "HTTP/1.1"
	if !r.http11 {
		proto = "HTTP/1.0"
	}
	_, _ = fmt.Fprintf(out, "%s %d %s\r\n", proto, r.status, http.StatusText(r.status))

	for name := range r.header {
		if !httpguts.ValidHeaderFieldName(name) {
			r.header.Del(name)
		}
	}
	if length < 0 {
		r.header.Del("Content-Length")
		r.header.Set("Transfer-Encoding", "chunked")
	} else if bodyAllowed(r.status) {
		r.header.Set("Content-Length", strconv.Itoa(length))
		if length > 0 && r.header.Get("Content-Type") == "" {
			r.header.Set("Content-Type", http.DetectContentType(r.body.B))
		}
	}
	if !r.keepAlive {
		r.header.Set("Connection", "close")
	} else if !r.http11 {
		r.header.Set("Connection", "keep-alive")
	}

	_ = r.header.Write(out)
	_, _ = out.Write(crlf)
}

// writeChunk moves the buffered body into out as one chunk, followed by the
// terminating chunk when last is set.
func (r *Response) writeChunk(out *bytebufferpool.ByteBuffer, last bool) {
	cw := httputil.NewChunkedWriter(out)
	if r.body.Len() > 0 && r.method != http.MethodHead {
		_, _ = cw.Write(r.body.B)
	}
	r.body.Reset()
	if last {
		_ = cw.Close()
		_, _ = out.Write(crlf)
	}
}

func (r *Response) send(out *bytebufferpool.ByteBuffer, done gnet.AsyncCallback) error {
	if out.Len() == 0 {
		if done != nil {
			return done(nil, nil)
		}
		return nil
	}
	buf := append([]byte(nil), out.B...)
	if err := r.sink.AsyncWrite(buf, done); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
