// Package httpcodec holds the HTTP/1.1 stages installed on connections the
// classifier recognised as HTTP: Decoder, Aggregator and ChunkedWriter.
//
// The Decoder parses request heads with net/http and streams bodies as
// Chunks; the Aggregator collects them into a FullRequest; the
// ChunkedWriter pairs every FullRequest with a Response sink.
//
// The codec never writes to the socket itself. Interim and error responses
// travel down the pipeline as Continue and Rejection so the last stage can
// send them in request order.
package httpcodec

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/pipeline"
)

// Stage names.
const (
	DecoderName       = "http-decoder"
	AggregatorName    = "http-aggregator"
	ChunkedWriterName = "http-chunked-writer"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
	cont     = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

// Limits bound the size of inbound requests.
type Limits struct {
	MaxInitialLine int // Request line length (defaults to 4096)
	MaxHeaderSize  int // Header block length (defaults to 8192)
	MaxAggregate   int // Body length (defaults to 65536)
}

// DefaultLimits returns the default request limits.
func DefaultLimits() Limits {
	return Limits{
		MaxInitialLine: 4096,
		MaxHeaderSize:  8192,
		MaxAggregate:   65536,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxInitialLine <= 0 {
		l.MaxInitialLine = d.MaxInitialLine
	}
	if l.MaxHeaderSize <= 0 {
		l.MaxHeaderSize = d.MaxHeaderSize
	}
	if l.MaxAggregate <= 0 {
		l.MaxAggregate = d.MaxAggregate
	}
	return l
}

// Head is a parsed request head. Request.Body is always empty; the body
// follows as Chunks.
type Head struct {
	Request   *http.Request
	KeepAlive bool
	Expect    bool // Expect: 100-continue
}

// Chunk is a slice of the request body. Data is only valid during the call.
type Chunk struct {
	Data []byte
	Last bool
}

// FullRequest is a request with its whole body.
type FullRequest struct {
	Request   *http.Request
	Body      []byte
	KeepAlive bool
}

// Exchange pairs a request with the sink its response is written to.
type Exchange struct {
	Request  *FullRequest
	Response *Response
}

// KeepAlive reports whether the connection stays open after answering r.
func KeepAlive(r *http.Request) bool {
	conn := r.Header["Connection"]
	if httpguts.HeaderValuesContainsToken(conn, "close") {
		return false
	}
	if r.ProtoAtLeast(1, 1) {
		return true
	}
	return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

// Rejection answers a request the codec refused with a bodyless Status.
// Nothing after it is decoded, and the connection closes once Response is
// committed.
type Rejection struct {
	Status   int
	Err      error
	Response *Response
}

func newRejection(sink Sink, code int, err error) *Rejection {
	resp := NewResponse(sink, "", true, false)
	resp.WriteHeader(code)
	return &Rejection{Status: code, Err: err, Response: resp}
}

// Send commits the rejection and closes the connection after the write.
func (r *Rejection) Send() error {
	return r.Response.Close()
}

// Continue is the 100 Continue owed to a request sent with
// Expect: 100-continue.
type Continue struct {
	sink Sink
}

// Send writes the interim response.
func (c *Continue) Send() error {
	return c.sink.AsyncWrite(cont, nil)
}

// --- Decoder ---

// Decoder frames HTTP/1.1 requests from the socket.
type Decoder struct {
	limits    Limits
	remaining int64
	inBody    bool
	rejected  bool
}

// NewDecoder returns a per-connection decoder.
func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.withDefaults()}
}

func (d *Decoder) Name() string {
	return DecoderName
}

func (d *Decoder) Handle(ctx *pipeline.Context, msg any) error {
	sock, ok := msg.(pipeline.Socket)
	if !ok {
		return ctx.Next(msg)
	}
	if d.rejected {
		_, _ = sock.Discard(sock.InboundBuffered())
		return nil
	}

	for {
		if d.inBody {
			if err := d.body(ctx, sock); err != nil || d.inBody {
				return err
			}
			continue
		}

		buffered := sock.InboundBuffered()
		if buffered == 0 {
			return nil
		}
		done, err := d.head(ctx, sock, buffered)
		if err != nil || !done {
			return err
		}
	}
}

// reject stops decoding and passes a Rejection down the pipeline.
func (d *Decoder) reject(ctx *pipeline.Context, sock pipeline.Socket, code int, err error) error {
	d.rejected = true
	d.inBody = false
	_, _ = sock.Discard(sock.InboundBuffered())
	return ctx.Next(newRejection(sock, code, err))
}

// head parses one request head. It reports false when more bytes are needed.
func (d *Decoder) head(ctx *pipeline.Context, sock pipeline.Socket, buffered int) (bool, error) {
	maxHead := d.limits.MaxInitialLine + 2 + d.limits.MaxHeaderSize + 2
	window := buffered
	if window > maxHead {
		window = maxHead
	}
	buf, err := sock.Peek(window)
	if err != nil {
		return false, errors.Wrap(err, "head: peek")
	}

	if bytes.HasPrefix(buf, crlf) {
		_, _ = sock.Discard(len(crlf))
		return true, nil
	}

	lineEnd := bytes.Index(buf, crlf)
	if (lineEnd < 0 && len(buf) > d.limits.MaxInitialLine) || lineEnd > d.limits.MaxInitialLine {
		return false, d.reject(ctx, sock, http.StatusRequestURITooLong,
			fmt.Errorf("head: request line exceeds %d bytes: %w", d.limits.MaxInitialLine, errors.ErrTooLarge))
	}

	end := bytes.Index(buf, crlfcrlf)
	if end < 0 {
		if lineEnd >= 0 && len(buf)-(lineEnd+2) > d.limits.MaxHeaderSize {
			return false, d.reject(ctx, sock, http.StatusRequestHeaderFieldsTooLarge,
				fmt.Errorf("head: headers exceed %d bytes: %w", d.limits.MaxHeaderSize, errors.ErrTooLarge))
		}
		return false, nil
	}
	if end-(lineEnd+2) > d.limits.MaxHeaderSize {
		return false, d.reject(ctx, sock, http.StatusRequestHeaderFieldsTooLarge,
			fmt.Errorf("head: headers exceed %d bytes: %w", d.limits.MaxHeaderSize, errors.ErrTooLarge))
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:end+4])))
	if err != nil {
		return false, d.reject(ctx, sock, http.StatusBadRequest, fmt.Errorf("head: %v: %w", err, errors.ErrFraming))
	}
	if _, err := sock.Discard(end + 4); err != nil {
		return false, errors.Wrap(err, "head: discard")
	}
	for name := range req.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			return false, d.reject(ctx, sock, http.StatusBadRequest,
				fmt.Errorf("head: invalid header name %q: %w", name, errors.ErrFraming))
		}
	}
	if len(req.TransferEncoding) > 0 {
		return false, d.reject(ctx, sock, http.StatusNotImplemented,
			fmt.Errorf("head: transfer-encoding %v: %w", req.TransferEncoding, errors.ErrFraming))
	}
	if req.ContentLength > int64(d.limits.MaxAggregate) {
		return false, d.reject(ctx, sock, http.StatusRequestEntityTooLarge,
			fmt.Errorf("head: body of %d bytes exceeds %d: %w", req.ContentLength, d.limits.MaxAggregate, errors.ErrTooLarge))
	}

	remote := ctx.Conn().RemoteAddr()
	req.RemoteAddr = remote

	h := &Head{
		Request:   req,
		KeepAlive: KeepAlive(req),
		Expect:    httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue"),
	}
	d.remaining = req.ContentLength
	if d.remaining < 0 {
		d.remaining = 0
	}

	if err := ctx.Next(h); err != nil {
		return false, err
	}
	if d.remaining == 0 {
		return true, ctx.Next(&Chunk{Last: true})
	}
	d.inBody = true
	return true, nil
}

// body forwards whatever part of the current body is buffered.
func (d *Decoder) body(ctx *pipeline.Context, sock pipeline.Socket) error {
	n := sock.InboundBuffered()
	if n == 0 {
		return nil
	}
	if int64(n) > d.remaining {
		n = int(d.remaining)
	}
	b, err := sock.Next(n)
	if err != nil {
		return errors.Wrap(err, "body: next")
	}
	d.remaining -= int64(n)
	last := d.remaining == 0
	if last {
		d.inBody = false
	}
	return ctx.Next(&Chunk{Data: b, Last: last})
}

// --- Aggregator ---

// Aggregator collects a Head and its Chunks into a FullRequest. Once it
// rejected a body, later Heads and Chunks are dropped.
type Aggregator struct {
	max      int
	head     *Head
	body     *bytebufferpool.ByteBuffer
	rejected bool
}

// NewAggregator returns a per-connection aggregator bounded by max bytes.
func NewAggregator(max int) *Aggregator {
	if max <= 0 {
		max = DefaultLimits().MaxAggregate
	}
	return &Aggregator{max: max, body: bytebufferpool.Get()}
}

func (a *Aggregator) Name() string {
	return AggregatorName
}

func (a *Aggregator) Handle(ctx *pipeline.Context, msg any) error {
	sock := ctx.Conn().Socket()

	switch m := msg.(type) {
	case *Head:
		if a.rejected {
			return nil
		}
		if m.Request.ContentLength > int64(a.max) {
			return a.reject(ctx, sock,
				fmt.Errorf("Handle: body of %d bytes exceeds %d: %w", m.Request.ContentLength, a.max, errors.ErrTooLarge))
		}
		a.head = m
		a.body.Reset()
		if m.Expect {
			return ctx.Next(&Continue{sink: sock})
		}
		return nil

	case *Chunk:
		if a.rejected {
			return nil
		}
		if a.head == nil {
			return fmt.Errorf("Handle: body without a request head: %w", errors.ErrFraming)
		}
		if a.body.Len()+len(m.Data) > a.max {
			return a.reject(ctx, sock,
				fmt.Errorf("Handle: body exceeds %d bytes: %w", a.max, errors.ErrTooLarge))
		}
		_, _ = a.body.Write(m.Data)
		if !m.Last {
			return nil
		}

		full := &FullRequest{
			Request:   a.head.Request,
			KeepAlive: a.head.KeepAlive,
		}
		if a.body.Len() > 0 {
			full.Body = append([]byte(nil), a.body.B...)
		}
		a.head = nil
		a.body.Reset()
		return ctx.Next(full)

	default:
		return ctx.Next(msg)
	}
}

func (a *Aggregator) reject(ctx *pipeline.Context, sock pipeline.Socket, err error) error {
	a.rejected = true
	a.head = nil
	a.body.Reset()
	return ctx.Next(newRejection(sock, http.StatusRequestEntityTooLarge, err))
}

// Close returns the body buffer to its pool.
func (a *Aggregator) Close() error {
	if a.body != nil {
		bytebufferpool.Put(a.body)
		a.body = nil
	}
	return nil
}

// --- ChunkedWriter ---

// ChunkedWriter attaches a Response to every FullRequest. Responses flushed
// before Close switch to chunked transfer encoding.
type ChunkedWriter struct{}

// NewChunkedWriter returns the response stage.
func NewChunkedWriter() *ChunkedWriter {
	return &ChunkedWriter{}
}

func (w *ChunkedWriter) Name() string {
	return ChunkedWriterName
}

func (w *ChunkedWriter) Handle(ctx *pipeline.Context, msg any) error {
	full, ok := msg.(*FullRequest)
	if !ok {
		return ctx.Next(msg)
	}
	resp := NewResponse(ctx.Conn().Socket(), full.Request.Method, full.Request.ProtoAtLeast(1, 1), full.KeepAlive)
	return ctx.Next(&Exchange{Request: full, Response: resp})
}
