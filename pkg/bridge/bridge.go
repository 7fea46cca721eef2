// Package bridge turns decoded HTTP exchanges into handler calls. Bridge
// resolves the handler on the event loop; Dispatcher runs it on the worker
// pool, one request at a time per connection so pipelined responses keep
// their order.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/log"
	"github.com/etwodev/portmux/pkg/metrics"
	"github.com/etwodev/portmux/pkg/pipeline"
)

// Stage names.
const (
	BridgeName     = "http-bridge"
	DispatcherName = "http-dispatcher"
)

// Options are shared by the HTTP stages of every connection.
type Options struct {
	Limits         httpcodec.Limits
	Resolver       handler.Resolver
	Workers        *ants.Pool // nil runs handlers on the calling goroutine
	Metrics        *metrics.Metrics
	HandlerTimeout time.Duration // Deadline of the request context, async completion included
}

// Install appends the HTTP stage chain to conn.
func (o *Options) Install(conn *pipeline.Conn) error {
	if o.Resolver == nil {
		return fmt.Errorf("Install: no resolver configured")
	}
	conn.Install(
		httpcodec.NewDecoder(o.Limits),
		httpcodec.NewAggregator(o.Limits.MaxAggregate),
		httpcodec.NewChunkedWriter(),
		&Bridge{opts: o},
		NewDispatcher(o),
	)
	return nil
}

// NotFound answers requests no handler resolved.
func NotFound(ctx *handler.Context) error {
	return ctx.String(http.StatusNotFound, "404 page not found")
}

// Call is a resolved request on its way to the Dispatcher.
type Call struct {
	Ctx     *handler.Context
	Handler handler.HandlerFunc
}

// Bridge maps an Exchange to a handler.Context and resolves its handler.
type Bridge struct {
	opts *Options
}

// NewBridge returns the resolving stage.
func NewBridge(opts *Options) *Bridge {
	return &Bridge{opts: opts}
}

func (b *Bridge) Name() string {
	return BridgeName
}

func (b *Bridge) Handle(ctx *pipeline.Context, msg any) error {
	ex, ok := msg.(*httpcodec.Exchange)
	if !ok {
		return ctx.Next(msg)
	}
	conn := ctx.Conn()

	base := log.WithContext(context.Background(), *conn.Logger())
	rc := handler.NewContext(base, conn.ID(), ex.Request, ex.Response)

	h, ok := b.opts.Resolver.Resolve(rc.Path)
	if !ok || h == nil {
		conn.Logger().Debug().
			Str("Function", "Handle").
			Str("Method", rc.Method).
			Str("Path", rc.Path).
			Msg("No handler resolved")
		h = NotFound
	}
	return ctx.Next(&Call{Ctx: rc, Handler: h})
}

// Dispatcher runs calls on the worker pool. At most one call per
// connection is in flight; the next one starts when the response of the
// current one is committed. A 100 Continue or a codec rejection waits its
// turn in the same queue.
type Dispatcher struct {
	opts *Options

	mu     sync.Mutex
	queue  []any // *Call, *httpcodec.Continue or *httpcodec.Rejection
	busy   bool
	closed bool
}

// NewDispatcher returns a per-connection dispatcher.
func NewDispatcher(opts *Options) *Dispatcher {
	return &Dispatcher{opts: opts}
}

func (d *Dispatcher) Name() string {
	return DispatcherName
}

func (d *Dispatcher) Handle(ctx *pipeline.Context, msg any) error {
	switch m := msg.(type) {
	case *Call, *httpcodec.Continue:
	case *httpcodec.Rejection:
		ctx.Conn().Logger().Warn().
			Err(m.Err).
			Str("Function", "Handle").
			Int("Status", m.Status).
			Msg("Rejected request")
	default:
		return ctx.Next(msg)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.queue = append(d.queue, msg)
	if d.busy {
		d.mu.Unlock()
		return nil
	}
	d.busy = true
	next := d.pop()
	d.mu.Unlock()

	d.run(next)
	return nil
}

// Pending returns the number of queued calls, the running one excluded.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close drops queued calls. A running call finishes normally.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
	return nil
}

func (d *Dispatcher) pop() any {
	c := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return c
}

func (d *Dispatcher) run(item any) {
	switch m := item.(type) {
	case *httpcodec.Continue:
		_ = m.Send()
		d.done()
	case *httpcodec.Rejection:
		m.Response.OnCommit(d.done)
		_ = m.Send()
	case *Call:
		d.call(m)
	}
}

func (d *Dispatcher) call(c *Call) {
	c.Ctx.Response.OnCommit(d.done)

	if d.opts.Workers == nil {
		Serve(c.Ctx, c.Handler, d.opts)
		return
	}

	err := d.opts.Workers.Submit(func() {
		Serve(c.Ctx, c.Handler, d.opts)
	})
	if err == nil {
		return
	}

	if errors.Is(err, ants.ErrPoolOverload) {
		d.opts.Metrics.Rejected()
	}
	logger := c.Ctx.Logger()
	logger.Warn().
		Err(err).
		Str("Function", "call").
		Str("Path", c.Ctx.Path).
		Msg("Worker pool refused request")

	c.Ctx.Response.WriteHeader(http.StatusServiceUnavailable)
	if cerr := c.Ctx.Response.Close(); cerr != nil {
		logger.Warn().Err(cerr).Str("Function", "call").Msg("Failed to send overload response")
	}
}

// done starts the next queued item.
func (d *Dispatcher) done() {
	d.mu.Lock()
	if d.closed || len(d.queue) == 0 {
		d.busy = false
		d.mu.Unlock()
		return
	}
	next := d.pop()
	d.mu.Unlock()

	d.run(next)
}

// Serve invokes h and completes the response.
//
// A handler that returns without calling StartAsync is complete: the
// response is sent and committed on every exit path. A returned error or a
// panic becomes a 500 when nothing was sent yet. A handler that called
// StartAsync leaves the response open; the returned token commits it, or
// the request deadline fails it with a 503.
func Serve(rc *handler.Context, h handler.HandlerFunc, opts *Options) *handler.Pending {
	start := time.Now()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if opts != nil && opts.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(rc.Context, opts.HandlerTimeout)
	} else {
		ctx, cancel = context.WithCancel(rc.Context)
	}
	rc.Context = ctx

	var m *metrics.Metrics
	if opts != nil {
		m = opts.Metrics
	}
	finish := func(err error) error {
		defer cancel()
		return complete(rc, err, m, start)
	}
	rc.OnFinish(finish)

	err := invoke(rc, h)

	p := rc.Pending()
	if p == nil {
		_ = finish(err)
		return nil
	}
	if err != nil {
		_ = p.Fail(err)
		return p
	}
	context.AfterFunc(ctx, func() {
		_ = p.Fail(fmt.Errorf("Serve: async completion: %w", ctx.Err()))
	})
	return p
}

func invoke(rc *handler.Context, h handler.HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invoke: %v: %w", r, errors.ErrHandlerPanic)
		}
	}()
	return h(rc)
}

func complete(rc *handler.Context, err error, m *metrics.Metrics, start time.Time) error {
	logger := rc.Logger()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		ev := logger.Error()
		if errors.Is(err, context.Canceled) {
			ev = logger.Debug()
		}
		ev.Err(err).
			Str("Function", "complete").
			Str("Method", rc.Method).
			Str("Path", rc.Path).
			Msg("Handler failed")
		if rc.Response.Reset() {
			rc.Response.WriteHeader(code)
		}
	}

	cerr := rc.Response.Close()
	m.HTTPRequest(rc.Method, rc.Response.Status(), time.Since(start))
	logEvent(logger, rc, start)
	return cerr
}

func logEvent(logger zerolog.Logger, rc *handler.Context, start time.Time) {
	logger.Debug().
		Str("Method", rc.Method).
		Str("Path", rc.Path).
		Int("Status", rc.Response.Status()).
		Dur("Took", time.Since(start)).
		Msg("Request completed")
}
