package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/pipeline/pipelinetest"
)

type routes map[string]handler.HandlerFunc

func (r routes) Resolve(path string) (handler.HandlerFunc, bool) {
	h, ok := r[path]
	return h, ok
}

func newHTTPConn(t *testing.T, opts *Options) (*pipeline.Conn, *pipelinetest.Socket) {
	t.Helper()
	sock := pipelinetest.NewSocket()
	conn := pipeline.New("h1", sock, zerolog.Nop())
	require.NoError(t, opts.Install(conn))
	return conn, sock
}

func responses(t *testing.T, wire []byte) []*http.Response {
	t.Helper()
	var out []*http.Response
	r := bufio.NewReader(bytes.NewReader(wire))
	for {
		if _, err := r.Peek(1); err != nil {
			return out
		}
		resp, err := http.ReadResponse(r, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		out = append(out, resp)
	}
}

func body(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestPingPong(t *testing.T) {
	opts := &Options{Resolver: routes{
		"/ping": func(ctx *handler.Context) error {
			return ctx.String(http.StatusOK, "pong")
		},
	}}
	conn, sock := newHTTPConn(t, opts)

	sock.Feed([]byte("GET /ping HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, "200 OK", got[0].Status)
	assert.Equal(t, "pong", body(got[0]))
	assert.True(t, strings.HasPrefix(string(sock.Written()), "HTTP/1.1 200 OK\r\n"))
}

func TestNotFound(t *testing.T) {
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{}})

	sock.Feed([]byte("GET /missing HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusNotFound, got[0].StatusCode)
	assert.False(t, sock.Closed(), "a 404 keeps the connection open")
}

func TestHandlerErrorAndPanicBecome500(t *testing.T) {
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{
		"/err": func(ctx *handler.Context) error {
			_, _ = ctx.Response.WriteString("half written")
			return fmt.Errorf("database unavailable")
		},
		"/panic": func(*handler.Context) error {
			panic("nil map")
		},
	}})

	sock.Feed([]byte("GET /err HTTP/1.1\r\n\r\nGET /panic HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, http.StatusInternalServerError, r.StatusCode)
		assert.Empty(t, body(r))
	}
	assert.False(t, sock.Closed())
}

func TestSyncHandlerClosesOnce(t *testing.T) {
	late := make(chan error, 1)
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{
		"/": func(ctx *handler.Context) error {
			_, _ = ctx.Response.WriteString("ok")
			go func() {
				time.Sleep(10 * time.Millisecond)
				_, err := ctx.Response.WriteString("too late")
				late <- err
			}()
			return nil
		},
	}})

	sock.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	select {
	case err := <-late:
		assert.ErrorIs(t, err, errors.ErrCommitted)
	case <-time.After(time.Second):
		t.Fatal("late write never happened")
	}
	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, "ok", body(got[0]))
}

func TestAsyncCompletion(t *testing.T) {
	release := make(chan struct{})
	var pending *handler.Pending
	var mu sync.Mutex

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	conn, sock := newHTTPConn(t, &Options{Workers: pool, Resolver: routes{
		"/async": func(ctx *handler.Context) error {
			p := ctx.StartAsync()
			mu.Lock()
			pending = p
			mu.Unlock()
			go func() {
				<-release
				_, _ = ctx.Response.WriteString("done later")
				_ = p.Complete()
			}()
			return nil
		},
	}})

	sock.Feed([]byte("GET /async HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pending != nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sock.Written(), "async response stays open after the handler returns")

	close(release)
	<-pending.Done()

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, "done later", body(got[0]))
	assert.ErrorIs(t, pending.Complete(), errors.ErrCommitted)
}

func TestAsyncTimeout(t *testing.T) {
	var pending *handler.Pending
	conn, sock := newHTTPConn(t, &Options{HandlerTimeout: 20 * time.Millisecond, Resolver: routes{
		"/slow": func(ctx *handler.Context) error {
			pending = ctx.StartAsync()
			return nil
		},
	}})

	sock.Feed([]byte("GET /slow HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())
	require.NotNil(t, pending)

	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("async request never timed out")
	}
	assert.ErrorIs(t, pending.Err(), context.DeadlineExceeded)

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusServiceUnavailable, got[0].StatusCode)
	assert.ErrorIs(t, pending.Complete(), errors.ErrCommitted)
}

func TestPipelinedOrder(t *testing.T) {
	pool, err := ants.NewPool(8)
	require.NoError(t, err)
	defer pool.Release()

	conn, sock := newHTTPConn(t, &Options{Workers: pool, Resolver: routes{
		"/slow": func(ctx *handler.Context) error {
			time.Sleep(30 * time.Millisecond)
			return ctx.String(http.StatusOK, "slow")
		},
		"/fast": func(ctx *handler.Context) error {
			return ctx.String(http.StatusOK, "fast")
		},
	}})

	sock.Feed([]byte("GET /slow HTTP/1.1\r\n\r\nGET /fast HTTP/1.1\r\n\r\nGET /fast HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	require.Eventually(t, func() bool {
		return bytes.Count(sock.Written(), []byte("HTTP/1.1 200")) == 3
	}, time.Second, 5*time.Millisecond)

	got := responses(t, sock.Written())
	require.Len(t, got, 3)
	assert.Equal(t, "slow", body(got[0]))
	assert.Equal(t, "fast", body(got[1]))
	assert.Equal(t, "fast", body(got[2]))
}

func TestPoolOverload(t *testing.T) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-block }))
	defer close(block)

	conn, sock := newHTTPConn(t, &Options{Workers: pool, Resolver: routes{
		"/": func(ctx *handler.Context) error { return ctx.String(http.StatusOK, "never") },
	}})

	sock.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusServiceUnavailable, got[0].StatusCode)
}

func TestConnectionCloseHeader(t *testing.T) {
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{
		"/": func(ctx *handler.Context) error { return ctx.String(http.StatusOK, "bye") },
	}})

	sock.Feed([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.True(t, got[0].Close)
	assert.True(t, sock.Closed())
}

func TestDispatcherCloseDropsQueue(t *testing.T) {
	d := NewDispatcher(&Options{})
	require.NoError(t, d.Close())

	sock := pipelinetest.NewSocket()
	conn := pipeline.New("h1", sock, zerolog.Nop(), d)
	resp := httpcodec.NewResponse(sock, http.MethodGet, true, true)
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RequestURI = "/"
	rc := handler.NewContext(context.Background(), "h1", &httpcodec.FullRequest{Request: req}, resp)

	require.NoError(t, conn.Fire())
	require.NoError(t, d.Handle(nil, &Call{Ctx: rc, Handler: NotFound}))
	assert.Zero(t, d.Pending())
	assert.Empty(t, sock.Written())
}

func TestRejectionFollowsEarlierResponse(t *testing.T) {
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	conn, sock := newHTTPConn(t, &Options{
		Workers: pool,
		Limits:  httpcodec.Limits{MaxAggregate: 16},
		Resolver: routes{
			"/slow": func(ctx *handler.Context) error {
				time.Sleep(30 * time.Millisecond)
				return ctx.String(http.StatusOK, "slow")
			},
		},
	})

	sock.Feed([]byte("GET /slow HTTP/1.1\r\n\r\nPOST /upload HTTP/1.1\r\nContent-Length: 100\r\n\r\n"))
	require.NoError(t, conn.Fire())
	assert.Empty(t, sock.Written(), "the rejection waits for the running request")

	require.Eventually(t, sock.Closed, time.Second, 5*time.Millisecond)

	got := responses(t, sock.Written())
	require.Len(t, got, 2)
	assert.Equal(t, http.StatusOK, got[0].StatusCode)
	assert.Equal(t, "slow", body(got[0]))
	assert.Equal(t, http.StatusRequestEntityTooLarge, got[1].StatusCode)
	assert.True(t, got[1].Close)
}

func TestRejectionWhenIdle(t *testing.T) {
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{}})

	sock.Feed([]byte("GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"))
	require.NoError(t, conn.Fire())

	got := responses(t, sock.Written())
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusNotImplemented, got[0].StatusCode)
	assert.True(t, sock.Closed())
}

func TestContinueWaitsForEarlierResponse(t *testing.T) {
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	conn, sock := newHTTPConn(t, &Options{Workers: pool, Resolver: routes{
		"/slow": func(ctx *handler.Context) error {
			time.Sleep(30 * time.Millisecond)
			return ctx.String(http.StatusOK, "slow")
		},
		"/put": func(ctx *handler.Context) error {
			return ctx.String(http.StatusCreated, string(ctx.Body))
		},
	}})

	sock.Feed([]byte("GET /slow HTTP/1.1\r\n\r\nPUT /put HTTP/1.1\r\nContent-Length: 3\r\nExpect: 100-continue\r\n\r\n"))
	require.NoError(t, conn.Fire())
	assert.Empty(t, sock.Written())

	interim := []byte("HTTP/1.1 100 Continue\r\n\r\n")
	require.Eventually(t, func() bool {
		return bytes.Contains(sock.Written(), interim)
	}, time.Second, 5*time.Millisecond)

	wire := sock.Written()
	slow := bytes.Index(wire, []byte("HTTP/1.1 200"))
	require.GreaterOrEqual(t, slow, 0)
	assert.Less(t, slow, bytes.Index(wire, interim), "100 Continue follows the earlier response")

	sock.Feed([]byte("abc"))
	require.NoError(t, conn.Fire())
	require.Eventually(t, func() bool {
		return bytes.Contains(sock.Written(), []byte("HTTP/1.1 201"))
	}, time.Second, 5*time.Millisecond)

	rest := sock.Written()[bytes.Index(sock.Written(), interim)+len(interim):]
	got := responses(t, rest)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", body(got[0]))
}

func TestContinueWhenIdle(t *testing.T) {
	conn, sock := newHTTPConn(t, &Options{Resolver: routes{}})

	sock.Feed([]byte("PUT /x HTTP/1.1\r\nContent-Length: 3\r\nExpect: 100-continue\r\n\r\n"))
	require.NoError(t, conn.Fire())
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", string(sock.Written()))
}
