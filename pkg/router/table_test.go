package router

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/pipeline/pipelinetest"
)

func request(t *testing.T, method, path string) (*handler.Context, *pipelinetest.Socket) {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(method + " " + path + " HTTP/1.1\r\n\r\n")))
	require.NoError(t, err)
	sock := pipelinetest.NewSocket()
	resp := httpcodec.NewResponse(sock, method, true, true)
	return handler.NewContext(context.Background(), "r1", &httpcodec.FullRequest{Request: req}, resp), sock
}

func reply(body string) handler.HandlerFunc {
	return func(ctx *handler.Context) error {
		return ctx.String(http.StatusOK, body)
	}
}

func TestTableResolve(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Add(http.MethodGet, "/users", reply("list")))
	require.NoError(t, tbl.Add(http.MethodPost, "/users", reply("create")))
	require.NoError(t, tbl.Add("", "/any", reply("any")))
	tbl.Seal()

	_, ok := tbl.Resolve("/nope")
	assert.False(t, ok)

	h, ok := tbl.Resolve("/users")
	require.True(t, ok)

	ctx, sock := request(t, http.MethodPost, "/users")
	require.NoError(t, h(ctx))
	require.NoError(t, ctx.Response.Close())
	assert.True(t, strings.HasSuffix(string(sock.Written()), "create"))

	ctx, sock = request(t, http.MethodDelete, "/users")
	require.NoError(t, h(ctx))
	require.NoError(t, ctx.Response.Close())
	wire := string(sock.Written())
	assert.True(t, strings.HasPrefix(wire, "HTTP/1.1 405 Method Not Allowed\r\n"))
	assert.Contains(t, wire, "Allow: GET, POST\r\n")

	h, ok = tbl.Resolve("/any")
	require.True(t, ok)
	ctx, sock = request(t, http.MethodPatch, "/any")
	require.NoError(t, h(ctx))
	require.NoError(t, ctx.Response.Close())
	assert.True(t, strings.HasSuffix(string(sock.Written()), "any"))
}

func TestTableAddErrors(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Add("get", "/a", reply("a")))
	assert.Error(t, tbl.Add(http.MethodGet, "/a", reply("again")))
	assert.Error(t, tbl.Add(http.MethodGet, "relative", reply("x")))
	assert.Error(t, tbl.Add(http.MethodGet, "/nil", nil))

	tbl.Seal()
	assert.ErrorIs(t, tbl.Add(http.MethodGet, "/late", reply("x")), errors.ErrSealed)
	assert.Equal(t, []string{"/a"}, tbl.Paths())
}

func TestNewRouteWrappers(t *testing.T) {
	var seen []string
	named := func(r Route) Route { seen = append(seen, r.Name()); return r }

	rt := NewRoute("ping", http.MethodGet, "/ping", true, false, reply("pong"), nil, named)
	r := NewRouter(true, []Route{rt}, nil)

	assert.Equal(t, []string{"ping"}, seen)
	assert.Equal(t, "/ping", r.Routes()[0].Path())
	assert.Equal(t, http.MethodGet, r.Routes()[0].Method())
	assert.True(t, r.Status())
}

func TestPrefixAndUse(t *testing.T) {
	var order []string
	tag := func(name string) MiddlewareFunc {
		return func(next handler.HandlerFunc) handler.HandlerFunc {
			return func(ctx *handler.Context) error {
				order = append(order, name)
				return next(ctx)
			}
		}
	}

	r := NewRouter(true, []Route{
		NewRoute("ping", "get", "/ping", true, false, reply("pong"), []MiddlewareFunc{tag("own")}, Use(tag("used"))),
		NewRoute("dir", http.MethodGet, "/files/", true, false, reply("dir"), nil),
	}, nil, Prefix("api/"))

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "/api/ping", routes[0].Path())
	assert.Equal(t, http.MethodGet, routes[0].Method())
	assert.Equal(t, "/api/files/", routes[1].Path())

	mws := routes[0].Middleware()
	require.Len(t, mws, 2)
	h := routes[0].Handler()
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	ctx, sock := request(t, http.MethodGet, "/api/ping")
	require.NoError(t, h(ctx))
	require.NoError(t, ctx.Response.Close())
	assert.Equal(t, []string{"own", "used"}, order)
	assert.Contains(t, string(sock.Written()), "pong")
}
