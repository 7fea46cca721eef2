package router

import (
	"path"
	"strings"

	"github.com/etwodev/portmux/pkg/handler"
)

// MiddlewareFunc wraps a handler.
type MiddlewareFunc = func(handler.HandlerFunc) handler.HandlerFunc

type route struct {
	name         string
	method       string
	path         string
	status       bool
	experimental bool
	handler      handler.HandlerFunc
	middleware   []MiddlewareFunc
}

func (r route) Name() string                 { return r.name }
func (r route) Method() string               { return r.method }
func (r route) Path() string                 { return r.path }
func (r route) Status() bool                 { return r.status }
func (r route) Experimental() bool           { return r.experimental }
func (r route) Handler() handler.HandlerFunc { return r.handler }
func (r route) Middleware() []MiddlewareFunc { return r.middleware }

type group struct {
	status     bool
	routes     []Route
	middleware []MiddlewareFunc
}

func (g group) Routes() []Route              { return g.routes }
func (g group) Status() bool                 { return g.status }
func (g group) Middleware() []MiddlewareFunc { return g.middleware }

// mounted serves a route below a path prefix.
type mounted struct {
	Route
	prefix string
}

func (m mounted) Path() string {
	p := path.Join(m.prefix, m.Route.Path())
	if strings.HasSuffix(m.Route.Path(), "/") && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// withMiddleware appends route-level middleware to an existing route.
type withMiddleware struct {
	Route
	extra []MiddlewareFunc
}

func (w withMiddleware) Middleware() []MiddlewareFunc {
	return append(append([]MiddlewareFunc(nil), w.Route.Middleware()...), w.extra...)
}

type RouterWrapper func(r Router) Router
type RouteWrapper func(r Route) Route

// Prefix mounts every route of the router below prefix, e.g. "/api".
func Prefix(prefix string) RouterWrapper {
	return func(r Router) Router {
		routes := make([]Route, len(r.Routes()))
		for i, rt := range r.Routes() {
			routes[i] = mounted{Route: rt, prefix: "/" + strings.Trim(prefix, "/")}
		}
		return group{status: r.Status(), routes: routes, middleware: r.Middleware()}
	}
}

// Use appends middleware to a single route, innermost last.
func Use(mw ...MiddlewareFunc) RouteWrapper {
	return func(r Route) Route {
		return withMiddleware{Route: r, extra: mw}
	}
}

// NewRouter groups routes under shared middleware.
func NewRouter(
	status bool,
	routes []Route,
	middleware []MiddlewareFunc,
	opts ...RouterWrapper,
) Router {
	var r Router = group{
		status:     status,
		routes:     routes,
		middleware: middleware,
	}
	for _, o := range opts {
		r = o(r)
	}
	return r
}

// NewRoute binds method and path to h. The method is matched
// case-insensitively; an empty method accepts any.
func NewRoute(
	name string,
	method, path string,
	status, experimental bool,
	h handler.HandlerFunc,
	middleware []MiddlewareFunc,
	opts ...RouteWrapper,
) Route {
	var r Route = route{
		name:         name,
		method:       strings.ToUpper(strings.TrimSpace(method)),
		path:         path,
		status:       status,
		experimental: experimental,
		handler:      h,
		middleware:   middleware,
	}
	for _, o := range opts {
		r = o(r)
	}
	return r
}
