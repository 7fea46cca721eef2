package router

import "github.com/etwodev/portmux/pkg/handler"

// Router groups HTTP routes under shared middleware and can be switched
// off as a whole.
type Router interface {
	// Routes returns all registered routes in the router.
	Routes() []Route

	// Status indicates whether this router is currently active.
	Status() bool

	// Middleware returns router-level middleware applied to all routes.
	// Middleware wraps the handler with additional behavior.
	Middleware() []func(handler.HandlerFunc) handler.HandlerFunc
}

// Route binds a request path to a handler.
type Route interface {
	// Path returns the exact request path this route serves.
	Path() string

	// Method returns the HTTP method this route accepts. Empty accepts any.
	Method() string

	// Name returns the name of the route, useful for logging.
	Name() string

	// Handler returns the handler.HandlerFunc for this path.
	Handler() handler.HandlerFunc

	// Status indicates whether the route is enabled.
	Status() bool

	// Experimental indicates if the route is experimental.
	Experimental() bool

	// Middleware returns middleware applied only to this route.
	Middleware() []func(handler.HandlerFunc) handler.HandlerFunc
}
