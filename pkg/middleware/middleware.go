package middleware

import "github.com/etwodev/portmux/pkg/handler"

// Middleware defines the interface for portmux middleware that wraps handler.HandlerFunc
// and provides metadata about the middleware such as name, status, and experimental flag.
//
// This interface enables middleware management, dynamic enabling/disabling, and identification.
type Middleware interface {
	// Method returns the middleware function that wraps a handler.HandlerFunc.
	// The function signature is: func(handler.HandlerFunc) handler.HandlerFunc
	Method() func(handler.HandlerFunc) handler.HandlerFunc

	// Status returns true if the middleware is enabled, false otherwise.
	Status() bool

	// Experimental returns true if the middleware is experimental or unstable.
	Experimental() bool

	// Name returns the unique name of the middleware.
	Name() string
}

// --- Internal structs ---

type middleware struct {
	method       func(handler.HandlerFunc) handler.HandlerFunc
	name         string
	status       bool
	experimental bool
}

func (m middleware) Method() func(handler.HandlerFunc) handler.HandlerFunc {
	return m.method
}

func (m middleware) Status() bool {
	return m.status
}

func (m middleware) Experimental() bool {
	return m.experimental
}

func (m middleware) Name() string {
	return m.name
}

// --- Wrappers for extensibility ---

type MiddlewareWrapper func(m Middleware) Middleware

// --- Constructors ---

func NewMiddleware(
	method func(handler.HandlerFunc) handler.HandlerFunc,
	name string,
	status, experimental bool,
	opts ...MiddlewareWrapper,
) Middleware {
	var m Middleware = middleware{
		method:       method,
		name:         name,
		status:       status,
		experimental: experimental,
	}
	for _, o := range opts {
		m = o(m)
	}
	return m
}
