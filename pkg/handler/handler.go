package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/log"
)

// HandlerFunc serves one HTTP request. A returned error becomes a 500 when
// nothing was sent yet.
type HandlerFunc func(ctx *Context) error

// Resolver maps a request path to a handler.
type Resolver interface {
	Resolve(path string) (HandlerFunc, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(path string) (HandlerFunc, bool)

func (f ResolverFunc) Resolve(path string) (HandlerFunc, bool) {
	return f(path)
}

// Context carries one request and its response sink.
type Context struct {
	Context context.Context

	Method     string
	URI        string
	Path       string
	RawQuery   string
	Params     map[string][]string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	ConnID     string

	Request  *http.Request
	Response *httpcodec.Response

	mu      sync.Mutex
	attrs   map[string]any
	pending *Pending
	finish  func(err error) error
}

// NewContext builds the context for req. finish is called exactly once by
// the Pending token of an asynchronous handler.
func NewContext(ctx context.Context, connID string, req *httpcodec.FullRequest, resp *httpcodec.Response) *Context {
	path, rawQuery := SplitURI(req.Request.RequestURI)
	return &Context{
		Context:    ctx,
		Method:     req.Request.Method,
		URI:        req.Request.RequestURI,
		Path:       path,
		RawQuery:   rawQuery,
		Params:     ParseQuery(rawQuery),
		Header:     req.Request.Header,
		Body:       req.Body,
		RemoteAddr: req.Request.RemoteAddr,
		ConnID:     connID,
		Request:    req.Request,
		Response:   resp,
	}
}

// Cookies returns the cookies sent with the request.
func (c *Context) Cookies() []*http.Cookie {
	if c.Request == nil {
		return nil
	}
	return c.Request.Cookies()
}

// Cookie returns the value of the named request cookie.
func (c *Context) Cookie(name string) (string, bool) {
	if c.Request == nil {
		return "", false
	}
	ck, err := c.Request.Cookie(name)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

// Param returns the first value of the query parameter key.
func (c *Context) Param(key string) string {
	if v := c.Params[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set stores an attribute for the lifetime of the request.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = value
}

// Get returns an attribute stored with Set.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Logger returns the logger carried by the request context.
func (c *Context) Logger() zerolog.Logger {
	return log.FromContext(c.Context)
}

// String writes a plain text body with status code.
func (c *Context) String(code int, body string) error {
	if c.Response.Header().Get("Content-Type") == "" {
		c.Response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	c.Response.WriteHeader(code)
	_, err := c.Response.WriteString(body)
	return err
}

// OnFinish sets the function that completes the response. It is called by
// the bridge before the handler runs.
func (c *Context) OnFinish(fn func(err error) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish = fn
}

// StartAsync switches the request to asynchronous completion. The response
// is left open when the handler returns and is completed through the
// returned token. Repeated calls return the same token.
func (c *Context) StartAsync() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = newPending(c.finish)
	}
	return c.pending
}

// Pending returns the token created by StartAsync, or nil.
func (c *Context) Pending() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SplitURI splits a request URI into its unescaped path and raw query.
func SplitURI(uri string) (path, rawQuery string) {
	path, rawQuery, _ = strings.Cut(uri, "?")
	if u, err := url.ParseRequestURI(uri); err == nil && u.Path != "" {
		path = u.Path
	} else if p, err := url.PathUnescape(path); err == nil {
		path = p
	}
	return path, rawQuery
}

// ParseQuery splits a raw query on '&' and every parameter on its first
// '='. Repeated keys collect their values in order. Empty parameters are
// skipped and a parameter without '=' has an empty value.
func ParseQuery(rawQuery string) map[string][]string {
	params := make(map[string][]string)
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = unescape(key)
		params[key] = append(params[key], unescape(value))
	}
	return params
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
