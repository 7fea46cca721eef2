package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/handler"
)

// Table resolves exact request paths to handlers. It is filled at startup
// and read without locks once sealed.
type Table struct {
	paths  map[string]map[string]handler.HandlerFunc
	sealed atomic.Bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{paths: make(map[string]map[string]handler.HandlerFunc)}
}

// Add binds method and path to h. An empty method accepts any method.
func (t *Table) Add(method, path string, h handler.HandlerFunc) error {
	if t.sealed.Load() {
		return fmt.Errorf("Add %s %s: %w", method, path, errors.ErrSealed)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("Add: path %q must start with /", path)
	}
	if h == nil {
		return fmt.Errorf("Add %s %s: handler is nil", method, path)
	}
	method = strings.ToUpper(method)

	byMethod, ok := t.paths[path]
	if !ok {
		byMethod = make(map[string]handler.HandlerFunc)
		t.paths[path] = byMethod
	}
	if _, dup := byMethod[method]; dup {
		return fmt.Errorf("Add %s %s: route already registered", method, path)
	}
	byMethod[method] = h
	return nil
}

// Seal forbids further additions.
func (t *Table) Seal() {
	t.sealed.Store(true)
}

// Resolve implements handler.Resolver. A path registered for other methods
// only resolves to a 405 handler.
func (t *Table) Resolve(path string) (handler.HandlerFunc, bool) {
	byMethod, ok := t.paths[path]
	if !ok {
		return nil, false
	}
	return func(ctx *handler.Context) error {
		if h, ok := byMethod[ctx.Method]; ok {
			return h(ctx)
		}
		if ctx.Method == http.MethodHead {
			if h, ok := byMethod[http.MethodGet]; ok {
				return h(ctx)
			}
		}
		if h, ok := byMethod[""]; ok {
			return h(ctx)
		}
		ctx.Response.Header().Set("Allow", allow(byMethod))
		return ctx.String(http.StatusMethodNotAllowed, "405 method not allowed")
	}, true
}

// Paths returns the registered paths, sorted.
func (t *Table) Paths() []string {
	paths := make([]string, 0, len(t.paths))
	for p := range t.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func allow(byMethod map[string]handler.HandlerFunc) string {
	methods := make([]string, 0, len(byMethod))
	for m := range byMethod {
		if m != "" {
			methods = append(methods, m)
		}
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
