// Package service maps RPC service names to their handlers.
//
// A Table is filled once at startup, from a Source, and sealed before the
// server accepts connections. After Seal it is read without locks.
package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/etwodev/portmux/pkg/errors"
)

// Handler serves one RPC call. Reply bytes go to w, which is the call's
// transport; w is only flushed by the dispatcher after Serve returns.
type Handler interface {
	ServeRPC(ctx context.Context, payload []byte, w io.Writer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte, w io.Writer) error

func (f HandlerFunc) ServeRPC(ctx context.Context, payload []byte, w io.Writer) error {
	return f(ctx, payload, w)
}

// Registration pairs a service with its handler. Interface is the declared
// interface name; a non-blank Override replaces it as the dispatch key.
type Registration struct {
	Interface string
	Override  string
	Handler   Handler
}

// Name returns the dispatch key.
func (r Registration) Name() string {
	if o := strings.TrimSpace(r.Override); o != "" {
		return o
	}
	return r.Interface
}

// Source yields the registrations discovered at startup.
type Source interface {
	Registrations() ([]Registration, error)
}

// Static is a fixed list of registrations.
type Static []Registration

func (s Static) Registrations() ([]Registration, error) {
	return s, nil
}

// CallError is a call-level failure reported back to the caller.
type CallError struct {
	Service string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("service %q: %v", e.Service, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Table is the name → handler dispatch table.
type Table struct {
	handlers map[string]Handler
	sealed   atomic.Bool
}

// NewTable returns an empty, unsealed table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Build registers everything src yields. All duplicate names are reported
// together.
func Build(src Source) (*Table, error) {
	t := NewTable()
	if src == nil {
		return t, nil
	}

	regs, err := src.Registrations()
	if err != nil {
		return nil, fmt.Errorf("Build: discovery failed: %w", err)
	}

	var errs error
	for _, r := range regs {
		errs = multierr.Append(errs, t.Register(r.Name(), r.Handler))
	}
	if errs != nil {
		return nil, errs
	}
	return t, nil
}

// Register adds a handler under name. It fails on a duplicate name, a
// blank name, a nil handler or a sealed table.
func (t *Table) Register(name string, h Handler) error {
	if t.sealed.Load() {
		return fmt.Errorf("Register %q: %w", name, errors.ErrSealed)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("Register: service name is blank")
	}
	if h == nil {
		return fmt.Errorf("Register %q: handler is nil", name)
	}
	if _, ok := t.handlers[name]; ok {
		return fmt.Errorf("Register %q: %w", name, errors.ErrDuplicateService)
	}
	t.handlers[name] = h
	return nil
}

// Seal forbids further registration.
func (t *Table) Seal() {
	t.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Lookup returns the handler registered under name.
func (t *Table) Lookup(name string) (Handler, bool) {
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for n := range t.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered services.
func (t *Table) Len() int {
	return len(t.handlers)
}

// Dispatch invokes the handler registered under name. Unknown names,
// handler errors and handler panics come back as *CallError.
func (t *Table) Dispatch(ctx context.Context, name string, payload []byte, w io.Writer) (err error) {
	h, ok := t.Lookup(name)
	if !ok {
		return &CallError{Service: name, Err: errors.ErrUnknownService}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &CallError{Service: name, Err: fmt.Errorf("%w: %v", errors.ErrHandlerPanic, r)}
		}
	}()

	if herr := h.ServeRPC(ctx, payload, w); herr != nil {
		return &CallError{Service: name, Err: herr}
	}
	return nil
}
