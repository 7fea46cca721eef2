package protocol

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/etwodev/portmux/pkg/errors"
)

// Registry is the ordered list of protocol routers. It is filled at startup,
// sealed by Init, and read without locks afterwards.
type Registry struct {
	routers []Router
	sealed  atomic.Bool
}

// NewRegistry returns a registry holding routers in the given order.
func NewRegistry(routers ...Router) *Registry {
	r := &Registry{}
	r.routers = append(r.routers, routers...)
	return r
}

// Register appends rt. It fails once the registry is sealed.
func (r *Registry) Register(rt Router) error {
	if r.sealed.Load() {
		return fmt.Errorf("Register %q: %w", rt.Name(), errors.ErrSealed)
	}
	r.routers = append(r.routers, rt)
	return nil
}

// Init initializes every router with shared and seals the registry.
func (r *Registry) Init(shared *Shared) error {
	var errs error
	for _, rt := range r.routers {
		if err := rt.Init(shared); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("Init %q: %w", rt.Name(), err))
		}
	}
	r.Seal()
	return errs
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Match returns the first router, in registration order, whose detector
// claims prefix.
func (r *Registry) Match(prefix []byte) (Router, bool) {
	for _, rt := range r.routers {
		if rt.Detect(prefix) {
			return rt, true
		}
	}
	return nil, false
}

// Routers returns the registered routers in order.
func (r *Registry) Routers() []Router {
	return append([]Router(nil), r.routers...)
}

// Len returns the number of registered routers.
func (r *Registry) Len() int {
	return len(r.routers)
}
