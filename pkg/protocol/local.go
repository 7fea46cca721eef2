package protocol

import (
	"github.com/etwodev/portmux/pkg/pipeline"
)

// --- Function types ---

type DetectFunc func(prefix []byte) bool
type InstallFunc func(shared *Shared, conn *pipeline.Conn) error

// --- Internal structs ---

type router struct {
	name         string
	status       bool
	experimental bool
	detect       DetectFunc
	install      InstallFunc
	shared       *Shared
}

// --- Router implementation ---

func (r *router) Name() string {
	return r.name
}

func (r *router) Status() bool {
	return r.status
}

func (r *router) Experimental() bool {
	return r.experimental
}

func (r *router) Init(shared *Shared) error {
	r.shared = shared
	return nil
}

func (r *router) Detect(prefix []byte) bool {
	return r.detect(prefix)
}

func (r *router) Install(conn *pipeline.Conn) error {
	return r.install(r.shared, conn)
}

// --- Wrappers for extensibility ---

type RouterWrapper func(r Router) Router

// --- Constructors ---

// NewRouter builds a Router from a detector and an installer.
func NewRouter(
	name string,
	status, experimental bool,
	detect DetectFunc,
	install InstallFunc,
	opts ...RouterWrapper,
) Router {
	var r Router = &router{
		name:         name,
		status:       status,
		experimental: experimental,
		detect:       detect,
		install:      install,
	}
	for _, o := range opts {
		r = o(r)
	}
	return r
}
