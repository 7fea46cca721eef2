package protocol

import (
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/metrics"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/service"
)

// Shared is the process-wide context every router is initialized with.
type Shared struct {
	Services       *service.Table
	Workers        *ants.Pool
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	HandlerTimeout time.Duration
}

// Router recognises one non-HTTP protocol from the leading bytes of a
// connection and installs the stages that serve it.
type Router interface {
	// Name identifies the protocol in logs, metrics and the connection state.
	Name() string

	// Status indicates whether this router is currently active.
	Status() bool

	// Experimental indicates if the router is experimental.
	Experimental() bool

	// Init is called once, before serving, with the shared context.
	Init(shared *Shared) error

	// Detect reports whether prefix starts this protocol. prefix holds at
	// least two bytes; routers that need more must answer from what they
	// have and validate the rest in their own stages.
	Detect(prefix []byte) bool

	// Install appends the router's stages to conn.
	Install(conn *pipeline.Conn) error
}
