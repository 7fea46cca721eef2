package portmux

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/bridge"
	"github.com/etwodev/portmux/pkg/classifier"
	"github.com/etwodev/portmux/pkg/config"
	"github.com/etwodev/portmux/pkg/engine"
	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/log"
	"github.com/etwodev/portmux/pkg/metrics"
	"github.com/etwodev/portmux/pkg/middleware"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/protocol"
	"github.com/etwodev/portmux/pkg/router"
	"github.com/etwodev/portmux/pkg/service"
)

// Server accepts HTTP and framed RPC connections on one port.
type Server struct {
	routers     []router.Router         // routers loaded but not yet registered
	middlewares []middleware.Middleware // global middleware applied on all routes
	protocols   []protocol.Router       // protocol routers in registration order
	sources     []service.Source        // service discovery collaborators
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	routes   *router.Table
	services *service.Table
	registry *protocol.Registry
	workers  *ants.Pool
	engine   *engine.EngineWrapper

	prepOnce sync.Once
	prepErr  error
}

// Option allows configuring the Server during creation.
type Option func(*Server)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a new Server configured from ./portmux.config.toml.
func New(opts ...Option) *Server {
	if err := config.New(nil); err != nil {
		baseLogger := log.New(log.Options{})
		baseLogger.Fatal().Str("Function", "New").Err(err).Msg("Failed to load config")
	}

	s := &Server{
		logger: log.New(log.Options{
			Level: config.LogLevel(),
			File:  config.LogFile(),
		}),
		metrics:  metrics.New("portmux"),
		routes:   router.NewTable(),
		registry: protocol.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// LoadRouter appends routers to the server's list, deferring route registration.
func (s *Server) LoadRouter(routers []router.Router) {
	s.routers = append(s.routers, routers...)
}

// LoadMiddleware appends global middleware to be applied to all routes.
func (s *Server) LoadMiddleware(mws []middleware.Middleware) {
	s.middlewares = append(s.middlewares, mws...)
}

// LoadProtocol appends protocol routers. Earlier routers win when two
// detectors claim the same bytes.
func (s *Server) LoadProtocol(protocols []protocol.Router) {
	s.protocols = append(s.protocols, protocols...)
}

// LoadServices adds a service discovery source for RPC dispatch.
func (s *Server) LoadServices(src service.Source) {
	s.sources = append(s.sources, src)
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Logger returns the server's logger.
func (s *Server) Logger() zerolog.Logger {
	return s.logger
}

// registerRoutes registers routes and applies middleware chain for all routers and routes.
// This is called once at Start(), ensuring all routers and middleware are loaded.
func (s *Server) registerRoutes() error {
	for _, rt := range s.routers {
		if !rt.Status() {
			continue
		}

		for _, route := range rt.Routes() {
			if !route.Status() || (route.Experimental() && !config.Experimental()) {
				continue
			}

			h := route.Handler()

			// Apply route-level middleware (innermost) - RUNS LAST
			for i := len(route.Middleware()) - 1; i >= 0; i-- {
				h = route.Middleware()[i](h)
			}

			// Apply router-level middleware
			for i := len(rt.Middleware()) - 1; i >= 0; i-- {
				h = rt.Middleware()[i](h)
			}

			// Apply global middleware
			for i := len(s.middlewares) - 1; i >= 0; i-- {
				mw := s.middlewares[i]
				if mw.Status() && (!mw.Experimental() || config.Experimental()) {
					h = mw.Method()(h)
				}
			}

			// Apply root middleware (outermost) - RUNS FIRST
			if config.EnablePacketLogging() {
				h = middleware.NewLoggingMiddleware(s.logger).Method()(h)
			}

			// Log route registration
			s.logger.Debug().
				Str("Name", route.Name()).
				Str("Method", route.Method()).
				Str("Path", route.Path()).
				Bool("Experimental", route.Experimental()).
				Bool("Status", route.Status()).
				Msg("Registering route")

			if err := s.routes.Add(route.Method(), route.Path(), h); err != nil {
				return fmt.Errorf("registerRoutes: %w", err)
			}
		}
	}
	s.routes.Seal()
	return nil
}

// buildServices merges every source into one table. Duplicate names abort.
func (s *Server) buildServices() error {
	var regs service.Static
	for _, src := range s.sources {
		r, err := src.Registrations()
		if err != nil {
			return fmt.Errorf("buildServices: %w", err)
		}
		regs = append(regs, r...)
	}

	table, err := service.Build(regs)
	if err != nil {
		return fmt.Errorf("buildServices: %w", err)
	}
	table.Seal()
	s.services = table
	return nil
}

// prepare builds and seals every registry and the event handler once. Later
// calls return the first outcome.
func (s *Server) prepare() error {
	s.prepOnce.Do(func() { s.prepErr = s.build() })
	return s.prepErr
}

func (s *Server) build() error {
	if err := s.registerRoutes(); err != nil {
		return err
	}
	if err := s.buildServices(); err != nil {
		return err
	}

	for _, p := range s.protocols {
		if !p.Status() || (p.Experimental() && !config.Experimental()) {
			continue
		}
		if err := s.registry.Register(p); err != nil {
			return fmt.Errorf("build: %w", err)
		}
		s.logger.Debug().
			Str("Name", p.Name()).
			Bool("Experimental", p.Experimental()).
			Msg("Registering protocol")
	}

	workers, err := ants.NewPool(config.WorkerPoolSize(),
		ants.WithNonblocking(true),
		ants.WithLogger(log.Ants{Logger: s.logger}),
		ants.WithPanicHandler(func(r any) {
			s.logger.Error().Str("Function", "worker").Interface("Panic", r).Msg("Worker panicked")
		}),
	)
	if err != nil {
		return fmt.Errorf("build: failed creating worker pool: %w", err)
	}
	s.workers = workers

	handlerTimeout := time.Duration(config.HandlerTimeout()) * time.Second
	shared := &protocol.Shared{
		Services:       s.services,
		Workers:        workers,
		Metrics:        s.metrics,
		Logger:         s.logger,
		HandlerTimeout: handlerTimeout,
	}
	if err := s.registry.Init(shared); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	httpOpts := &bridge.Options{
		Limits: httpcodec.Limits{
			MaxInitialLine: config.MaxInitialLineLength(),
			MaxHeaderSize:  config.MaxHeaderSize(),
			MaxAggregate:   config.MaxAggregateSize(),
		},
		Resolver:       s.routes,
		Workers:        workers,
		Metrics:        s.metrics,
		HandlerTimeout: handlerTimeout,
	}
	cls := classifier.New(httpOpts.Install, s.registry, s.metrics)

	s.engine = &engine.EngineWrapper{
		HeadFactory:    func() []pipeline.Stage { return []pipeline.Stage{cls} },
		Logger:         s.logger,
		Metrics:        s.metrics,
		IdleTimeout:    time.Duration(config.IdleTimeout()) * time.Second,
		MaxConnections: int64(config.MaxConnections()),
	}
	return nil
}

// Start builds the registries and serves until Shutdown. Configuration
// errors such as duplicate service names are returned before the port is
// bound.
func (s *Server) Start() error {
	if err := s.prepare(); err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	addr := net.JoinHostPort(config.Address(), strconv.Itoa(config.Port()))

	s.logger.Info().
		Str("Address", addr).
		Bool("Experimental", config.Experimental()).
		Int("Services", s.services.Len()).
		Int("Protocols", s.registry.Len()).
		Int("Workers", config.WorkerPoolSize()).
		Str("MaxBody", humanize.IBytes(uint64(config.MaxAggregateSize()))).
		Str("MaxFrame", humanize.IBytes(uint64(config.RPCMaxFrameSize()))).
		Msg("Server starting")

	opts := []gnet.Option{
		gnet.WithMulticore(config.EnableMulticore()),
		gnet.WithNumEventLoop(config.NumEventLoop()),
		gnet.WithTicker(config.IdleTimeout() > 0),
		gnet.WithLogger(log.Gnet{Logger: s.logger}),
	}
	if config.EnableKeepAlive() {
		opts = append(opts, gnet.WithTCPKeepAlive(time.Minute))
	}

	if err := gnet.Run(s.engine, "tcp://"+addr, opts...); err != nil {
		return fmt.Errorf("Start: failed to serve on %s: %w", addr, err)
	}
	return nil
}

// Ready returns a channel closed once the listener is bound. It fails with
// the configuration error Start would return.
func (s *Server) Ready() (<-chan struct{}, error) {
	if err := s.prepare(); err != nil {
		return nil, fmt.Errorf("Ready: %w", err)
	}
	return s.engine.Ready(), nil
}

// Shutdown stops the event loops and waits for running handlers. A server
// that was never prepared cannot be started afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Warn().Str("Function", "Shutdown").Msg("Shutting server down...")
	s.prepOnce.Do(func() { s.prepErr = errors.ErrShutdown })

	if s.engine != nil {
		select {
		case <-s.engine.Ready():
			if err := s.engine.Engine.Stop(ctx); err != nil {
				return fmt.Errorf("Shutdown: %w", err)
			}
		default:
		}
	}

	if s.workers != nil {
		timeout := time.Duration(config.ShutdownTimeout()) * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := s.workers.ReleaseTimeout(timeout); err != nil {
			return fmt.Errorf("Shutdown: workers: %w", err)
		}
	}
	return nil
}
