package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/metrics"
	"github.com/etwodev/portmux/pkg/pipeline"
)

// HeadFactoryFunc returns the head stages of a new connection.
type HeadFactoryFunc func() []pipeline.Stage

// EngineWrapper is the gnet event handler. Every accepted connection gets a
// pipeline.Conn whose head stages come from HeadFactory; inbound traffic
// fires the pipeline on the connection's event loop.
type EngineWrapper struct {
	gnet.BuiltinEventEngine
	Engine            gnet.Engine
	HeadFactory       HeadFactoryFunc
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	LastIdleReset     time.Time
	IdleTimeout       time.Duration
	TickInterval      time.Duration
	ActiveConnections int64
	MaxConnections    int64

	booted sync.Once
	ready  chan struct{}
	conns  sync.Map // gnet.Conn -> *pipeline.Conn
}

// Ready is closed once gnet called OnBoot.
func (e *EngineWrapper) Ready() <-chan struct{} {
	e.booted.Do(func() { e.ready = make(chan struct{}) })
	return e.ready
}

func (e *EngineWrapper) OnBoot(eng gnet.Engine) gnet.Action {
	e.Engine = eng
	e.LastIdleReset = time.Now()
	e.Ready()
	close(e.ready)
	return gnet.None
}

func (e *EngineWrapper) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if e.MaxConnections > 0 && atomic.LoadInt64(&e.ActiveConnections) >= e.MaxConnections {
		e.Metrics.ConnRejected()
		e.Logger.Warn().
			Str("Function", "OnOpen").
			Str("Remote", remote(c)).
			Int64("MaxConnections", e.MaxConnections).
			Msg("Connection limit reached")
		return nil, gnet.Close
	}
	atomic.AddInt64(&e.ActiveConnections, 1)
	e.Metrics.ConnOpened()

	pc := pipeline.New(uuid.NewString(), c, e.Logger, e.HeadFactory()...)
	c.SetContext(pc)
	e.conns.Store(c, pc)

	pc.Logger().Debug().Str("Function", "OnOpen").Msg("Connection opened")
	return nil, gnet.None
}

func (e *EngineWrapper) OnClose(c gnet.Conn, err error) gnet.Action {
	pc, ok := c.Context().(*pipeline.Conn)
	if !ok {
		return gnet.None
	}
	e.conns.Delete(c)
	atomic.AddInt64(&e.ActiveConnections, -1)
	e.Metrics.ConnClosed()

	if cerr := pc.Close(); cerr != nil {
		pc.Logger().Warn().Err(cerr).Str("Function", "OnClose").Msg("Failed releasing stages")
	}
	ev := pc.Logger().Debug()
	if err != nil {
		ev = pc.Logger().Info().Err(err)
	}
	ev.Str("Function", "OnClose").
		Str("State", pc.State().String()).
		Msg("Connection closed")
	return gnet.None
}

func (e *EngineWrapper) OnTraffic(c gnet.Conn) gnet.Action {
	pc, ok := c.Context().(*pipeline.Conn)
	if !ok {
		return gnet.Close
	}

	if err := pc.Fire(); err != nil {
		protocol := pc.Protocol()
		if protocol == "" {
			protocol = pipeline.Unclassified.String()
		}
		e.Metrics.ConnError(protocol, errorType(err))

		ev := pc.Logger().Warn()
		if !errors.Closing(err) {
			ev = pc.Logger().Error()
		}
		ev.Err(err).
			Str("Function", "OnTraffic").
			Msg("Closing connection")
		return gnet.Close
	}
	return gnet.None
}

// OnTick closes connections that stayed idle for longer than IdleTimeout.
func (e *EngineWrapper) OnTick() (time.Duration, gnet.Action) {
	interval := e.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	if e.IdleTimeout <= 0 {
		return interval, gnet.None
	}

	now := time.Now()
	e.LastIdleReset = now
	e.conns.Range(func(k, v any) bool {
		pc := v.(*pipeline.Conn)
		if pc.IdleFor(now) > e.IdleTimeout {
			pc.Logger().Debug().
				Str("Function", "OnTick").
				Dur("Idle", pc.IdleFor(now)).
				Msg("Closing idle connection")
			_ = k.(gnet.Conn).Close()
		}
		return true
	})
	return interval, gnet.None
}

// Active returns the number of open connections.
func (e *EngineWrapper) Active() int64 {
	return atomic.LoadInt64(&e.ActiveConnections)
}

func remote(c gnet.Conn) string {
	if c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, errors.ErrUnmatchedProtocol):
		return "unmatched"
	case errors.Is(err, errors.ErrTooLarge):
		return "too_large"
	case errors.Is(err, errors.ErrFraming):
		return "framing"
	case errors.Is(err, errors.ErrUnderflow):
		return "underflow"
	case errors.Is(err, errors.ErrHandlerPanic):
		return "panic"
	default:
		return "io"
	}
}
