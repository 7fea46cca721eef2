package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etwodev/portmux"
	"github.com/etwodev/portmux/pkg/config"
	"github.com/etwodev/portmux/pkg/middleware"
	"github.com/etwodev/portmux/pkg/muxrpc"
	"github.com/etwodev/portmux/pkg/protocol"
	"github.com/etwodev/portmux/pkg/router"
)

type ServeCommand struct {
	Config   string `short:"c" default:"./portmux.config.toml" type:"path" help:"Configuration file, created with defaults when missing."`
	Examples bool   `default:"true" negatable:"" help:"Register the example routes and services."`
}

func (c *ServeCommand) Run(ctx context.Context) error {
	if err := config.Load(c.Config, nil); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	s := portmux.New()
	logger := s.Logger()

	s.LoadProtocol([]protocol.Router{
		muxrpc.NewRouter(muxrpc.Options{
			MaxFrameSize: config.RPCMaxFrameSize(),
			Offload:      config.RPCOffload(),
			LogPackets:   config.EnablePacketLogging(),
		}),
	})
	if c.Examples {
		s.LoadMiddleware([]middleware.Middleware{serverHeader()})
		s.LoadRouter([]router.Router{exampleRouter()})
		s.LoadServices(exampleServices())
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(s.Start)

	var metricsServer *http.Server
	if addr := config.MetricsAddress(); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.Metrics().Handler())
		metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info().Str("Address", addr).Msg("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownTimeout())*time.Second)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Str("Function", "Shutdown").Msg("Metrics shutdown failed")
			}
		}
		return s.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("portmux terminated with error")
		return err
	}
	logger.Info().Msg("portmux stopped")
	return nil
}
