package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/middleware"
	"github.com/etwodev/portmux/pkg/router"
	"github.com/etwodev/portmux/pkg/service"
)

func exampleRouter() router.Router {
	return router.NewRouter(true, []router.Route{
		router.NewRoute("ping", http.MethodGet, "/ping", true, false, ping, nil),
		router.NewRoute("echo", http.MethodPost, "/echo", true, false, echoBody, nil),
		router.NewRoute("delay", http.MethodGet, "/delay", true, false, delay, nil),
	}, nil)
}

func ping(ctx *handler.Context) error {
	return ctx.String(http.StatusOK, "pong")
}

func echoBody(ctx *handler.Context) error {
	if ct := ctx.Header.Get("Content-Type"); ct != "" {
		ctx.Response.Header().Set("Content-Type", ct)
	}
	_, err := ctx.Response.Write(ctx.Body)
	return err
}

// delay answers after ?ms=N milliseconds without holding a worker.
func delay(ctx *handler.Context) error {
	ms, err := strconv.Atoi(ctx.Param("ms"))
	if err != nil || ms < 0 {
		return ctx.String(http.StatusBadRequest, "ms must be a non-negative integer")
	}

	p := ctx.StartAsync()
	time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		if err := ctx.String(http.StatusOK, "waited "+strconv.Itoa(ms)+"ms"); err != nil {
			_ = p.Fail(err)
			return
		}
		_ = p.Complete()
	})
	return nil
}

// serverHeader stamps every response with the gateway name.
func serverHeader() middleware.Middleware {
	return middleware.NewMiddleware(func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx *handler.Context) error {
			ctx.Response.Header().Set("Server", "portmux")
			return next(ctx)
		}
	}, "server_header", true, false)
}

type upper struct{}

func (upper) ServeRPC(_ context.Context, payload []byte, w io.Writer) error {
	_, err := w.Write(bytes.ToUpper(payload))
	return err
}

func exampleServices() service.Source {
	return service.Static{
		{Interface: "Echo", Handler: service.HandlerFunc(func(_ context.Context, payload []byte, w io.Writer) error {
			_, err := w.Write(payload)
			return err
		})},
		{Interface: "example.Upper", Override: "Upper", Handler: upper{}},
	}
}
