package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"github.com/joho/godotenv"

	"github.com/etwodev/portmux/pkg/log"
)

var CLI struct {
	Serve ServeCommand      `cmd:"" help:"Serve HTTP and muxrpc on one port."`
	Call  CallCommand       `cmd:"" help:"Call a muxrpc service."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional, PORTMUX_* variables may come from the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger := log.New(log.Options{})
		logger.Warn().Err(err).Msg("Failed reading .env")
	}

	kongCtx := kong.Parse(
		&CLI,
		kong.Name("portmux"),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`single port HTTP and RPC gateway

portmux reads the first bytes of every connection and hands it to the HTTP
stack or to the RPC router whose magic matches.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
