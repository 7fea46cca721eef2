package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/etwodev/portmux/pkg/muxrpc"
)

type CallCommand struct {
	Service string        `arg:"" required:"" help:"Service name."`
	Payload string        `arg:"" optional:"" help:"Request payload, read from stdin when '-'."`
	Addr    string        `short:"a" default:"127.0.0.1:30000" help:"Server address."`
	Timeout time.Duration `default:"5s" help:"Call deadline."`
	Oneway  bool          `help:"Send without waiting for a reply."`
	Verbose bool          `short:"v" help:"Print reply size and latency to stderr."`
}

func (c *CallCommand) Run(ctx context.Context) error {
	payload := []byte(c.Payload)
	if c.Payload == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("call: reading stdin: %w", err)
		}
		payload = b
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	client, err := muxrpc.Dial(ctx, c.Addr)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	defer client.Close()

	if c.Oneway {
		return client.Notify(ctx, c.Service, payload)
	}

	start := time.Now()
	reply, err := client.Call(ctx, c.Service, payload)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if c.Verbose {
		fmt.Fprintf(os.Stderr, "%s in %s\n", humanize.Bytes(uint64(len(reply))), time.Since(start))
	}
	_, err = os.Stdout.Write(reply)
	return err
}
