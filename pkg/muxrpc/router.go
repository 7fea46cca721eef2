package muxrpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/panjf2000/ants/v2"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/log"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/protocol"
	"github.com/etwodev/portmux/pkg/transport"
)

// Name is the protocol and stage name.
const Name = "muxrpc"

// Options tune the muxrpc stage.
type Options struct {
	MaxFrameSize int  // Largest accepted length field (defaults to DefaultMaxFrameSize)
	Offload      bool // Run calls on the shared worker pool instead of the event loop
	LogPackets   bool // Log every inbound frame at debug level
}

// NewRouter returns the protocol router serving muxrpc frames with the
// services of the shared table.
func NewRouter(opts Options, wrappers ...protocol.RouterWrapper) protocol.Router {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return protocol.NewRouter(Name, true, false, Detect,
		func(shared *protocol.Shared, conn *pipeline.Conn) error {
			if shared == nil || shared.Services == nil {
				return fmt.Errorf("Install: %s router used before Init", Name)
			}
			conn.Install(&Stage{shared: shared, opts: opts})
			return nil
		},
		wrappers...,
	)
}

// Stage frames inbound bytes and dispatches every complete call.
type Stage struct {
	shared *protocol.Shared
	opts   Options
}

// NewStage returns a stage using shared directly, for callers assembling
// pipelines by hand.
func NewStage(shared *protocol.Shared, opts Options) *Stage {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Stage{shared: shared, opts: opts}
}

func (s *Stage) Name() string {
	return Name
}

// Handle consumes every complete frame buffered on the socket and leaves a
// partial frame in place for the next traffic event.
func (s *Stage) Handle(ctx *pipeline.Context, msg any) error {
	sock, ok := msg.(pipeline.Socket)
	if !ok {
		return ctx.Next(msg)
	}
	conn := ctx.Conn()

	for {
		if sock.InboundBuffered() < PrefixSize {
			return nil
		}
		hdr, err := sock.Peek(PrefixSize)
		if err != nil {
			return errors.Wrap(err, "Handle: peek prefix")
		}
		length, err := parsePrefix(hdr, s.opts.MaxFrameSize)
		if err != nil {
			return errors.New("frame", Name, conn.ID(), conn.RemoteAddr(), err)
		}
		total := PrefixSize + length
		if sock.InboundBuffered() < total {
			return nil
		}

		frame, err := sock.Peek(total)
		if err != nil {
			return errors.Wrap(err, "Handle: peek frame")
		}
		if s.opts.LogPackets {
			conn.Logger().Debug().
				Str("Function", "Handle").
				Int("Length", total).
				Hex("Frame", frame).
				Msg("Inbound frame")
		}

		if s.opts.Offload && s.shared.Workers != nil {
			err = s.offload(conn, sock, frame[PrefixSize:])
		} else {
			err = s.inline(conn, sock, frame[PrefixSize:])
		}
		if _, derr := sock.Discard(total); derr != nil && err == nil {
			err = errors.Wrap(derr, "Handle: discard")
		}
		if err != nil {
			return err
		}
	}
}

// inline serves body on the event loop, reading straight out of the
// socket's inbound buffer.
func (s *Stage) inline(conn *pipeline.Conn, sock pipeline.Socket, body []byte) error {
	t := transport.New(sock, bytes.NewBuffer(body))
	defer t.Release()

	if err := s.serve(conn, t); err != nil {
		return err
	}
	if t.BytesProduced() == 0 {
		return nil
	}
	if _, err := sock.Write(t.Output()); err != nil {
		return errors.Wrap(err, "inline: write reply")
	}
	return nil
}

// offload copies body and serves it on the worker pool. The reply is handed
// back to the loop with AsyncWrite.
func (s *Stage) offload(conn *pipeline.Conn, sock pipeline.Socket, body []byte) error {
	own := append([]byte(nil), body...)
	task := func() {
		t := transport.New(sock, bytes.NewBuffer(own))
		defer t.Release()

		if err := s.serve(conn, t); err != nil {
			conn.Logger().Warn().
				Err(err).
				Str("Function", "offload").
				Msg("Closing connection after a bad frame")
			_ = sock.Close()
			return
		}
		if t.BytesProduced() == 0 {
			return
		}
		out := append([]byte(nil), t.Output()...)
		if err := sock.AsyncWrite(out, nil); err != nil {
			conn.Logger().Warn().
				Err(err).
				Str("Function", "offload").
				Msg("Failed to queue reply")
		}
	}

	err := s.shared.Workers.Submit(task)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ants.ErrPoolOverload) {
		return errors.Wrap(err, "offload: submit")
	}

	s.shared.Metrics.Rejected()
	seq := uint32(0)
	if len(body) >= 5 {
		seq = binary.BigEndian.Uint32(body[1:5])
	}
	if len(body) >= 1 && Type(body[0]) == Oneway {
		return nil
	}
	reply, _ := AppendFrame(nil, &Envelope{Type: Exception, Seq: seq, Payload: []byte(errors.ErrOverloaded.Error())})
	if _, err := sock.Write(reply); err != nil {
		return errors.Wrap(err, "offload: write overload reply")
	}
	return nil
}

// serve decodes one call from t, dispatches it and leaves the reply frame
// in t's output. Framing errors are returned; dispatch errors become an
// Exception frame.
func (s *Stage) serve(conn *pipeline.Conn, t *transport.Transport) error {
	env, err := readBody(t)
	if err != nil {
		return errors.New("decode", Name, conn.ID(), conn.RemoteAddr(), err)
	}
	if env.Type != Call && env.Type != Oneway {
		return errors.New("decode", Name, conn.ID(), conn.RemoteAddr(),
			fmt.Errorf("serve: unexpected %s frame: %w", env.Type, errors.ErrFraming))
	}

	ctx := log.WithContext(context.Background(), *conn.Logger())
	if s.shared.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shared.HandlerTimeout)
		defer cancel()
	}

	var w io.Writer = t
	if env.Type == Oneway {
		w = io.Discard
	} else {
		var reserved [ReplyHeaderSize]byte
		_, _ = t.Write(reserved[:])
	}

	status := "ok"
	err = s.shared.Services.Dispatch(ctx, env.Service, env.Payload, w)
	if err != nil {
		status = "error"
		if errors.Is(err, errors.ErrUnknownService) {
			status = "unknown"
		}
		conn.Logger().Warn().
			Err(err).
			Str("Function", "serve").
			Str("Service", env.Service).
			Uint32("Seq", env.Seq).
			Msg("Call failed")
	}

	if env.Type == Call {
		if err != nil {
			t.ResetOutput()
			reply, _ := AppendFrame(nil, &Envelope{Type: Exception, Seq: env.Seq, Payload: []byte(err.Error())})
			_, _ = t.Write(reply)
		} else {
			sealReply(t.Output(), env.Seq)
		}
	}

	s.shared.Metrics.RPCCall(env.Service, status, t.BytesConsumed(), t.BytesProduced())
	return nil
}

// sealReply fills the reserved Reply header at the start of out.
func sealReply(out []byte, seq uint32) {
	copy(out[:4], Magic[:])
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)-PrefixSize))
	out[8] = byte(Reply)
	binary.BigEndian.PutUint32(out[9:13], seq)
}
