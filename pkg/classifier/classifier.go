// Package classifier provides the head stage of every new connection. It
// peeks at the leading bytes, picks HTTP or a registered protocol router,
// installs the matching stages and removes itself.
package classifier

import (
	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/metrics"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/protocol"
)

const (
	// Name is the stage name of the classifier.
	Name = "classifier"

	// MinPrefix is the number of bytes needed before a decision is made.
	MinPrefix = 2

	// MaxPrefix bounds the prefix handed to protocol routers.
	MaxPrefix = 8
)

// httpPrefixes are the first two letters of GET, POST, PUT, HEAD, OPTIONS,
// PATCH, DELETE, TRACE and CONNECT.
var httpPrefixes = [...][2]byte{
	{'G', 'E'},
	{'P', 'O'},
	{'P', 'U'},
	{'H', 'E'},
	{'O', 'P'},
	{'P', 'A'},
	{'D', 'E'},
	{'T', 'R'},
	{'C', 'O'},
}

// IsHTTP reports whether the first two bytes of prefix start an HTTP method.
func IsHTTP(prefix []byte) bool {
	if len(prefix) < MinPrefix {
		return false
	}
	for _, p := range httpPrefixes {
		if prefix[0] == p[0] && prefix[1] == p[1] {
			return true
		}
	}
	return false
}

// InstallFunc appends the stages serving a classified connection.
type InstallFunc func(conn *pipeline.Conn) error

// Classifier is stateless and shared by every connection of a server.
type Classifier struct {
	http     InstallFunc
	registry *protocol.Registry
	metrics  *metrics.Metrics
}

// New returns a classifier that installs the HTTP chain with http and asks
// registry for everything else. registry and m may be nil.
func New(http InstallFunc, registry *protocol.Registry, m *metrics.Metrics) *Classifier {
	if registry == nil {
		registry = protocol.NewRegistry()
	}
	return &Classifier{http: http, registry: registry, metrics: m}
}

func (c *Classifier) Name() string {
	return Name
}

// Handle expects the connection socket. It returns nil without consuming
// anything while fewer than MinPrefix bytes are buffered.
func (c *Classifier) Handle(ctx *pipeline.Context, msg any) error {
	sock, ok := msg.(pipeline.Socket)
	if !ok {
		return ctx.Next(msg)
	}

	n := sock.InboundBuffered()
	if n < MinPrefix {
		return nil
	}
	if n > MaxPrefix {
		n = MaxPrefix
	}
	prefix, err := sock.Peek(n)
	if err != nil {
		return errors.Wrap(err, "Handle: peek")
	}

	conn := ctx.Conn()

	if IsHTTP(prefix) && c.http != nil {
		return c.switchTo(conn, pipeline.HTTP, "http", c.http)
	}

	if rt, ok := c.registry.Match(prefix); ok {
		return c.switchTo(conn, pipeline.RPC, rt.Name(), rt.Install)
	}

	if err := conn.Classify(pipeline.Unmatched, "unmatched"); err != nil {
		return err
	}
	c.metrics.Classified(pipeline.Unmatched.String(), "unmatched")
	conn.Logger().Warn().
		Str("Function", "Handle").
		Hex("Prefix", prefix).
		Msg("No protocol matched the connection prefix")
	return errors.New("classify", "", conn.ID(), conn.RemoteAddr(), errors.ErrUnmatchedProtocol)
}

func (c *Classifier) switchTo(conn *pipeline.Conn, state pipeline.State, name string, install InstallFunc) error {
	if err := conn.Classify(state, name); err != nil {
		return err
	}
	conn.Remove(Name)
	if err := install(conn); err != nil {
		return errors.New("install", name, conn.ID(), conn.RemoteAddr(), err)
	}
	c.metrics.Classified(state.String(), name)
	conn.Logger().Debug().
		Str("Function", "switchTo").
		Strs("Stages", conn.Stages()).
		Msg("Connection classified")
	return conn.Fire()
}
