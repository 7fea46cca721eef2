package pipeline_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etwodev/portmux/pkg/errors"
	"github.com/etwodev/portmux/pkg/pipeline"
	"github.com/etwodev/portmux/pkg/pipeline/pipelinetest"
)

// recorder appends every message it sees and forwards it.
type recorder struct {
	name   string
	seen   []any
	closed bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Handle(ctx *pipeline.Context, msg any) error {
	r.seen = append(r.seen, msg)
	return ctx.Next(fmt.Sprintf("%s>", r.name))
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func newConn(head ...pipeline.Stage) (*pipeline.Conn, *pipelinetest.Socket) {
	sock := pipelinetest.NewSocket()
	return pipeline.New("c1", sock, zerolog.Nop(), head...), sock
}

func TestFireRunsStagesInOrder(t *testing.T) {
	a, b := &recorder{name: "a"}, &recorder{name: "b"}
	conn, sock := newConn(a)
	conn.Install(b)

	require.NoError(t, conn.Fire())

	require.Len(t, a.seen, 1)
	assert.Same(t, sock, a.seen[0], "head stage receives the socket")
	assert.Equal(t, []any{"a>"}, b.seen)
	assert.Equal(t, []string{"a", "b"}, conn.Stages())
}

func TestRemove(t *testing.T) {
	a, b, c := &recorder{name: "a"}, &recorder{name: "b"}, &recorder{name: "c"}
	conn, _ := newConn(a, b, c)

	assert.True(t, conn.Remove("b"))
	assert.False(t, conn.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, conn.Stages())
}

func TestClassifyOnce(t *testing.T) {
	conn, _ := newConn()
	assert.Equal(t, pipeline.Unclassified, conn.State())

	require.NoError(t, conn.Classify(pipeline.RPC, "muxrpc"))
	assert.Equal(t, pipeline.RPC, conn.State())
	assert.Equal(t, "muxrpc", conn.Protocol())

	err := conn.Classify(pipeline.HTTP, "http")
	assert.ErrorIs(t, err, errors.ErrAlreadyClassified)
	assert.Equal(t, pipeline.RPC, conn.State(), "outcome never changes once set")

	assert.Error(t, conn.Classify(pipeline.Unclassified, ""))
}

type panicker struct{}

func (panicker) Name() string                        { return "panicker" }
func (panicker) Handle(*pipeline.Context, any) error { panic("stage bug") }

func TestFireRecoversPanics(t *testing.T) {
	conn, _ := newConn(panicker{})
	err := conn.Fire()
	assert.ErrorIs(t, err, errors.ErrHandlerPanic)
}

func TestCloseReleasesStagesOnce(t *testing.T) {
	a := &recorder{name: "a"}
	conn, _ := newConn(a)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, a.closed)
	assert.True(t, conn.Closed())
}

func TestIdleFor(t *testing.T) {
	conn, _ := newConn()
	conn.Touch()
	assert.Less(t, conn.IdleFor(time.Now()), time.Second)
	assert.Greater(t, conn.IdleFor(time.Now().Add(time.Minute)), 59*time.Second)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "http", pipeline.HTTP.String())
	assert.Equal(t, "unmatched", pipeline.Unmatched.String())
}

func TestLoggerTagsProtocolWhileRead(t *testing.T) {
	var buf bytes.Buffer
	conn := pipeline.New("c1", pipelinetest.NewSocket(), zerolog.New(&buf))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = conn.Logger().GetLevel()
		}
	}()
	require.NoError(t, conn.Classify(pipeline.RPC, "muxrpc"))
	<-done

	conn.Logger().Info().Msg("tagged")
	assert.Contains(t, buf.String(), `"Protocol":"muxrpc"`)
	assert.Contains(t, buf.String(), `"ConnID":"c1"`)
}
