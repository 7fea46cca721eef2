package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/etwodev/portmux/pkg/errors"
)

var echo = HandlerFunc(func(_ context.Context, payload []byte, w io.Writer) error {
	_, err := w.Write(payload)
	return err
})

func TestDispatch(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("Echo", echo))
	table.Seal()

	var out bytes.Buffer
	require.NoError(t, table.Dispatch(context.Background(), "Echo", []byte("hi"), &out))
	assert.Equal(t, "hi", out.String())
}

func TestDispatchUnknownService(t *testing.T) {
	table := NewTable()
	table.Seal()

	err := table.Dispatch(context.Background(), "Missing", nil, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownService)

	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Missing", cerr.Service)
}

func TestDispatchHandlerFailure(t *testing.T) {
	boom := fmt.Errorf("boom")
	table := NewTable()
	require.NoError(t, table.Register("Fail", HandlerFunc(func(context.Context, []byte, io.Writer) error {
		return boom
	})))
	require.NoError(t, table.Register("Panic", HandlerFunc(func(context.Context, []byte, io.Writer) error {
		panic("kaboom")
	})))

	err := table.Dispatch(context.Background(), "Fail", nil, io.Discard)
	assert.ErrorIs(t, err, boom)

	err = table.Dispatch(context.Background(), "Panic", nil, io.Discard)
	assert.ErrorIs(t, err, errors.ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRegisterDuplicate(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("Echo", echo))

	err := table.Register("Echo", echo)
	assert.ErrorIs(t, err, errors.ErrDuplicateService)
}

func TestRegisterSealed(t *testing.T) {
	table := NewTable()
	table.Seal()
	assert.ErrorIs(t, table.Register("Echo", echo), errors.ErrSealed)
	assert.True(t, table.Sealed())
}

func TestRegisterInvalid(t *testing.T) {
	table := NewTable()
	assert.Error(t, table.Register("  ", echo))
	assert.Error(t, table.Register("Echo", nil))
	assert.Equal(t, 0, table.Len())
}

func TestBuildReportsEveryDuplicate(t *testing.T) {
	src := Static{
		{Interface: "a.Echo", Handler: echo},
		{Interface: "a.Echo", Handler: echo},
		{Interface: "b.Time", Override: "Clock", Handler: echo},
		{Interface: "c.Clock", Override: "Clock", Handler: echo},
	}

	table, err := Build(src)
	require.Error(t, err)
	assert.Nil(t, table)
	assert.ErrorIs(t, err, errors.ErrDuplicateService)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestBuildOverrideName(t *testing.T) {
	table, err := Build(Static{
		{Interface: "svc.EchoService", Override: "Echo", Handler: echo},
		{Interface: "svc.Clock", Handler: echo},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo", "svc.Clock"}, table.Names())

	_, ok := table.Lookup("svc.EchoService")
	assert.False(t, ok)
}

type failingSource struct{}

func (failingSource) Registrations() ([]Registration, error) {
	return nil, fmt.Errorf("scan failed")
}

func TestBuildSourceError(t *testing.T) {
	_, err := Build(failingSource{})
	assert.ErrorContains(t, err, "scan failed")
}
