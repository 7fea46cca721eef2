package transport

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etwodev/portmux/pkg/errors"
)

type closeRecorder struct {
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

// wire counts every byte that reaches the "network".
type wire struct {
	closeRecorder
	written bytes.Buffer
}

func TestReadContiguous(t *testing.T) {
	in := bytes.NewBufferString("hello world")
	tr := New(nil, in)

	assert.Equal(t, 0, in.Len(), "buffer cursor moves past the snapshotted region")
	assert.Equal(t, 11, tr.Remaining())

	p := make([]byte, 5)
	n, err := tr.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(p))

	p = make([]byte, 32)
	n, err = tr.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "short read returns what is available")
	assert.Equal(t, " world", string(p[:n]))

	n, err = tr.Read(p)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 11, tr.BytesConsumed())
}

func TestReadDelegates(t *testing.T) {
	// strings.Reader exposes Len but no contiguous region.
	in := strings.NewReader("abcdef")
	tr := New(nil, in)

	p := make([]byte, 4)
	n, err := tr.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, in.Len(), "reads advance the buffer's own cursor")
	assert.Equal(t, 2, tr.Remaining())
	assert.Equal(t, 4, tr.BytesConsumed())
}

func TestReadAllUnderflow(t *testing.T) {
	cases := []struct {
		name string
		in   func() io.Reader
	}{
		{name: "contiguous", in: func() io.Reader { return bytes.NewBufferString("abc") }},
		{name: "delegated", in: func() io.Reader { return strings.NewReader("abc") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New(nil, tc.in())

			p := make([]byte, 4)
			_, err := tr.ReadAll(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrUnderflow)

			var uerr *UnderflowError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, 4, uerr.Want)
			assert.Equal(t, 3, uerr.Have)

			// Nothing was consumed: the same bytes are still readable.
			assert.Equal(t, 0, tr.BytesConsumed())
			p = make([]byte, 3)
			n, err := tr.ReadAll(p)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, "abc", string(p))
		})
	}
}

func TestReadAllExhausted(t *testing.T) {
	tr := New(nil, bytes.NewBufferString("xy"))

	_, err := tr.ReadAll(make([]byte, 2))
	require.NoError(t, err)

	_, err = tr.ReadAll(make([]byte, 1))
	assert.ErrorIs(t, err, errors.ErrUnderflow)
}

func TestWriteNeverReachesWire(t *testing.T) {
	w := &wire{}
	tr := New(w, bytes.NewBuffer(nil))

	payload := bytes.Repeat([]byte("x"), 3*DefaultOutputSize)
	n, err := tr.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, tr.Flush())

	assert.Equal(t, 0, w.written.Len(), "transport flush does not write")
	assert.Equal(t, len(payload), tr.BytesProduced())

	// Only the owning dispatcher moves bytes to the wire.
	w.written.Write(tr.Output())
	assert.Equal(t, payload, w.written.Bytes())
}

func TestResetOutput(t *testing.T) {
	tr := New(nil, bytes.NewBuffer(nil))
	_, _ = tr.Write([]byte("partial"))
	tr.ResetOutput()
	assert.Equal(t, 0, tr.BytesProduced())
	tr.Release()
	assert.Equal(t, 0, tr.BytesProduced())
}

func TestOpenClose(t *testing.T) {
	c := &closeRecorder{}
	tr := New(c, bytes.NewBuffer(nil))

	require.NoError(t, tr.Open())
	assert.True(t, tr.IsOpen())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	assert.Equal(t, 1, c.closed)
}
