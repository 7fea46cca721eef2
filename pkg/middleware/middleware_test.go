package middleware

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/httpcodec"
	"github.com/etwodev/portmux/pkg/log"
	"github.com/etwodev/portmux/pkg/pipeline/pipelinetest"
)

func TestLoggingMiddlewareInjectsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader("GET /ping?x=1 HTTP/1.1\r\n\r\n")))
	require.NoError(t, err)
	resp := httpcodec.NewResponse(pipelinetest.NewSocket(), http.MethodGet, true, true)
	ctx := handler.NewContext(context.Background(), "c9", &httpcodec.FullRequest{Request: req}, resp)

	var injected bool
	mw := NewLoggingMiddleware(logger)
	h := mw.Method()(func(ctx *handler.Context) error {
		l := log.FromContext(ctx.Context)
		injected = l.GetLevel() != zerolog.Disabled
		l.Info().Msg("inside")
		return ctx.String(http.StatusTeapot, "short and stout")
	})
	require.NoError(t, h(ctx))

	assert.True(t, injected)
	assert.Equal(t, "inject_logger", mw.Name())
	assert.True(t, mw.Status())

	out := buf.String()
	assert.Contains(t, out, `"message":"inside"`)
	assert.Contains(t, out, `"ConnID":"c9"`)
	assert.Contains(t, out, `"URI":"/ping?x=1"`)
	assert.Contains(t, out, `"Status":418`)
}

func TestNewMiddlewareWrappers(t *testing.T) {
	var order []string
	m := NewMiddleware(nil, "noop", false, true,
		func(m Middleware) Middleware { order = append(order, "first"); return m },
		func(m Middleware) Middleware { order = append(order, "second"); return m },
	)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, m.Status())
	assert.True(t, m.Experimental())
}
