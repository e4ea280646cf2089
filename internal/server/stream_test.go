package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbase-ai/deepreview/internal/provider"
)

func newSSEContext(t *testing.T) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/ai_reply", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWriteSSEEmitsChunksAndDone(t *testing.T) {
	c, rec := newSSEContext(t)

	fragments := make(chan provider.Fragment, 4)
	fragments <- provider.Fragment{Content: "Hello "}
	fragments <- provider.Fragment{Content: "world"}
	fragments <- provider.Fragment{Done: true}
	close(fragments)

	var completed string
	err := writeSSE(c, fragments, func(full string) { completed = full })
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, body, `data: {"content":"Hello "}`)
	assert.Contains(t, body, `data: {"content":"world"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, "Hello world", completed)
}

func TestWriteSSETerminalError(t *testing.T) {
	c, rec := newSSEContext(t)

	fragments := make(chan provider.Fragment, 2)
	fragments <- provider.Fragment{Content: "partial"}
	fragments <- provider.Fragment{Err: assert.AnError}
	close(fragments)

	onCompleteCalled := false
	err := writeSSE(c, fragments, func(string) { onCompleteCalled = true })
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `"finish_reason":"error"`)
	assert.NotContains(t, body, "data: [DONE]", "a failed stream never reports done")
	assert.False(t, onCompleteCalled, "failed streams are not committed")
}

func TestWriteSSECloseWithoutTerminalCommitsNothing(t *testing.T) {
	c, rec := newSSEContext(t)

	fragments := make(chan provider.Fragment, 1)
	fragments <- provider.Fragment{Content: "partial sum"}
	close(fragments)

	onCompleteCalled := false
	err := writeSSE(c, fragments, func(string) { onCompleteCalled = true })
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `"finish_reason":"error"`)
	assert.NotContains(t, body, "data: [DONE]")
	assert.False(t, onCompleteCalled, "an interrupted stream is never committed")
}

func TestWriteSSEString(t *testing.T) {
	c, rec := newSSEContext(t)

	require.NoError(t, writeSSEString(c, "cached summary"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"content":"cached summary"}`)
	assert.Contains(t, body, "data: [DONE]")
}
