package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// sseChunk is one streamed data event. A terminal error carries
// finish_reason = "error" so consumers can tell "failed" from "done".
type sseChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

func sseHeaders(c echo.Context) *echo.Response {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	return resp
}

func writeEvent(resp *echo.Response, data string) error {
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// writeSSE drains the fragment channel onto the wire as "data: {json}" lines
// with a terminal "data: [DONE]". onComplete, when set, receives the full
// accumulated text after a clean finish. A channel that closes without a
// terminal fragment is a failed stream: nothing is committed.
func writeSSE(c echo.Context, fragments <-chan provider.Fragment, onComplete func(full string)) error {
	resp := sseHeaders(c)

	var full strings.Builder
	done := false
	for frag := range fragments {
		if frag.Err != nil {
			payload, _ := json.Marshal(sseChunk{FinishReason: "error", Content: frag.Err.Error()})
			_ = writeEvent(resp, string(payload))
			return nil
		}
		if frag.Done {
			done = true
			break
		}
		full.WriteString(frag.Content)
		payload, _ := json.Marshal(sseChunk{Content: frag.Content})
		if err := writeEvent(resp, string(payload)); err != nil {
			// Client went away; the upstream context cancels the generation.
			return nil
		}
	}
	if !done {
		payload, _ := json.Marshal(sseChunk{FinishReason: "error", Content: "stream interrupted"})
		_ = writeEvent(resp, string(payload))
		return nil
	}

	if onComplete != nil {
		onComplete(full.String())
	}
	return writeEvent(resp, "[DONE]")
}

// writeSSEString streams an already-complete payload as one chunk.
func writeSSEString(c echo.Context, payload string) error {
	resp := sseHeaders(c)
	data, _ := json.Marshal(sseChunk{Content: payload})
	if err := writeEvent(resp, string(data)); err != nil {
		return nil
	}
	return writeEvent(resp, "[DONE]")
}
