package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mikage/codex-pool/internal/translator"
)

// SSEScanner reads Server-Sent Events line by line.
type SSEScanner struct {
	scanner *bufio.Scanner
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line
	return &SSEScanner{scanner: s}
}

func (s *SSEScanner) Scan() bool {
	return s.scanner.Scan()
}

func (s *SSEScanner) Text() string {
	return s.scanner.Text()
}

func (s *SSEScanner) Err() error {
	return s.scanner.Err()
}

// streamPassthrough forwards the upstream stream as received, flushing on
// event boundaries.
func (r *Router) streamPassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/event-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	scanner := NewSSEScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()
}

// streamChat re-frames upstream Responses events as chat-completion chunks.
func (r *Router) streamChat(ctx context.Context, w http.ResponseWriter, resp *http.Response, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	tr := translator.NewStream(model)
	scanner := NewSSEScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		for _, frame := range tr.Feed(scanner.Text()) {
			io.WriteString(w, frame)
			flusher.Flush()
		}
	}
	for _, frame := range tr.Finish() {
		io.WriteString(w, frame)
	}
	flusher.Flush()
}

// collectChat drains the upstream stream and answers with one aggregated
// chat completion.
func (r *Router) collectChat(w http.ResponseWriter, resp *http.Response, model string) {
	completion, err := translator.CollectChatCompletion(resp.Body, model)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read upstream response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	data, _ := json.Marshal(completion)
	w.Write(data)
}
