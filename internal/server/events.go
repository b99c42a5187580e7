package server

import (
	"net/http"

	"github.com/mikage/codex-pool/internal/translator"
)

// handleEvents streams the account event feed as SSE, replaying the recent
// ring before going live so a reconnecting dashboard does not miss state
// changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	sseHeaders(w)

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	for _, ev := range recent {
		w.Write([]byte(translator.FormatEvent(ev)))
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			w.Write([]byte(translator.FormatEvent(ev)))
			flusher.Flush()
		}
	}
}

// handleLogs streams captured log lines the same way. Log lines carry no
// type member, so the frames are data-only.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	sseHeaders(w)

	id, ch, recent := s.logs.Subscribe()
	defer s.logs.Unsubscribe(id)

	for _, line := range recent {
		w.Write([]byte(translator.FormatEvent(line)))
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				return
			}
			w.Write([]byte(translator.FormatEvent(line)))
			flusher.Flush()
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
