package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/httputil"
)

// streamEvents relays engine events as server-sent events. ?types= takes a
// comma-separated list of event types to keep. A client that reads too slowly
// misses events rather than stalling the engine.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	var want map[engine.EventType]bool
	if v := r.URL.Query().Get("types"); v != "" {
		want = make(map[engine.EventType]bool)
		for _, t := range strings.Split(v, ",") {
			want[engine.EventType(strings.TrimSpace(t))] = true
		}
	}

	id, events, err := s.eng.Subscribe()
	if err != nil {
		writeError(w, engine.ErrStopped)
		return
	}
	defer s.eng.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	ping := s.clock.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C():
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if want != nil && !want[ev.Type] {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			buf.Reset()
			fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", ev.Type, data)
			if _, err := w.Write(buf.Bytes()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
