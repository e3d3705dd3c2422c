package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/calldwell/overseer/internal/event"
)

// handleEventStream serves the live workspace feed as server-sent events.
// On connect the workspace's buffered history is replayed first, then live
// events follow until the client disconnects. History replay and live
// subscription happen atomically on the bus, so no event falls in the gap.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	workspace := r.URL.Query().Get("workspace")
	if workspace == "" {
		http.Error(w, "workspace required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, live, cancel := s.bus.Subscribe(workspace)
	defer cancel()

	for _, ev := range history {
		if err := writeSSE(w, "history", ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, ev *event.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
