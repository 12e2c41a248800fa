package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/percy/events"
)

// handleSSE streams core lifecycle events (build, snapshot, upload) to the
// client over Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	unsubscribe := s.percy.Bus().Subscribe(func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case ch <- data:
		default:
			// Drop event if client is slow — don't block the publisher
		}
	})
	defer unsubscribe()

	// Send connected event
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
