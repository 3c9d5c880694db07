package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// handleStreamEvents serves the state stream: one SSE "state" event per
// queue or engine mutation, preceded by a snapshot of the current state so
// late subscribers never start blind.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before snapshotting so no mutation can fall between the
	// initial frame and the first delivered one. Subscribe on a shut-down
	// broker returns a closed channel, so the loop below exits immediately.
	ch, unsub := s.broker.Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if err := writeSSEEvent(w, "state", string(s.sched.Snapshot())); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				// Broker shut down; tell the client before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, "state", string(snap)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so each
// segment gets its own "data:" prefix, per the SSE spec.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
