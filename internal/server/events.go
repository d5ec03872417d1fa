package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ansoraGROUP/rlslab/internal/session"
)

const sseHeartbeatInterval = 15 * time.Second

// handleSessionEvents streams session snapshots as Server-Sent Events: the
// current one on connect, then every change.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Only the newest snapshot matters to a slow reader.
	updates := make(chan session.Snapshot, 1)
	cancel := s.sessions.Subscribe(func(snap session.Snapshot) {
		for {
			select {
			case updates <- snap:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer cancel()

	if err := writeEvent(w, s.sessions.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	ticker := s.clock.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := writeEvent(w, snap); err != nil {
				s.log.Debug("Session stream closed", "error", err)
				return
			}
		case <-ticker.Chan():
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: session\ndata: %s\n\n", payload)
	return err
}
