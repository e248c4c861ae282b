package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopcore/loopcore/pkg/session"
)

// handleEvents is the SSE stream for one session: GET
// .../conversations/{id}/events?session_id=... . It replays the session's
// event backlog before switching to live delivery, and interleaves a ping
// every 15s so idle proxies don't time the connection out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing session_id")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ConversationID() != convID {
		writeErrorStatus(w, http.StatusNotFound, "session does not belong to this conversation")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess.AddClient()
	defer sess.RemoveClient()

	subID, ch, backlog := sess.Subscribe()
	defer sess.Unsubscribe(subID)

	if err := writeSSE(w, session.Event{Type: session.EventConnected, Payload: map[string]string{"session_id": sessionID}}); err != nil {
		return
	}
	flusher.Flush()

	for _, ev := range backlog {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, session.Event{Type: session.EventPing}); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE renders one event as an SSE data frame whose JSON object
// carries the type discriminator alongside the payload fields, so clients
// only have to parse the data line.
func writeSSE(w http.ResponseWriter, ev session.Event) error {
	frame := map[string]any{"type": string(ev.Type), "seq": ev.Seq}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("server: marshal event payload: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err == nil {
			for k, v := range fields {
				if k != "type" && k != "seq" {
					frame[k] = v
				}
			}
		} else {
			frame["payload"] = json.RawMessage(raw)
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("server: marshal event frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
