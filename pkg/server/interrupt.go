package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type interruptRequest struct {
	SessionID string `json:"session_id"`
}

// handleInterrupt raises the session's cooperative interrupt flag and
// discards every pending tool. The step worker observes the flag at its
// next token boundary, persists any partial assistant output with an
// [INTERRUPTED] suffix, and emits the interrupted event — so this handler
// only has to raise the flag and return.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if _, err := s.getConversation(convID); err != nil {
		writeError(w, err)
		return
	}

	var req interruptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.SessionID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing session_id")
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ConversationID() != convID {
		writeErrorStatus(w, http.StatusNotFound, "session does not belong to this conversation")
		return
	}

	sess.ClearPendingTools()
	s.conversationInterrupt(sess.ID()).Raise()
	sess.SetAutoConfirmCount(0)

	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupting"})
}
