package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/session"
)

type confirmAction string

const (
	actionConfirm confirmAction = "confirm"
	actionEdit    confirmAction = "edit"
	actionSkip    confirmAction = "skip"
	actionAuto    confirmAction = "auto"
)

type toolConfirmRequest struct {
	SessionID string        `json:"session_id"`
	ToolID    string        `json:"tool_id"`
	Action    confirmAction `json:"action"`
	Content   string        `json:"content,omitempty"`
	Count     int           `json:"count,omitempty"`
}

// handleToolConfirm answers a tool awaiting confirmation: confirm runs it
// as parsed, edit substitutes Content first,
// skip records a refusal and resumes the loop without running it, and
// auto(n) both confirms this tool and pre-authorizes the next n.
func (s *Server) handleToolConfirm(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	cs, err := s.getConversation(convID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req toolConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
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

	pending, ok := sess.TakePendingTool(req.ToolID)
	if !ok {
		writeError(w, ErrToolNotPending)
		return
	}

	if req.Action == actionAuto && req.Count > 0 {
		sess.SetAutoConfirmCount(req.Count)
	}

	if req.Action == actionSkip {
		notice := message.New(message.RoleSystem,
			fmt.Sprintf("Skipped tool %s", pending.Use.ToolName), time.Now)
		if err := cs.log.Append(notice); err != nil {
			writeError(w, fmt.Errorf("server: append skip notice: %w", err))
			return
		}
		sess.Emit(session.EventMessageAdded, map[string]any{"message": toMessageDTO(notice)})
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		s.resumeStep(sess, cs)
		return
	}

	use := pending.Use
	if req.Action == actionEdit {
		use.Content = req.Content
	}

	release, ok := s.sessions.TryAcquireGenerating(convID)
	if !ok {
		writeErrorStatus(w, http.StatusConflict, "generation already in progress for this conversation")
		return
	}

	cs.cfgMu.Lock()
	cfg := cs.cfg
	cs.cfgMu.Unlock()

	prov, err := s.providers.Resolve(cfg.Chat.Model)
	if err != nil {
		release()
		writeError(w, err)
		return
	}

	engine := s.buildEngine(sess, cs, cfg, prov)

	// The client already knows this tool by pending.ID, so the executing
	// event for it reuses that ID instead of the fresh ones the engine
	// allocates for auto-confirmed continuations.
	onExec := engine.OnToolExecuting
	engine.OnToolExecuting = nil
	sess.Emit(session.EventToolExecuting, map[string]string{"tool_id": pending.ID, "tool": use.ToolName})

	if err := engine.ResumeConfirmed(r.Context(), use); err != nil {
		release()
		slog.Error("server: resume confirmed tool failed", "session", sess.ID(), "error", err)
		sess.Emit(session.EventError, map[string]string{"error": err.Error()})
		writeError(w, fmt.Errorf("server: resume tool: %w", err))
		return
	}

	if req.Action == actionEdit {
		modified := message.New(message.RoleSystem, "(Modified by user)", time.Now)
		modified.CallID = use.CallID
		if err := cs.log.Append(modified); err != nil {
			slog.Warn("server: failed to record tool edit notice", "error", err)
		} else {
			sess.Emit(session.EventMessageAdded, map[string]any{"message": toMessageDTO(modified)})
		}
	}

	engine.OnToolExecuting = onExec
	sess.SetGenerating(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
	go s.runStep(sess, engine, release)
}

// resumeStep kicks off a fresh step loop after a skip, since skipping a
// tool still needs the engine to continue the conversation forward.
func (s *Server) resumeStep(sess *session.Session, cs *conversationState) {
	release, ok := s.sessions.TryAcquireGenerating(cs.id)
	if !ok {
		return
	}

	cs.cfgMu.Lock()
	cfg := cs.cfg
	cs.cfgMu.Unlock()

	prov, err := s.providers.Resolve(cfg.Chat.Model)
	if err != nil {
		release()
		return
	}

	engine := s.buildEngine(sess, cs, cfg, prov)
	sess.SetGenerating(true)
	go s.runStep(sess, engine, release)
}
