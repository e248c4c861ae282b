package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/logstore"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/session"
	"github.com/loopcore/loopcore/pkg/step"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

type stepRequest struct {
	SessionID string `json:"session_id"`
	MaxSteps  int    `json:"max_steps,omitempty"`
}

type stepResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// handleStep starts (or resumes) the step loop for a session in the
// background and returns immediately; progress is reported over the
// session's SSE event stream.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	cs, err := s.getConversation(convID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req stepRequest
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
	engine.MaxSteps = req.MaxSteps

	sess.SetGenerating(true)

	go s.runStep(sess, engine, release)

	writeJSON(w, http.StatusAccepted, stepResponse{SessionID: sess.ID(), Status: "started"})
}

// runStep drives one Engine.Run call to completion in the background,
// translating its Outcome into SSE events, and always releases the
// conversation's generating lock on return.
func (s *Server) runStep(sess *session.Session, engine *step.Engine, release func()) {
	defer release()
	defer sess.SetGenerating(false)

	outcome, err := engine.Run(context.Background())
	if err != nil {
		slog.Error("server: step failed", "session", sess.ID(), "error", err)
		sess.Emit(session.EventError, map[string]string{"error": err.Error()})
		return
	}

	switch outcome.Status {
	case step.StatusNeedsConfirm:
		pending := &session.PendingTool{
			ID:     uuid.NewString(),
			Use:    *outcome.Pending,
			Status: session.ToolStatusPending,
		}
		sess.AddPendingTool(pending)
		sess.Emit(session.EventToolPending, map[string]any{
			"tool_id":      pending.ID,
			"tooluse":      toToolUseDTO(pending.Use),
			"auto_confirm": pending.AutoConfirm,
		})
	case step.StatusInterrupted:
		sess.ClearPendingTools()
		if err := engine.Log.Append(message.New(message.RoleSystem, "Interrupted by user", time.Now)); err != nil {
			slog.Warn("server: failed to append interrupt sentinel", "session", sess.ID(), "error", err)
		}
		sess.Emit(session.EventInterrupted, nil)
	}
}

// buildEngine assembles a step.Engine for one run against this
// conversation, translating engine callbacks into the session's SSE
// events. Assistant messages are persisted by the engine before
// OnAssistant fires, so event order never gets ahead of the log.
func (s *Server) buildEngine(sess *session.Session, cs *conversationState, cfg config.ChatConfig, prov provider.Provider) *step.Engine {
	costs := s.costs.Session(sess.ID())
	if costs == nil {
		costs = s.costs.StartSession(sess.ID())
	}

	engine := &step.Engine{
		Log:            cs.log,
		Provider:       prov,
		Registry:       s.toolRegistryFor(cfg),
		Bus:            s.bus,
		Costs:          costs,
		Interrupt:      s.conversationInterrupt(sess.ID()),
		Format:         tooluse.Format(cfg.Chat.ToolFormat),
		Streaming:      cfg.Chat.Stream,
		Workspace:      cfg.Chat.Workspace,
		SessionID:      sess.ID(),
		AutoConfirm:    !cfg.Chat.Interactive,
		Confirm:        s.confirmFuncFor(sess),
		BreakOnToolUse: s.cfg.BreakOnToolUse,
	}
	if info, ok := s.providers.ModelInfo(cfg.Chat.Model); ok {
		price := cost.Price{InputPerMTok: info.InputPerMTok, OutputPerMTok: info.OutputPerMTok}
		family := cost.FamilyOpenAI
		if info.Provider == "anthropic" {
			family = cost.FamilyAnthropic
		}
		engine.CostFor = func(u message.Usage) float64 {
			return cost.Compute(price, family, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens)
		}
	}
	if s.cfg.SummaryModel != "" {
		if sp, err := s.providers.Resolve(s.cfg.SummaryModel); err == nil {
			engine.Prepare = logstore.PrepareOptions{
				SummaryThreshold: summaryCharThreshold,
				Summarizer:       providerSummarizer{prov: sp},
			}
		}
	}
	engine.OnGenerationStart = func() {
		sess.Emit(session.EventGenerationStarted, nil)
	}
	engine.OnToken = func(text string) {
		sess.Emit(session.EventGenerationProgress, map[string]string{"token": text})
	}
	engine.OnAssistant = func(m message.Message) {
		sess.Emit(session.EventGenerationComplete, map[string]any{"message": toMessageDTO(m)})
		s.maybeAutoName(cs, m)
	}
	engine.OnMessage = func(m message.Message) {
		sess.Emit(session.EventMessageAdded, map[string]any{"message": toMessageDTO(m)})
	}
	engine.OnToolExecuting = func(use tooluse.ToolUse) {
		sess.Emit(session.EventToolExecuting, map[string]string{"tool_id": uuid.NewString(), "tool": use.ToolName})
	}
	return engine
}

// confirmFuncFor adapts the session's "auto(n)" counter
// (session.Session.ConsumeAutoConfirm) into the tooluse.ConfirmFunc the
// step engine calls for every tool use it encounters: if the counter is
// still positive the tool is confirmed as-is; otherwise Confirm reports
// ok=false and Run stops with StatusNeedsConfirm so the client can answer
// out of band via POST .../tool/confirm.
func (s *Server) confirmFuncFor(sess *session.Session) tooluse.ConfirmFunc {
	return func(ctx context.Context, use tooluse.ToolUse) (string, bool, error) {
		if sess.ConsumeAutoConfirm() {
			return use.Content, true, nil
		}
		return "", false, nil
	}
}
