package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/logstore"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/session"
)

type createConversationRequest struct {
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	ToolFormat string   `json:"tool_format,omitempty"`
	Workspace  string   `json:"workspace,omitempty"`
	Messages   []struct {
		Role    message.Role `json:"role"`
		Content string       `json:"content"`
	} `json:"messages,omitempty"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir := s.conversationDir(id)

	if _, err := os.Stat(dir); err == nil {
		writeError(w, ErrConversationExists)
		return
	}

	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	cfg := config.DefaultChatConfig(model)
	if len(req.Tools) > 0 {
		cfg.Chat.Tools = req.Tools
	}
	if req.ToolFormat != "" {
		cfg.Chat.ToolFormat = req.ToolFormat
	}
	cfg.Chat.Workspace = req.Workspace

	log, err := logstore.Open(dir)
	if err != nil {
		writeError(w, fmt.Errorf("server: open log: %w", err))
		return
	}
	if err := log.Append(s.buildSystemPrompt(cfg)); err != nil {
		writeError(w, fmt.Errorf("server: append system prompt: %w", err))
		return
	}
	for _, m := range req.Messages {
		if err := log.Append(message.New(m.Role, m.Content, time.Now)); err != nil {
			writeError(w, fmt.Errorf("server: append initial message: %w", err))
			return
		}
	}
	if err := config.SaveChatConfig(dir, cfg); err != nil {
		writeError(w, err)
		return
	}

	cs := &conversationState{id: id, log: log, dir: dir, cfg: cfg}
	s.mu.Lock()
	s.conversations[id] = cs
	s.mu.Unlock()

	sess, err := s.sessions.Create(r.Context(), id, cs.log.Messages, cs.log.Append)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createConversationResponse{ConversationID: id, SessionID: sess.ID()})
}

type conversationSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	entries, err := os.ReadDir(s.cfg.LogsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []conversationSummary{})
			return
		}
		writeError(w, fmt.Errorf("server: list conversations: %w", err))
		return
	}

	var summaries []conversationSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		info, err := e.Info()
		if err != nil {
			continue
		}
		cfg, err := config.LoadChatConfig(s.conversationDir(id), s.cfg.DefaultModel)
		if err != nil {
			continue
		}
		count := 0
		if cs, err := s.getConversation(id); err == nil {
			count = len(cs.log.Messages())
		}
		summaries = append(summaries, conversationSummary{
			ID:           id,
			Name:         cfg.Chat.Name,
			Model:        cfg.Chat.Model,
			MessageCount: count,
			UpdatedAt:    info.ModTime(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.getConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTOs(cs.log.Messages()))
}

type appendMessageRequest struct {
	Role    message.Role `json:"role"`
	Content string       `json:"content"`
	Files   []string     `json:"files,omitempty"`
	Branch  string       `json:"branch,omitempty"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.getConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m := message.New(req.Role, req.Content, time.Now)
	for _, f := range req.Files {
		m.Files = append(m.Files, message.ClassifyFileRef(f))
	}

	target := cs.log
	if req.Branch != "" {
		branchLog, err := logstore.OpenBranch(cs.dir, req.Branch)
		if err != nil {
			writeError(w, fmt.Errorf("server: open branch: %w", err))
			return
		}
		target = branchLog
	}
	if err := target.Append(m); err != nil {
		writeError(w, fmt.Errorf("server: append message: %w", err))
		return
	}

	for _, sess := range s.sessions.ByConversation(id) {
		sess.Emit(session.EventMessageAdded, map[string]any{"message": toMessageDTO(m)})
	}

	writeJSON(w, http.StatusOK, toMessageDTO(m))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir := s.conversationDir(id)
	if _, err := os.Stat(dir); err != nil {
		writeError(w, ErrConversationNotFound)
		return
	}

	for _, sess := range s.sessions.ByConversation(id) {
		_ = s.sessions.Close(r.Context(), sess.ID())
		s.dropInterrupt(sess.ID())
	}

	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		writeError(w, fmt.Errorf("server: delete conversation: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.getConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	cs.cfgMu.Lock()
	defer cs.cfgMu.Unlock()
	writeJSON(w, http.StatusOK, cs.cfg.Chat)
}

type patchConfigRequest struct {
	Name        *string   `json:"name,omitempty"`
	Model       *string   `json:"model,omitempty"`
	Tools       *[]string `json:"tools,omitempty"`
	ToolFormat  *string   `json:"tool_format,omitempty"`
	Stream      *bool     `json:"stream,omitempty"`
	Interactive *bool     `json:"interactive,omitempty"`
	Workspace   *string   `json:"workspace,omitempty"`
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.getConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req patchConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cs.cfgMu.Lock()
	var changed []string
	if req.Name != nil {
		cs.cfg.Chat.Name = *req.Name
		cs.cfg.Chat.RenamedByUser = true
		changed = append(changed, "name")
	}
	if req.Model != nil {
		cs.cfg.Chat.Model = *req.Model
		changed = append(changed, "model")
	}
	if req.Tools != nil {
		cs.cfg.Chat.Tools = *req.Tools
		changed = append(changed, "tools")
	}
	if req.ToolFormat != nil {
		cs.cfg.Chat.ToolFormat = *req.ToolFormat
		changed = append(changed, "tool_format")
	}
	if req.Stream != nil {
		cs.cfg.Chat.Stream = *req.Stream
		changed = append(changed, "stream")
	}
	if req.Interactive != nil {
		cs.cfg.Chat.Interactive = *req.Interactive
		changed = append(changed, "interactive")
	}
	if req.Workspace != nil {
		cs.cfg.Chat.Workspace = *req.Workspace
		changed = append(changed, "workspace")
	}
	cfgCopy := cs.cfg
	cs.cfgMu.Unlock()

	if err := config.SaveChatConfig(cs.dir, cfgCopy); err != nil {
		writeError(w, err)
		return
	}

	msgs := cs.log.Messages()
	if len(msgs) > 0 && msgs[0].Role == message.RoleSystem {
		if err := cs.log.ReplaceAt(0, s.buildSystemPrompt(cfgCopy)); err != nil {
			writeError(w, fmt.Errorf("server: regenerate system prompt: %w", err))
			return
		}
	}

	for _, sess := range s.sessions.ByConversation(id) {
		sess.Emit(session.EventConfigChanged, map[string]any{"config": cfgCopy.Chat, "changed_fields": changed})
	}

	writeJSON(w, http.StatusOK, cfgCopy.Chat)
}

// buildSystemPrompt regenerates the conversation's leading system message
// from its current config: model, tool format, and the names of every tool
// available under that config's allowlist.
func (s *Server) buildSystemPrompt(cfg config.ChatConfig) message.Message {
	reg := s.toolRegistryFor(cfg)
	var names []string
	for _, spec := range reg.Specs() {
		names = append(names, spec.Name)
	}

	var b strings.Builder
	b.WriteString("You are a helpful assistant with access to tools.\n\n")
	fmt.Fprintf(&b, "Model: %s\n", cfg.Chat.Model)
	fmt.Fprintf(&b, "Tool-use format: %s\n", cfg.Chat.ToolFormat)
	if len(names) > 0 {
		b.WriteString("Available tools: " + strings.Join(names, ", ") + "\n")
	}
	for _, spec := range reg.Specs() {
		if spec.Instructions == "" {
			continue
		}
		b.WriteString("\n" + spec.Instructions + "\n")
	}

	return message.New(message.RoleSystem, b.String(), time.Now)
}
