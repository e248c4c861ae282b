package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/session"
)

const maxAutoNameLen = 50

// maybeAutoName kicks off a background naming request after an assistant
// message lands, if the conversation still has no name and the user hasn't
// renamed it themselves. Best-effort: a failed naming call is logged and
// forgotten, never surfaced to the conversation.
func (s *Server) maybeAutoName(cs *conversationState, assistant message.Message) {
	cs.cfgMu.Lock()
	if cs.cfg.Chat.Name != "" || cs.cfg.Chat.RenamedByUser || cs.namingInFlight {
		cs.cfgMu.Unlock()
		return
	}
	cs.namingInFlight = true
	model := cs.cfg.Chat.Model
	cs.cfgMu.Unlock()

	go s.autoName(cs, model, assistant)
}

func (s *Server) autoName(cs *conversationState, model string, assistant message.Message) {
	defer func() {
		cs.cfgMu.Lock()
		cs.namingInFlight = false
		cs.cfgMu.Unlock()
	}()

	if s.cfg.SummaryModel != "" {
		model = s.cfg.SummaryModel
	}
	prov, err := s.providers.Resolve(model)
	if err != nil {
		slog.Warn("server: auto-name: no provider", "model", model, "error", err)
		return
	}

	var firstUser string
	for _, m := range cs.log.Messages() {
		if m.Role == message.RoleUser {
			firstUser = m.Content
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	prompt := []message.Message{
		message.New(message.RoleSystem,
			"Summarize the conversation below as a short descriptive title. "+
				"Reply with the title only: at most five words, no quotes, no trailing punctuation.",
			time.Now),
		message.New(message.RoleUser, firstUser+"\n\n"+assistant.Content, time.Now),
	}
	name, _, err := prov.Chat(ctx, prompt, nil)
	if err != nil {
		slog.Warn("server: auto-name request failed", "error", err)
		return
	}
	name = sanitizeAutoName(name)
	if name == "" {
		return
	}

	cs.cfgMu.Lock()
	if cs.cfg.Chat.Name != "" || cs.cfg.Chat.RenamedByUser {
		cs.cfgMu.Unlock()
		return
	}
	cs.cfg.Chat.Name = name
	cfgCopy := cs.cfg
	cs.cfgMu.Unlock()

	if err := config.SaveChatConfig(cs.dir, cfgCopy); err != nil {
		slog.Warn("server: auto-name: save config failed", "error", err)
		return
	}
	for _, sess := range s.sessions.ByConversation(cs.id) {
		sess.Emit(session.EventConfigChanged, map[string]any{
			"config":         cfgCopy.Chat,
			"changed_fields": []string{"name"},
		})
	}
}

// sanitizeAutoName flattens a model reply into a usable display name:
// single line, no wrapping quotes, capped at maxAutoNameLen.
func sanitizeAutoName(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, `"'`)
	name = strings.TrimSpace(name)
	if len(name) > maxAutoNameLen {
		name = strings.TrimSpace(name[:maxAutoNameLen])
	}
	return name
}
