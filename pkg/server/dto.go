package server

import (
	"time"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// messageDTO mirrors the log file's on-disk field order for
// the HTTP JSON representation of a message.
type messageDTO struct {
	Role      message.Role `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Files     []string     `json:"files,omitempty"`
	Pinned    bool         `json:"pinned,omitempty"`
	Hide      bool         `json:"hide,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Usage     *message.Usage `json:"usage,omitempty"`
}

func toMessageDTO(m message.Message) messageDTO {
	files := make([]string, len(m.Files))
	for i, f := range m.Files {
		files[i] = f.Raw
	}
	dto := messageDTO{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Files:     files,
		Pinned:    m.Pinned,
		Hide:      m.Hide,
		CallID:    m.CallID,
	}
	if m.Metadata != nil {
		dto.Usage = m.Metadata.Usage
	}
	return dto
}

func toMessageDTOs(msgs []message.Message) []messageDTO {
	out := make([]messageDTO, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageDTO(m)
	}
	return out
}

// toolUseDTO is the tooluse payload shape carried on tool_pending events.
type toolUseDTO struct {
	Tool    string            `json:"tool"`
	Args    []string          `json:"args,omitempty"`
	Named   map[string]string `json:"named_args,omitempty"`
	Content string            `json:"content"`
	CallID  string            `json:"call_id,omitempty"`
}

func toToolUseDTO(u tooluse.ToolUse) toolUseDTO {
	return toolUseDTO{
		Tool:    u.ToolName,
		Args:    u.Args,
		Named:   u.NamedArgs,
		Content: u.Content,
		CallID:  u.CallID,
	}
}
