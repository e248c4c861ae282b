package logstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loopcore/loopcore/pkg/message"
)

// Summarizer condenses a long tool output into a shorter one, delegating to
// a cheap summary model. Implementations live in the provider package; this
// interface keeps logstore decoupled from any specific provider.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// PrepareOptions configures Prepare.
type PrepareOptions struct {
	// SummaryThreshold is the running character total of tool-result
	// content (role=tool messages, plus role=system messages after the
	// leading system prompt, since markdown/xml tool output travels as
	// system) above which older tool outputs are summarized. Zero disables
	// summarization.
	SummaryThreshold int
	Summarizer       Summarizer
}

// PrepareMessages produces the input list for a provider call from a raw
// log: it materializes attached text files into content, optionally
// summarizes long tool outputs, drops stale hide-only hook messages, and
// preserves pinned messages through any trimming.
func PrepareMessages(ctx context.Context, msgs []message.Message, opts PrepareOptions) ([]message.Message, error) {
	stale := staleHookMessages(msgs)
	out := make([]message.Message, 0, len(msgs))
	for i, m := range msgs {
		if stale[i] {
			continue
		}
		materialized, err := materializeFiles(m)
		if err != nil {
			return nil, err
		}
		out = append(out, materialized)
	}

	if opts.SummaryThreshold > 0 && opts.Summarizer != nil {
		var err error
		out, err = summarizeLongToolOutputs(ctx, out, opts)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// staleHookMessages flags hidden system messages injected by a hook for
// one-shot consumption (cost/token warnings) that a newer copy of the same
// kind has since superseded. Only the most recent of each kind survives;
// hidden messages that aren't recognized warnings are always kept — Hide
// only suppresses terminal display, the model still sees them.
func staleHookMessages(msgs []message.Message) []bool {
	lastOfKind := map[string]int{}
	for i, m := range msgs {
		if kind, ok := hookMessageKind(m); ok {
			lastOfKind[kind] = i
		}
	}
	stale := make([]bool, len(msgs))
	for i, m := range msgs {
		if kind, ok := hookMessageKind(m); ok && lastOfKind[kind] != i {
			stale[i] = true
		}
	}
	return stale
}

func hookMessageKind(m message.Message) (string, bool) {
	if m.Role != message.RoleSystem || !m.Hide || m.Pinned {
		return "", false
	}
	switch {
	case strings.HasPrefix(m.Content, "<system_warning>"):
		return "system_warning", true
	case strings.HasPrefix(m.Content, "<cost_warning>"):
		return "cost_warning", true
	}
	return "", false
}

func materializeFiles(m message.Message) (message.Message, error) {
	if len(m.Files) == 0 {
		return m, nil
	}

	var textParts []string
	var remaining []message.FileRef
	for _, f := range m.Files {
		if f.IsURI {
			remaining = append(remaining, f)
			continue
		}
		if isImagePath(f.Raw) {
			remaining = append(remaining, f)
			continue
		}
		data, err := os.ReadFile(f.Raw)
		if err != nil {
			return m, fmt.Errorf("logstore: materialize file %q: %w", f.Raw, err)
		}
		textParts = append(textParts, fmt.Sprintf("```%s\n%s\n```", f.Raw, string(data)))
	}

	if len(textParts) == 0 {
		return m, nil
	}

	content := m.Content
	if content != "" {
		content += "\n\n"
	}
	content += strings.Join(textParts, "\n\n")

	out := m.WithContent(content)
	out.Files = remaining
	return out, nil
}

func isImagePath(path string) bool {
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"} {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}

func summarizeLongToolOutputs(ctx context.Context, msgs []message.Message, opts PrepareOptions) ([]message.Message, error) {
	total := 0
	for i, m := range msgs {
		if i == 0 && m.Role == message.RoleSystem {
			continue
		}
		if m.Role == message.RoleTool || m.Role == message.RoleSystem {
			total += len(m.Content)
		}
	}
	if total <= opts.SummaryThreshold {
		return msgs, nil
	}

	out := make([]message.Message, len(msgs))
	copy(out, msgs)

	// Summarize from the oldest tool output forward until under threshold,
	// skipping pinned messages and the leading system prompt. Pinned
	// survives any trimming.
	running := total
	for i, m := range out {
		if running <= opts.SummaryThreshold {
			break
		}
		if m.Pinned || (i == 0 && m.Role == message.RoleSystem) || (m.Role != message.RoleTool && m.Role != message.RoleSystem) {
			continue
		}
		summary, err := opts.Summarizer.Summarize(ctx, m.Content)
		if err != nil {
			return nil, fmt.Errorf("logstore: summarize tool output: %w", err)
		}
		running -= len(m.Content) - len(summary)
		out[i] = m.WithContent(summary)
	}
	return out, nil
}
