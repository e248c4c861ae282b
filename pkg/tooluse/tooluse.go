// Package tooluse implements the tool registry and the three interchangeable
// tool-use wire formats (markdown, xml, tool/native), behind one Parse entry
// point that returns a uniform ToolUse record regardless of format — a sum
// type with a single parse path instead of per-format branching at call sites.
package tooluse

import (
	"context"
	"iter"

	"github.com/loopcore/loopcore/pkg/message"
)

// Format selects which of the three wire syntaxes a conversation uses. A
// config field pins exactly one format per conversation.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatXML      Format = "xml"
	FormatTool     Format = "tool"
)

// Parameter describes one argument a tool accepts, for inclusion in the
// prompt fragment shown to the model and in native function-calling
// schemas.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolUse is a parsed invocation. It is never stored directly in the log —
// only re-parsed from assistant message content — so it carries no identity
// beyond what Parse can reconstruct from text.
type ToolUse struct {
	ToolName  string
	Args      []string          // positional arguments (markdown format)
	NamedArgs map[string]string // named arguments (xml format, native JSON keys)
	Content   string            // the block/element body, or JSON args for native
	CallID    string            // present for native tool-use; optional otherwise
}

// ConfirmFunc asks for (or auto-grants) permission to run a tool use. It
// returns the (possibly user-edited) content to execute, or ok=false if the
// user skipped.
type ConfirmFunc func(ctx context.Context, use ToolUse) (content string, ok bool, err error)

// Executor runs a confirmed ToolUse and lazily yields result messages. The
// first yielded message is conventionally a short summary of the action;
// later messages may carry multipart output (e.g. files produced).
// Executors yield output under role=tool regardless of format; the step
// engine rewrites it to role=system for markdown/xml, where no call_id
// exists to anchor a wire-level tool message. Cancellation is cooperative:
// long-running executors should check ctx.Err() between substeps.
type Executor func(ctx context.Context, use ToolUse, log Log, workspace string) iter.Seq2[message.Message, error]

// Log is the minimal view of the conversation log an Executor needs: enough
// to read prior context, never enough to mutate it directly (the step
// engine owns appends).
type Log interface {
	Messages() []message.Message
}

// Spec is an immutable tool specification, registered once at startup (or
// dynamically for MCP-sourced tools).
type Spec struct {
	Name         string
	Description  string
	Instructions string // prompt fragment describing usage to the model
	Parameters   []Parameter
	BlockTypes   []string // aliases under which the tool may appear in markdown/xml blocks
	Executor     Executor
	Available    func() bool
	IsMCP        bool
}

// Parse is the single entry point for all three formats: it scans content
// for invocations and returns only those that are complete. It is
// restartable — callers may pass a growing prefix of a streaming assistant
// message and will only get back uses that are already runnable. The
// streaming flag tightens "complete" to also require trailing
// whitespace/newline, so the engine doesn't act on a
// block the model is still amending.
func Parse(content string, format Format, streaming bool, reg *Registry) []ToolUse {
	switch format {
	case FormatMarkdown:
		return parseMarkdown(content, streaming, reg)
	case FormatXML:
		return parseXML(content, streaming, reg)
	case FormatTool:
		return parseNative(content)
	default:
		return nil
	}
}
