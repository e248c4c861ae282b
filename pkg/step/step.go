// Package step implements the generate/detect/confirm/execute/append loop
// that drives one conversation turn forward, expressed as a small state
// machine around the log, the provider, the tool registry, and the hook
// bus.
package step

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/logstore"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// Status reports how a Run call ended, so the session manager and the SSE
// surface can report it without re-deriving it from log contents.
type Status string

const (
	StatusDone         Status = "done"
	StatusInterrupted  Status = "interrupted"
	StatusNeedsConfirm Status = "needs_confirm"
	StatusMaxSteps     Status = "max_steps_exceeded"
)

// Outcome summarizes one Run call.
type Outcome struct {
	Status  Status
	Pending *tooluse.ToolUse // set only when Status == StatusNeedsConfirm
}

// Engine drives one conversation's step loop. It holds no per-call state;
// everything durable lives in Log, Costs, and Interrupt, so a server
// restart can resume a conversation by re-opening the log and replaying
// nothing — the step loop is only ever in-memory for the duration of Run.
type Engine struct {
	Log       *logstore.Log
	Provider  provider.Provider
	Registry  *tooluse.Registry
	Bus       *hook.Bus
	Costs     *cost.SessionCosts
	Interrupt *Interrupt

	Format      tooluse.Format
	Confirm     tooluse.ConfirmFunc
	Streaming   bool
	Workspace   string
	SessionID   string
	MaxSteps    int // 0 means unlimited
	AutoConfirm bool

	// Prepare configures the pre-flight message transformation (file
	// materialization, tool-output summarization, stale-warning cleanup)
	// applied to the log before every provider call.
	Prepare logstore.PrepareOptions

	// BreakOnToolUse stops consuming the stream as soon as a complete,
	// runnable tool block has been parsed on a line boundary — the rest of
	// the response would be prose the model generates before seeing the
	// tool's output, wasting tokens and often contradicting it.
	BreakOnToolUse bool

	// CostFor prices one request's token usage in USD. Nil leaves
	// Usage.CostUSD at whatever the provider reported (usually zero).
	CostFor func(u message.Usage) float64

	// OnToken, if set, is called with each streamed text fragment as it
	// arrives — the server wires this to emit generation_progress events.
	// Never called in non-streaming mode.
	OnToken func(text string)

	// OnAssistant, if set, is called after each finalized assistant message
	// has been appended to the log — the server wires this to emit
	// generation_complete. Persistence happens before the callback so a
	// late subscriber reading the log sees at least what the event
	// described.
	OnAssistant func(m message.Message)

	// OnMessage, if set, is called after each non-assistant append (tool
	// results, hook contributions) — wired to message_added events.
	OnMessage func(m message.Message)

	// OnToolExecuting, if set, is called just before a confirmed tool use
	// runs.
	OnToolExecuting func(use tooluse.ToolUse)

	// OnGenerationStart, if set, is called at the top of each loop
	// iteration, just before the provider call — so auto-continuation
	// after a tool run announces itself the same way the first generation
	// does.
	OnGenerationStart func()

	// Now is injected for tests; production code leaves it nil and Run
	// defaults to time.Now.
	Now func() time.Time
}

// interruptedSuffix is appended to a partially streamed assistant message
// when generation is cancelled mid-stream. Any partial assistant message
// that was streamed is persisted with the suffix before control returns.
const interruptedSuffix = " [INTERRUPTED]"

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run executes the step loop until the assistant produces a turn with no
// further tool use, the interrupt flag is raised, a confirmation is needed
// and not auto-granted, or MaxSteps is exceeded.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	if extra, err := e.Bus.Trigger(hook.Context{
		Ctx: ctx, Type: hook.MessagePreProcess, SessionID: e.SessionID,
		Log: e.Log.Messages(),
	}); err != nil {
		if done, derr := handleHookTermination(err); done {
			return Outcome{Status: StatusDone}, derr
		}
		return Outcome{}, err
	} else if err := e.appendAll(extra); err != nil {
		return Outcome{}, err
	}

	for step := 0; e.MaxSteps == 0 || step < e.MaxSteps; step++ {
		if e.Interrupt.Requested() {
			e.Interrupt.Clear()
			return Outcome{Status: StatusInterrupted}, nil
		}

		if extra, err := e.Bus.Trigger(hook.Context{
			Ctx: ctx, Type: hook.GenerationPre, SessionID: e.SessionID,
			Log: e.Log.Messages(),
		}); err != nil {
			if done, derr := handleHookTermination(err); done {
				return Outcome{Status: StatusDone}, derr
			}
			return Outcome{}, err
		} else if err := e.appendAll(extra); err != nil {
			return Outcome{}, err
		}

		if e.OnGenerationStart != nil {
			e.OnGenerationStart()
		}
		assistantMsg, interrupted, err := e.generate(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if err := e.Log.Append(assistantMsg); err != nil {
			return Outcome{}, fmt.Errorf("step: append assistant message: %w", err)
		}
		if e.OnAssistant != nil {
			e.OnAssistant(assistantMsg)
		}
		if interrupted {
			e.Interrupt.Clear()
			return Outcome{Status: StatusInterrupted}, nil
		}

		for _, t := range []hook.Type{hook.GenerationPost, hook.MessagePostProcess} {
			extra, err := e.Bus.Trigger(hook.Context{
				Ctx: ctx, Type: t, SessionID: e.SessionID,
				Log: e.Log.Messages(), Message: &assistantMsg,
			})
			if appendErr := e.appendAll(extra); appendErr != nil {
				return Outcome{}, appendErr
			}
			if err != nil {
				if done, derr := handleHookTermination(err); done {
					return Outcome{Status: StatusDone}, derr
				}
				return Outcome{}, err
			}
		}

		uses := tooluse.Parse(assistantMsg.Content, e.Format, false, e.Registry)
		if len(uses) == 0 {
			return Outcome{Status: StatusDone}, nil
		}

		for _, use := range uses {
			if e.Interrupt.Requested() {
				e.Interrupt.Clear()
				return Outcome{Status: StatusInterrupted}, nil
			}

			content := use.Content
			if !e.AutoConfirm {
				confirmed, ok, err := e.Confirm(ctx, use)
				if err != nil {
					return Outcome{}, fmt.Errorf("step: confirm %s: %w", use.ToolName, err)
				}
				if !ok {
					return Outcome{Status: StatusNeedsConfirm, Pending: &use}, nil
				}
				content = confirmed
				use.Content = content
			}

			if err := e.executeOne(ctx, use); err != nil {
				return Outcome{}, err
			}
		}

		// A tool ran this iteration; LOOP_CONTINUE handlers get a say
		// before the next generation (autonomous-mode termination lives
		// here).
		extra, err := e.Bus.Trigger(hook.Context{
			Ctx: ctx, Type: hook.LoopContinue, SessionID: e.SessionID,
			Log: e.Log.Messages(),
		})
		if appendErr := e.appendAll(extra); appendErr != nil {
			return Outcome{}, appendErr
		}
		if err != nil {
			if done, derr := handleHookTermination(err); done {
				return Outcome{Status: StatusDone}, derr
			}
			return Outcome{}, err
		}
	}
	return Outcome{Status: StatusMaxSteps}, nil
}

// ResumeConfirmed executes a tool use that was held for out-of-band
// confirmation (the server's POST .../tool/confirm path), appending its
// result(s) to the log exactly as executeOne would mid-Run. Callers should
// follow a successful ResumeConfirmed with another Run call to continue
// the conversation.
func (e *Engine) ResumeConfirmed(ctx context.Context, use tooluse.ToolUse) error {
	return e.executeOne(ctx, use)
}

// executeOne runs one confirmed ToolUse through its Spec's Executor,
// firing the TOOL_PRE_EXECUTE/TOOL_POST_EXECUTE hooks around it and
// appending every yielded message to the log in order.
func (e *Engine) executeOne(ctx context.Context, use tooluse.ToolUse) error {
	spec, ok := e.Registry.Get(resolveToolName(use, e.Registry))
	if !ok {
		msg := message.New(e.resultRole(),
			fmt.Sprintf("error: unknown tool %q", use.ToolName), e.now)
		if err := e.Log.Append(msg); err != nil {
			return err
		}
		if e.OnMessage != nil {
			e.OnMessage(msg)
		}
		return nil
	}

	pre, err := e.Bus.Trigger(hook.Context{
		Ctx: ctx, Type: hook.ToolPreExecute, SessionID: e.SessionID,
		ToolName: spec.Name, Log: e.Log.Messages(),
	})
	if appendErr := e.appendAll(pre); appendErr != nil {
		return appendErr
	}
	if err != nil {
		if done, derr := handleHookTermination(err); done {
			return derr
		}
		return err
	}

	if e.OnToolExecuting != nil {
		e.OnToolExecuting(use)
	}

	for msg, execErr := range spec.Executor(ctx, use, e.Log, e.Workspace) {
		if execErr != nil {
			msg = message.New(e.resultRole(), fmt.Sprintf("error: %v", execErr), e.now)
		}
		// Executors yield results as role=tool; only the native format
		// keeps that role on the wire. In markdown/xml there is no call_id
		// for a tool message to answer, so the output travels as a system
		// message instead — both provider families reject an unanchored
		// tool-role message.
		if msg.Role == message.RoleTool {
			msg.Role = e.resultRole()
		}
		if msg.CallID == "" {
			msg.CallID = use.CallID
		}
		if err := e.Log.Append(msg); err != nil {
			return fmt.Errorf("step: append tool result: %w", err)
		}
		if e.OnMessage != nil {
			e.OnMessage(msg)
		}
	}

	post, err := e.Bus.Trigger(hook.Context{
		Ctx: ctx, Type: hook.ToolPostExecute, SessionID: e.SessionID,
		ToolName: spec.Name, Log: e.Log.Messages(),
	})
	if appendErr := e.appendAll(post); appendErr != nil {
		return appendErr
	}
	if err != nil {
		if done, derr := handleHookTermination(err); done {
			return derr
		}
		return err
	}
	return nil
}

// appendAll appends every message a hook handler contributed, in order.
func (e *Engine) appendAll(msgs []message.Message) error {
	for _, m := range msgs {
		if err := e.Log.Append(m); err != nil {
			return fmt.Errorf("step: append hook message: %w", err)
		}
		if e.OnMessage != nil {
			e.OnMessage(m)
		}
	}
	return nil
}

// resultRole is the role tool output travels under: role=tool only in
// native format (where a call_id anchors it to the invocation), role=system
// for markdown/xml.
func (e *Engine) resultRole() message.Role {
	if e.Format == tooluse.FormatTool {
		return message.RoleTool
	}
	return message.RoleSystem
}

// resolveToolName maps a markdown/xml block-tag use to the spec's
// canonical name; native-format uses already carry it.
func resolveToolName(use tooluse.ToolUse, reg *tooluse.Registry) string {
	if _, ok := reg.Get(use.ToolName); ok {
		return use.ToolName
	}
	if spec, ok := reg.ByBlockTag(use.ToolName); ok {
		return spec.Name
	}
	return use.ToolName
}

// generate produces the next assistant message, via Stream when
// e.Streaming is set (accumulating tokens and honoring the interrupt flag
// between them) or a single Chat call otherwise. The second return value
// reports whether generation was cut short by an interrupt.
func (e *Engine) generate(ctx context.Context) (message.Message, bool, error) {
	msgs, err := logstore.PrepareMessages(ctx, e.Log.Messages(), e.Prepare)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("step: prepare messages: %w", err)
	}
	tools := e.toolSchemas()

	if !e.Streaming {
		text, usage, err := e.Provider.Chat(ctx, msgs, tools)
		if err != nil {
			return message.Message{}, false, fmt.Errorf("step: generate: %w", err)
		}
		e.priceUsage(&usage)
		e.recordUsage(usage)
		m := message.New(message.RoleAssistant, text, e.now)
		m.Metadata = &message.Metadata{Usage: &usage}
		return m, false, nil
	}

	seq, err := e.Provider.Stream(ctx, msgs, tools)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("step: generate stream: %w", err)
	}

	var text string
	var usage message.Usage
	var interrupted bool
	for tok, tokErr := range seq {
		if tokErr != nil {
			return message.Message{}, false, fmt.Errorf("step: stream: %w", tokErr)
		}
		if tok.Usage != nil {
			usage = *tok.Usage
			continue
		}
		text += tok.Text
		if e.OnToken != nil {
			e.OnToken(tok.Text)
		}
		if e.Interrupt.Requested() {
			slog.Debug("step: interrupt observed mid-stream", "session", e.SessionID)
			interrupted = true
			break
		}
		if e.BreakOnToolUse && strings.Contains(tok.Text, "\n") {
			if len(tooluse.Parse(text, e.Format, true, e.Registry)) > 0 {
				break
			}
		}
	}
	e.priceUsage(&usage)
	e.recordUsage(usage)
	if interrupted {
		text += interruptedSuffix
	}
	m := message.New(message.RoleAssistant, text, e.now)
	m.Metadata = &message.Metadata{Usage: &usage}
	return m, interrupted, nil
}

// toolSchemas declares the registry's tools to the provider, but only in
// native tool format — in markdown/xml the model invokes tools through
// text, and declaring them via the function-calling API would invite a
// second, unparsed invocation channel.
func (e *Engine) toolSchemas() []provider.ToolSchema {
	if e.Format != tooluse.FormatTool || e.Registry == nil {
		return nil
	}
	specs := e.Registry.Specs()
	out := make([]provider.ToolSchema, 0, len(specs))
	for _, spec := range specs {
		props := make(map[string]any, len(spec.Parameters))
		var required []string
		for _, p := range spec.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			props[p.Name] = map[string]any{"type": typ, "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		out = append(out, provider.ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schema,
		})
	}
	return out
}

func (e *Engine) priceUsage(u *message.Usage) {
	if e.CostFor != nil && u.CostUSD == 0 {
		u.CostUSD = e.CostFor(*u)
	}
}

func (e *Engine) recordUsage(u message.Usage) {
	if e.Costs == nil {
		return
	}
	e.Costs.Record(cost.Entry{
		Timestamp:           e.now(),
		Model:               u.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             u.CostUSD,
	})
}

// handleHookTermination distinguishes a SessionCompleteErr (clean,
// expected stop) from any other hook failure (propagated as a real
// error).
func handleHookTermination(err error) (done bool, retErr error) {
	if _, ok := err.(*hook.SessionCompleteErr); ok {
		return true, nil
	}
	return false, err
}
