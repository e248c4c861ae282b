// Package hook implements the typed publish/subscribe lifecycle bus: a
// closed set of named hook points, priority-ordered handlers, and
// yielded-message collection.
package hook

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/loopcore/loopcore/pkg/message"
)

// Type identifies one of the closed set of lifecycle hook points.
type Type string

const (
	SessionStart        Type = "SESSION_START"
	SessionEnd          Type = "SESSION_END"
	MessagePreProcess   Type = "MESSAGE_PRE_PROCESS"
	MessagePostProcess  Type = "MESSAGE_POST_PROCESS"
	GenerationPre       Type = "GENERATION_PRE"
	GenerationPost      Type = "GENERATION_POST"
	ToolPreExecute      Type = "TOOL_PRE_EXECUTE"
	ToolPostExecute     Type = "TOOL_POST_EXECUTE"
	LoopContinue        Type = "LOOP_CONTINUE"
)

// StopPropagation halts further handlers for the current Trigger call when
// returned alongside a handler's messages.
var StopPropagation = errors.New("hook: stop propagation")

// SessionCompleteErr, when returned by a handler, terminates the chat loop
// cleanly. Used by autonomous-mode termination conditions.
type SessionCompleteErr struct {
	Reason string
}

func (e *SessionCompleteErr) Error() string { return "hook: session complete: " + e.Reason }

// Context is passed to every handler; fields beyond the hook Type are
// populated per call site (not every field is meaningful for every Type).
type Context struct {
	Ctx          context.Context
	Type         Type
	ConversationID string
	SessionID    string
	Log          []message.Message
	Message      *message.Message
	ToolName     string
}

// Handler reacts to a lifecycle event. It may append messages to the log by
// returning them; returning StopPropagation halts remaining handlers for
// this Trigger call; returning a *SessionCompleteErr terminates the chat
// loop.
type Handler func(Context) ([]message.Message, error)

type registration struct {
	priority int
	handler  Handler
}

// Bus is a read-mostly registry of handlers per Type, safe for concurrent
// use by multiple sessions in the server.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]registration
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Type][]registration)}
}

// Register adds handler to be invoked on Type events. Handlers with higher
// priority run first; ties preserve registration order.
func (b *Bus) Register(t Type, priority int, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := append(b.handlers[t], registration{priority: priority, handler: handler})
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority > regs[j].priority })
	b.handlers[t] = regs
}

// Trigger runs every registered handler for ctx.Type in priority order,
// collecting yielded messages in order. It returns early, with whatever
// messages were collected so far, if a handler returns StopPropagation or
// a *SessionCompleteErr — the caller (the Step Engine) distinguishes the
// two via errors.Is / errors.As.
func (b *Bus) Trigger(ctx Context) ([]message.Message, error) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[ctx.Type]))
	copy(regs, b.handlers[ctx.Type])
	b.mu.RUnlock()

	var out []message.Message
	for _, r := range regs {
		msgs, err := r.handler(ctx)
		out = append(out, msgs...)
		if err != nil {
			var complete *SessionCompleteErr
			if errors.As(err, &complete) {
				return out, err
			}
			if errors.Is(err, StopPropagation) {
				return out, nil
			}
			return out, err
		}
	}
	return out, nil
}
