// Package session implements the in-memory, per-connection runtime state
// the HTTP/SSE surface drives a conversation through: the event log SSE
// clients replay from, the pending-tool-confirmation map, and the
// auto-confirm counter — kept separate from the durable conversation log
// (pkg/logstore), which survives process restarts while a Session does not.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// EventType discriminates the SSE event frames a Session emits.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventPing               EventType = "ping"
	EventGenerationStarted  EventType = "generation_started"
	EventGenerationProgress EventType = "generation_progress"
	EventGenerationComplete EventType = "generation_complete"
	EventMessageAdded       EventType = "message_added"
	EventToolPending        EventType = "tool_pending"
	EventToolExecuting      EventType = "tool_executing"
	EventConfigChanged      EventType = "config_changed"
	EventInterrupted        EventType = "interrupted"
	EventError              EventType = "error"
)

// Event is one SSE data frame: a monotonically increasing Seq (so a
// reconnecting client can ask "what did I miss") plus a typed payload.
type Event struct {
	Seq     int
	Type    EventType
	Payload any
}

// subscriberDeliveryTimeout bounds how long Emit waits on one slow
// subscriber before giving up on that delivery and moving on — a stuck SSE
// writer must never stall event delivery to every other client.
const subscriberDeliveryTimeout = 2 * time.Second

// eventBacklogCap bounds how much event history a Session retains for
// replay; older events are trimmed once a session has accumulated enough
// that a reconnecting client is better served by a fresh GET of the log.
const eventBacklogCap = 2000

// ToolStatus tracks a PendingTool through confirm -> execute.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusExecuting ToolStatus = "executing"
	ToolStatusFailed    ToolStatus = "failed"
)

// PendingTool is a parsed tool invocation awaiting (or undergoing)
// confirmation, keyed by an opaque ID the client echoes back in
// POST .../tool/confirm.
type PendingTool struct {
	ID          string
	Use         tooluse.ToolUse
	Status      ToolStatus
	AutoConfirm bool
}

type subscriber struct {
	ch chan Event
}

// Session is the live runtime state for one SSE connection lineage against
// one conversation. Multiple Sessions may exist per conversation (e.g. two
// browser tabs); the Manager serializes their step workers so at most one
// generates at a time.
type Session struct {
	id             string
	conversationID string
	createdAt      time.Time

	mu               sync.Mutex
	events           []Event
	nextSeq          int
	subs             map[int]*subscriber
	nextSubID        int
	pendingTools     map[string]*PendingTool
	autoConfirmCount int
	generating       bool
	clients          int
	lastActivity     time.Time

	// logSnapshot and appendMessage let hook handlers triggered around this
	// session's lifecycle (SESSION_START/SESSION_END) see and extend the
	// durable log without the session package depending on pkg/logstore
	// directly — the server wires the real log in at creation time.
	logSnapshot   func() []message.Message
	appendMessage func(message.Message) error
}

func newSession(conversationID string, logSnapshot func() []message.Message, appendMessage func(message.Message) error) *Session {
	now := time.Now()
	return &Session{
		id:             uuid.NewString(),
		conversationID: conversationID,
		createdAt:      now,
		lastActivity:   now,
		subs:           make(map[int]*subscriber),
		pendingTools:   make(map[string]*PendingTool),
		logSnapshot:    logSnapshot,
		appendMessage:  appendMessage,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }

// LogSnapshot returns the conversation log at the time of the call, or nil
// if the session was created without one wired in.
func (s *Session) LogSnapshot() []message.Message {
	if s.logSnapshot == nil {
		return nil
	}
	return s.logSnapshot()
}

// AppendMessage appends m to the durable log through the callback supplied
// at creation, used by hook handlers that want to inject a farewell or
// warning message tied to this session's lifecycle.
func (s *Session) AppendMessage(m message.Message) error {
	if s.appendMessage == nil {
		return nil
	}
	return s.appendMessage(m)
}

// Touch records activity, resetting the idle-expiry clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// IdleFor reports how long it has been since the last activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// AddClient registers an SSE subscriber as present, preventing idle sweep.
func (s *Session) AddClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
	s.lastActivity = time.Now()
}

// RemoveClient unregisters a disconnected subscriber.
func (s *Session) RemoveClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients > 0 {
		s.clients--
	}
	s.lastActivity = time.Now()
}

// Idle reports whether the session has no connected clients, isn't
// generating, and has been quiet for longer than d — the idle-sweep
// predicate.
func (s *Session) Idle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients == 0 && !s.generating && time.Since(s.lastActivity) > d
}

// SetGenerating flips the re-entrancy guard the step worker holds for the
// duration of one step.
func (s *Session) SetGenerating(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating = v
	s.lastActivity = time.Now()
}

// IsGenerating reports whether a step worker currently holds this session.
func (s *Session) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// SetAutoConfirmCount implements the "auto(n)" confirmation action: the
// next n pending tools are confirmed without prompting.
func (s *Session) SetAutoConfirmCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoConfirmCount = n
}

// ConsumeAutoConfirm decrements the auto-confirm counter and reports
// whether it was positive, i.e. whether this tool should be auto-confirmed.
func (s *Session) ConsumeAutoConfirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoConfirmCount <= 0 {
		return false
	}
	s.autoConfirmCount--
	return true
}

// AddPendingTool registers a tool awaiting confirmation.
func (s *Session) AddPendingTool(p *PendingTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTools[p.ID] = p
}

// GetPendingTool looks up a pending tool by ID without removing it.
func (s *Session) GetPendingTool(id string) (*PendingTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingTools[id]
	return p, ok
}

// TakePendingTool removes and returns a pending tool, marking it in
// flight.
func (s *Session) TakePendingTool(id string) (*PendingTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingTools[id]
	if ok {
		p.Status = ToolStatusExecuting
		delete(s.pendingTools, id)
	}
	return p, ok
}

// ClearPendingTools discards every pending tool, used on interrupt.
func (s *Session) ClearPendingTools() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTools = make(map[string]*PendingTool)
}

// Subscribe registers a new SSE client and returns its delivery channel
// plus every event retained so far, so the caller can replay history
// before switching to live delivery. Unsubscribe must be called exactly
// once when the client disconnects.
func (s *Session) Subscribe() (id int, ch <-chan Event, backlog []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = s.nextSubID
	s.nextSubID++
	sub := &subscriber{ch: make(chan Event, 64)}
	s.subs[id] = sub
	backlog = make([]Event, len(s.events))
	copy(backlog, s.events)
	return id, sub.ch, backlog
}

// Unsubscribe removes subscriber id and closes its channel.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Emit records an event and fans it out to every current subscriber
// concurrently; a subscriber slow enough to exceed subscriberDeliveryTimeout
// is skipped for this event rather than blocking delivery to the rest.
func (s *Session) Emit(t EventType, payload any) Event {
	s.mu.Lock()
	ev := Event{Seq: s.nextSeq, Type: t, Payload: payload}
	s.nextSeq++
	s.events = append(s.events, ev)
	if over := len(s.events) - eventBacklogCap; over > 0 {
		s.events = s.events[over:]
	}
	s.lastActivity = time.Now()
	subsSnapshot := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	s.mu.Unlock()

	if len(subsSnapshot) == 0 {
		return ev
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, sub := range subsSnapshot {
		sub := sub
		g.Go(func() error {
			select {
			case sub.ch <- ev:
			case <-time.After(subscriberDeliveryTimeout):
			}
			return nil
		})
	}
	_ = g.Wait()
	return ev
}
