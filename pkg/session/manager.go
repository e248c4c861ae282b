package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/message"
)

// ErrSessionNotFound is returned by Manager.Get for an unknown session ID.
var ErrSessionNotFound = errors.New("session: session not found")

// DefaultIdleTimeout is the idle-sweep window for sessions with no clients.
const DefaultIdleTimeout = 60 * time.Minute

// convLock serializes step workers across every Session belonging to one
// conversation, so two sessions can never generate concurrently on one
// log. refs counts the callers currently holding or waiting for the lock so
// the Manager can garbage-collect a lock once nobody holds or waits on it.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns every live Session, keyed by session ID, and the
// per-conversation generating locks that serialize their step workers.
type Manager struct {
	bus         *hook.Bus
	idleTimeout time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	byConv    map[string]map[string]*Session
	convLocks map[string]*convLock

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager returns a Manager with no sessions. bus may be nil if the
// caller doesn't want SESSION_START/SESSION_END hooks fired.
func NewManager(bus *hook.Bus, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		bus:         bus,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
		byConv:      make(map[string]map[string]*Session),
		convLocks:   make(map[string]*convLock),
		stop:        make(chan struct{}),
	}
}

// Create starts a new Session for conversationID. logSnapshot and
// appendMessage wire the session to the durable log for the SESSION_START
// hook trigger and for any farewell messages a SESSION_END handler wants to
// inject later; either may be nil.
func (m *Manager) Create(ctx context.Context, conversationID string, logSnapshot func() []message.Message, appendMessage func(message.Message) error) (*Session, error) {
	s := newSession(conversationID, logSnapshot, appendMessage)

	m.mu.Lock()
	m.sessions[s.id] = s
	if m.byConv[conversationID] == nil {
		m.byConv[conversationID] = make(map[string]*Session)
	}
	m.byConv[conversationID][s.id] = s
	m.mu.Unlock()

	if m.bus != nil {
		extra, err := m.bus.Trigger(hook.Context{
			Ctx: ctx, Type: hook.SessionStart,
			ConversationID: conversationID, SessionID: s.id,
			Log: s.LogSnapshot(),
		})
		if err != nil {
			slog.Warn("session: SESSION_START hook failed", "session", s.id, "error", err)
		}
		for _, em := range extra {
			if appendErr := s.AppendMessage(em); appendErr != nil {
				slog.Warn("session: failed to append SESSION_START hook message", "session", s.id, "error", appendErr)
			}
		}
	}
	return s, nil
}

// Get looks up a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ByConversation returns every live session for conversationID.
func (m *Manager) ByConversation(conversationID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.byConv[conversationID]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// AcquireGenerating locks the per-conversation generating mutex and
// returns a release function the caller must call exactly once, typically
// via defer, once the step worker's turn is over.
func (m *Manager) AcquireGenerating(conversationID string) func() {
	m.mu.Lock()
	lock, ok := m.convLocks[conversationID]
	if !ok {
		lock = &convLock{}
		m.convLocks[conversationID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		lock.mu.Unlock()

		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.convLocks, conversationID)
		}
		m.mu.Unlock()
	}
}

// TryAcquireGenerating is the non-blocking counterpart to AcquireGenerating:
// it returns ok=false immediately if another step worker already holds the
// conversation's generating lock, which the server maps to a 409 response
// instead of queuing
// behind it.
func (m *Manager) TryAcquireGenerating(conversationID string) (release func(), ok bool) {
	m.mu.Lock()
	lock, exists := m.convLocks[conversationID]
	if !exists {
		lock = &convLock{}
		m.convLocks[conversationID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	if !lock.mu.TryLock() {
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.convLocks, conversationID)
		}
		m.mu.Unlock()
		return nil, false
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		lock.mu.Unlock()

		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.convLocks, conversationID)
		}
		m.mu.Unlock()
	}, true
}

// Close removes sessionID, closing it out. If it was the last session for
// its conversation, SESSION_END hooks fire — which may append farewell
// messages through the session's appendMessage callback.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	convSessions := m.byConv[s.conversationID]
	delete(convSessions, sessionID)
	lastForConv := len(convSessions) == 0
	if lastForConv {
		delete(m.byConv, s.conversationID)
	}
	m.mu.Unlock()

	s.mu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.mu.Unlock()

	if lastForConv && m.bus != nil {
		extra, err := m.bus.Trigger(hook.Context{
			Ctx: ctx, Type: hook.SessionEnd,
			ConversationID: s.conversationID, SessionID: s.id,
			Log: s.LogSnapshot(),
		})
		if err != nil {
			slog.Warn("session: SESSION_END hook failed", "session", s.id, "error", err)
		}
		for _, em := range extra {
			if appendErr := s.AppendMessage(em); appendErr != nil {
				slog.Warn("session: failed to append SESSION_END hook message", "session", s.id, "error", appendErr)
			}
		}
	}
	return nil
}

// StartIdleSweep launches a background goroutine that closes sessions idle
// for longer than the Manager's idleTimeout, checking every interval.
// Stop must be called to release it.
func (m *Manager) StartIdleSweep(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOnce()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.Idle(m.idleTimeout) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		if err := m.Close(context.Background(), id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("session: idle sweep failed to close session", "session", id, "error", err)
		}
	}
}

// Stop halts the idle-sweep goroutine, if one was started.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}
