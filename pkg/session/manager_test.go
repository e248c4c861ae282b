package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/message"
)

func TestManagerCreateAndGet(t *testing.T) {
	m := NewManager(nil, time.Minute)
	s, err := m.Create(context.Background(), "conv-1", nil, nil)
	require.NoError(t, err)

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManagerGetUnknownSessionReturnsNotFound(t *testing.T) {
	m := NewManager(nil, time.Minute)
	_, err := m.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerAcquireGeneratingSerializesPerConversation(t *testing.T) {
	m := NewManager(nil, time.Minute)

	var mu sync.Mutex
	order := []string{}

	release1 := m.AcquireGenerating("conv-1")

	done := make(chan struct{})
	go func() {
		release2 := m.AcquireGenerating("conv-1")
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		release2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	release1()

	<-done
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManagerTryAcquireGeneratingFailsWhenHeld(t *testing.T) {
	m := NewManager(nil, time.Minute)
	release, ok := m.TryAcquireGenerating("conv-1")
	require.True(t, ok)

	_, ok = m.TryAcquireGenerating("conv-1")
	assert.False(t, ok)

	release()
	_, ok = m.TryAcquireGenerating("conv-1")
	assert.True(t, ok)
}

func TestManagerFiresSessionStartAndSessionEndHooks(t *testing.T) {
	bus := hook.New()
	var started, ended bool
	bus.Register(hook.SessionStart, 0, func(hc hook.Context) ([]message.Message, error) {
		started = true
		return nil, nil
	})
	bus.Register(hook.SessionEnd, 0, func(hc hook.Context) ([]message.Message, error) {
		ended = true
		return []message.Message{message.New(message.RoleSystem, "farewell", time.Now)}, nil
	})

	var appended []message.Message
	m := NewManager(bus, time.Minute)
	s, err := m.Create(context.Background(), "conv-1", nil, func(msg message.Message) error {
		appended = append(appended, msg)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, m.Close(context.Background(), s.ID()))
	assert.True(t, ended)
	require.Len(t, appended, 1)
	assert.Equal(t, "farewell", appended[0].Content)
}

func TestManagerIdleSweepClosesIdleSessions(t *testing.T) {
	m := NewManager(nil, 10*time.Millisecond)
	s, err := m.Create(context.Background(), "conv-1", nil, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.sweepOnce()

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerByConversationReturnsOnlyMatchingSessions(t *testing.T) {
	m := NewManager(nil, time.Minute)
	a, err := m.Create(context.Background(), "conv-a", nil, nil)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "conv-b", nil, nil)
	require.NoError(t, err)

	got := m.ByConversation("conv-a")
	require.Len(t, got, 1)
	assert.Equal(t, a.ID(), got[0].ID())
}
