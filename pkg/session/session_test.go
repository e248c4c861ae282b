package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return newSession("conv-1", nil, nil)
}

func TestSubscribeReplaysBacklogThenLiveEvents(t *testing.T) {
	s := newTestSession()
	s.Emit(EventPing, nil)
	s.Emit(EventGenerationStarted, nil)

	_, ch, backlog := s.Subscribe()
	require.Len(t, backlog, 2)
	assert.Equal(t, EventPing, backlog[0].Type)
	assert.Equal(t, EventGenerationStarted, backlog[1].Type)

	s.Emit(EventGenerationComplete, map[string]string{"text": "hi"})
	select {
	case ev := <-ch:
		assert.Equal(t, EventGenerationComplete, ev.Type)
		assert.Equal(t, 2, ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := newTestSession()
	id, ch, _ := s.Subscribe()
	s.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestEmitDoesNotBlockOnUnsubscribedSession(t *testing.T) {
	s := newTestSession()
	done := make(chan struct{})
	go func() {
		s.Emit(EventPing, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked with no subscribers")
	}
}

func TestPendingToolLifecycle(t *testing.T) {
	s := newTestSession()
	s.AddPendingTool(&PendingTool{ID: "t1", Status: ToolStatusPending})

	p, ok := s.GetPendingTool("t1")
	require.True(t, ok)
	assert.Equal(t, ToolStatusPending, p.Status)

	taken, ok := s.TakePendingTool("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", taken.ID)

	_, ok = s.GetPendingTool("t1")
	assert.False(t, ok)
}

func TestAutoConfirmCountIsConsumedOnce(t *testing.T) {
	s := newTestSession()
	s.SetAutoConfirmCount(2)

	assert.True(t, s.ConsumeAutoConfirm())
	assert.True(t, s.ConsumeAutoConfirm())
	assert.False(t, s.ConsumeAutoConfirm())
}

func TestIdleRequiresNoClientsAndNotGenerating(t *testing.T) {
	s := newTestSession()
	s.lastActivity = time.Now().Add(-time.Hour)

	assert.True(t, s.Idle(time.Minute))

	s.AddClient()
	assert.False(t, s.Idle(time.Minute))
	s.RemoveClient()

	s.lastActivity = time.Now().Add(-time.Hour)
	s.SetGenerating(true)
	assert.False(t, s.Idle(time.Minute))
}
