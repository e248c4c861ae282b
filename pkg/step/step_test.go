package step

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/logstore"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestLog(t *testing.T) *logstore.Log {
	t.Helper()
	l, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Append(message.New(message.RoleSystem, "you are a test assistant", fixedNow)))
	return l
}

// scriptedProvider returns replies in order, one per Chat call, so a test
// can drive the loop through a fixed number of turns.
type scriptedProvider struct {
	replies []string
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, msgs []message.Message, tools []provider.ToolSchema) (string, message.Usage, error) {
	if p.calls >= len(p.replies) {
		return "", message.Usage{}, nil
	}
	reply := p.replies[p.calls]
	p.calls++
	return reply, message.Usage{Model: "scripted", InputTokens: 10, OutputTokens: 5}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, msgs []message.Message, tools []provider.ToolSchema) (iter.Seq2[provider.Token, error], error) {
	return nil, nil
}

func alwaysConfirm(ctx context.Context, use tooluse.ToolUse) (string, bool, error) {
	return use.Content, true, nil
}

func testRegistry() *tooluse.Registry {
	reg := tooluse.NewRegistry()
	_ = reg.Register(tooluse.Spec{
		Name:       "echo",
		BlockTypes: []string{"echo"},
		Executor: func(ctx context.Context, use tooluse.ToolUse, log tooluse.Log, workspace string) iter.Seq2[message.Message, error] {
			return func(yield func(message.Message, error) bool) {
				yield(message.New(message.RoleTool, "echoed: "+use.Content, fixedNow), nil)
			}
		},
	})
	return reg
}

func newEngine(t *testing.T, p provider.Provider) *Engine {
	t.Helper()
	return &Engine{
		Log:       newTestLog(t),
		Provider:  p,
		Registry:  testRegistry(),
		Bus:       hook.New(),
		Costs:     cost.NewSessionCosts(),
		Interrupt: NewInterrupt(),
		Format:    tooluse.FormatMarkdown,
		Confirm:   alwaysConfirm,
		SessionID: "sess-1",
		Now:       fixedNow,
	}
}

func TestRunStopsWhenNoToolUseDetected(t *testing.T) {
	p := &scriptedProvider{replies: []string{"just a plain reply, no tools"}}
	e := newEngine(t, p)

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)
	assert.Equal(t, 1, p.calls)

	msgs := e.Log.Messages()
	require.Len(t, msgs, 2) // system + assistant
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
}

func TestRunExecutesToolAndLoopsToSecondGeneration(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"```echo\nhello\n```\n",
		"done, no more tools",
	}}
	e := newEngine(t, p)

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)
	assert.Equal(t, 2, p.calls)

	var sawToolResult bool
	for _, m := range e.Log.Messages() {
		if m.Content == "echoed: hello" {
			sawToolResult = true
			// Markdown format: output travels as a system message, not
			// role=tool, since no call_id anchors it.
			assert.Equal(t, message.RoleSystem, m.Role)
		}
	}
	assert.True(t, sawToolResult)
}

func TestRunNativeFormatKeepsToolRoleOnResults(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"@echo(call_5): {\"text\":\"hi\"}",
		"done",
	}}
	e := newEngine(t, p)
	e.Format = tooluse.FormatTool

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)

	var sawToolResult bool
	for _, m := range e.Log.Messages() {
		if m.Role == message.RoleTool {
			sawToolResult = true
			assert.Equal(t, "call_5", m.CallID)
		}
	}
	assert.True(t, sawToolResult)
}

func TestRunReturnsNeedsConfirmWhenConfirmDeclines(t *testing.T) {
	p := &scriptedProvider{replies: []string{"```echo\nhello\n```\n"}}
	e := newEngine(t, p)
	e.Confirm = func(ctx context.Context, use tooluse.ToolUse) (string, bool, error) {
		return "", false, nil
	}

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsConfirm, outcome.Status)
	require.NotNil(t, outcome.Pending)
	assert.Equal(t, "echo", outcome.Pending.ToolName)
}

func TestRunAutoConfirmSkipsConfirmFunc(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"```echo\nhello\n```\n",
		"done",
	}}
	e := newEngine(t, p)
	e.AutoConfirm = true
	e.Confirm = func(ctx context.Context, use tooluse.ToolUse) (string, bool, error) {
		t.Fatal("Confirm should not be called when AutoConfirm is set")
		return "", false, nil
	}

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)
}

func TestRunRespectsInterruptBeforeGeneration(t *testing.T) {
	p := &scriptedProvider{replies: []string{"should not be reached"}}
	e := newEngine(t, p)
	e.Interrupt.Raise()

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, outcome.Status)
	assert.Equal(t, 0, p.calls)
	assert.False(t, e.Interrupt.Requested())
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"```echo\na\n```\n",
		"```echo\nb\n```\n",
		"```echo\nc\n```\n",
	}}
	e := newEngine(t, p)
	e.AutoConfirm = true
	e.MaxSteps = 2

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxSteps, outcome.Status)
	assert.Equal(t, 2, p.calls)
}

func TestRunRecordsCostUsage(t *testing.T) {
	p := &scriptedProvider{replies: []string{"no tools here"}}
	e := newEngine(t, p)

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	summary := e.Costs.Summarize()
	assert.Equal(t, 1, summary.RequestCount)
	assert.Equal(t, 10, summary.TotalInputTokens)
	assert.Equal(t, 5, summary.TotalOutputTokens)
}

func TestRunAppendsHookContributedMessages(t *testing.T) {
	p := &scriptedProvider{replies: []string{"plain reply"}}
	e := newEngine(t, p)
	e.Bus.Register(hook.GenerationPre, 0, func(hc hook.Context) ([]message.Message, error) {
		return []message.Message{message.New(message.RoleSystem, "injected context", fixedNow)}, nil
	})

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	var found bool
	for _, m := range e.Log.Messages() {
		if m.Content == "injected context" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResumeConfirmedExecutesPendingToolUse(t *testing.T) {
	p := &scriptedProvider{replies: []string{"```echo\nhello\n```\n"}}
	e := newEngine(t, p)
	e.Confirm = func(ctx context.Context, use tooluse.ToolUse) (string, bool, error) {
		return "", false, nil
	}

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusNeedsConfirm, outcome.Status)
	require.NotNil(t, outcome.Pending)

	require.NoError(t, e.ResumeConfirmed(context.Background(), *outcome.Pending))

	var sawToolResult bool
	for _, m := range e.Log.Messages() {
		if m.Content == "echoed: hello" {
			sawToolResult = true
			assert.Equal(t, message.RoleSystem, m.Role)
		}
	}
	assert.True(t, sawToolResult)
}

// streamingProvider yields each reply one rune at a time.
type streamingProvider struct {
	replies []string
	calls   int
	// raiseAfter, when > 0, raises interrupt on the engine after that many
	// tokens of the first reply.
	raiseAfter int
	interrupt  *Interrupt
}

func (p *streamingProvider) Name() string { return "streaming" }

func (p *streamingProvider) Chat(ctx context.Context, _ []message.Message, _ []provider.ToolSchema) (string, message.Usage, error) {
	return "", message.Usage{}, nil
}

func (p *streamingProvider) Stream(ctx context.Context, _ []message.Message, _ []provider.ToolSchema) (iter.Seq2[provider.Token, error], error) {
	var reply string
	if p.calls < len(p.replies) {
		reply = p.replies[p.calls]
	}
	p.calls++
	return func(yield func(provider.Token, error) bool) {
		for i, r := range reply {
			if p.raiseAfter > 0 && i == p.raiseAfter {
				p.interrupt.Raise()
			}
			if !yield(provider.Token{Text: string(r)}, nil) {
				return
			}
		}
		yield(provider.Token{Usage: &message.Usage{Model: "streaming", OutputTokens: len(reply)}}, nil)
	}, nil
}

func TestRunStreamingConcatenatesTokens(t *testing.T) {
	p := &streamingProvider{replies: []string{"Hi!"}}
	e := newEngine(t, p)
	e.Streaming = true

	var streamed string
	e.OnToken = func(text string) { streamed += text }

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)

	msgs := e.Log.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, message.RoleAssistant, last.Role)
	assert.Equal(t, "Hi!", last.Content)
	assert.Equal(t, last.Content, streamed)
}

func TestRunStreamingInterruptAppendsSuffix(t *testing.T) {
	p := &streamingProvider{replies: []string{"a long reply that keeps going"}, raiseAfter: 5}
	e := newEngine(t, p)
	e.Streaming = true
	p.interrupt = e.Interrupt

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, outcome.Status)
	assert.False(t, e.Interrupt.Requested(), "engine clears the flag after honoring it")

	msgs := e.Log.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, message.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, " [INTERRUPTED]")
	assert.Less(t, len(last.Content), len(p.replies[0])+len(" [INTERRUPTED]")+2)
}

func TestRunStreamingBreaksOnCompleteToolBlock(t *testing.T) {
	p := &streamingProvider{replies: []string{
		"```echo\nhi\n```\n\nand then a long trailing explanation",
		"done",
	}}
	e := newEngine(t, p)
	e.Streaming = true
	e.AutoConfirm = true
	e.BreakOnToolUse = true

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)

	var firstAssistant message.Message
	for _, m := range e.Log.Messages() {
		if m.Role == message.RoleAssistant {
			firstAssistant = m
			break
		}
	}
	assert.NotContains(t, firstAssistant.Content, "trailing explanation",
		"the stream should stop once the tool block is complete")
}

func TestRunFiresLoopContinueBetweenToolAndNextGeneration(t *testing.T) {
	p := &scriptedProvider{replies: []string{"```echo\nx\n```\n", "done"}}
	e := newEngine(t, p)
	e.AutoConfirm = true

	var fired int
	e.Bus.Register(hook.LoopContinue, 0, func(hc hook.Context) ([]message.Message, error) {
		fired++
		return nil, nil
	})

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestRunStopsCleanlyOnSessionCompleteHook(t *testing.T) {
	p := &scriptedProvider{replies: []string{"plain reply"}}
	e := newEngine(t, p)
	e.Bus.Register(hook.GenerationPost, 0, func(hc hook.Context) ([]message.Message, error) {
		return nil, &hook.SessionCompleteErr{Reason: "test termination"}
	})

	outcome, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, outcome.Status)
}
