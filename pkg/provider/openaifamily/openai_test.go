package openaifamily

import (
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/message"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestBuildRequestPassesRolesThrough(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "gpt-4o"})
	msgs := []message.Message{
		message.New(message.RoleSystem, "be terse", fixedNow),
		message.New(message.RoleUser, "hi", fixedNow),
	}
	req := a.buildRequest(msgs, nil, false)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
}

func TestBuildRequestDemotesSystemForReasoningModels(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "o3", IsReasoning: true})
	msgs := []message.Message{
		message.New(message.RoleSystem, "be terse", fixedNow),
		message.New(message.RoleUser, "hi", fixedNow),
	}
	req := a.buildRequest(msgs, nil, false)
	require.Len(t, req.Messages, 1, "demoted system and user should merge into one user turn")
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "<system>be terse</system>")
	assert.Contains(t, req.Messages[0].Content, "hi")
}

func TestBuildRequestToolResultsCarryCallID(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "gpt-4o"})
	result := message.New(message.RoleTool, "file1\nfile2", fixedNow)
	result.CallID = "call_7"
	req := a.buildRequest([]message.Message{result}, nil, false)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleTool, req.Messages[0].Role)
	assert.Equal(t, "call_7", req.Messages[0].ToolCallID)
}

func TestBuildRequestSystemToolResultUsesToolRoleEvenOnReasoningModel(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "o3", IsReasoning: true})
	result := message.New(message.RoleSystem, "output", fixedNow)
	result.CallID = "call_1"
	req := a.buildRequest([]message.Message{result}, nil, false)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleTool, req.Messages[0].Role)
}

func TestBuildRequestSplitsAssistantNativeToolCalls(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "gpt-4o"})
	assistant := message.New(message.RoleAssistant,
		"Listing files now.\n@shell(call_3): {\"command\":\"ls\"}", fixedNow)
	req := a.buildRequest([]message.Message{
		message.New(message.RoleUser, "list files", fixedNow),
		assistant,
	}, nil, false)

	require.Len(t, req.Messages, 2)
	am := req.Messages[1]
	assert.Equal(t, "Listing files now.", am.Content)
	require.Len(t, am.ToolCalls, 1)
	assert.Equal(t, "call_3", am.ToolCalls[0].ID)
	assert.Equal(t, "shell", am.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"command":"ls"}`, am.ToolCalls[0].Function.Arguments)
}

func TestBuildRequestExtractsThinkTagsIntoReasoningContent(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openrouter", Model: "deepseek-r1"})
	assistant := message.New(message.RoleAssistant, "<think>count the rs</think>three", fixedNow)
	req := a.buildRequest([]message.Message{assistant}, nil, false)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "count the rs", req.Messages[0].ReasoningContent)
	assert.Equal(t, "three", req.Messages[0].Content)
}

func TestMergeConsecutiveJoinsSameRoleRuns(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "a"},
		{Role: openai.ChatMessageRoleUser, Content: "b"},
		{Role: openai.ChatMessageRoleAssistant, Content: "c"},
		{Role: openai.ChatMessageRoleUser, Content: "d"},
	}
	out := mergeConsecutive(msgs)
	require.Len(t, out, 3)
	assert.Equal(t, "a\n\nb", out[0].Content)
}

func TestMergeConsecutiveKeepsDistinctToolResults(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleTool, Content: "one", ToolCallID: "call_1"},
		{Role: openai.ChatMessageRoleTool, Content: "two", ToolCallID: "call_2"},
	}
	out := mergeConsecutive(msgs)
	assert.Len(t, out, 2, "tool results with different ids must not merge")
}

func TestApplyQuirksDeepSeekToolCallsNeedReasoningContent(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "deepseek", Model: "deepseek-chat"})
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{ID: "c1"}}},
	}
	a.applyQuirks(msgs)
	assert.NotEmpty(t, msgs[0].ReasoningContent)

	b := newTestAdapter(t, Config{Name: "openai", Model: "gpt-4o"})
	msgs2 := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{ID: "c1"}}},
	}
	b.applyQuirks(msgs2)
	assert.Empty(t, msgs2[0].ReasoningContent)
}

func TestBuildRequestPreservesNativeArgTypes(t *testing.T) {
	a := newTestAdapter(t, Config{Name: "openai", Model: "gpt-4o"})
	assistant := message.New(message.RoleAssistant,
		"@shell(call_4): {\"timeout\": 30, \"verbose\": true, \"command\": \"ls\"}", fixedNow)
	req := a.buildRequest([]message.Message{assistant}, nil, false)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].ToolCalls, 1)
	assert.JSONEq(t, `{"timeout": 30, "verbose": true, "command": "ls"}`,
		req.Messages[0].ToolCalls[0].Function.Arguments,
		"numeric and boolean args must not come back quoted")
}

func TestStripNativeMarkersRemovesOnlyMarkerLines(t *testing.T) {
	text := "prose line\n@shell(call_1): {\"command\":\"ls\"}\nmore prose"
	assert.Equal(t, "prose line\nmore prose", stripNativeMarkers(text))
}
