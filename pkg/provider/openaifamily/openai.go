// Package openaifamily adapts every OpenAI-compatible backend (OpenAI
// proper, Groq, DeepSeek, OpenRouter, local gateways) to the provider.Provider
// interface, applying the family normalization rules before
// any of them see a request: reasoning-model system-message handling, tool
// role/tool_call_id wiring, and assistant tool-call splitting.
package openaifamily

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loopcore/loopcore/pkg/httpclient"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// Config configures one OpenAI-family endpoint.
type Config struct {
	Name        string // "openai", "groq", "deepseek", "openrouter", ...
	Model       string
	APIKey      string
	BaseURL     string // empty uses the SDK's default (api.openai.com)
	MaxTokens   int
	IsReasoning bool          // o1/o3-style models: no system role, <think> via special handling
	Timeout     time.Duration // per-request HTTP timeout; zero means none
}

// Adapter implements provider.Provider against the OpenAI chat completions
// API via the go-openai SDK.
type Adapter struct {
	cfg    Config
	client *openai.Client
}

// New builds an Adapter. APIKey is required; BaseURL defaults to OpenAI's
// own endpoint when empty.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openaifamily: API key is required for %s", cfg.Name)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Chat(ctx context.Context, messages []message.Message, tools []provider.ToolSchema) (string, message.Usage, error) {
	req := a.buildRequest(messages, tools, false)
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", message.Usage{}, fmt.Errorf("openaifamily: %s chat: %w", a.cfg.Name, classifyAPIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", message.Usage{}, fmt.Errorf("openaifamily: %s returned no choices", a.cfg.Name)
	}

	text := a.renderChoice(resp.Choices[0].Message)
	usage := message.Usage{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return text, usage, nil
}

func (a *Adapter) Stream(ctx context.Context, messages []message.Message, tools []provider.ToolSchema) (iter.Seq2[provider.Token, error], error) {
	req := a.buildRequest(messages, tools, true)
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openaifamily: %s stream: %w", a.cfg.Name, classifyAPIError(err))
	}

	seq := func(yield func(provider.Token, error) bool) {
		defer stream.Close()

		pending := map[int]*openai.ToolCall{}
		var model string
		var usage message.Usage

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(provider.Token{}, fmt.Errorf("openaifamily: %s stream recv: %w", a.cfg.Name, err))
				return
			}
			model = chunk.Model
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				if !yield(provider.Token{Text: delta.Content}, nil) {
					return
				}
			}
			if delta.ReasoningContent != "" {
				if !yield(provider.Token{Text: "<think>" + delta.ReasoningContent + "</think>"}, nil) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur, ok := pending[idx]
				if !ok {
					cur = &openai.ToolCall{}
					pending[idx] = cur
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Function.Name = tc.Function.Name
				}
				cur.Function.Arguments += tc.Function.Arguments
			}
			if chunk.Choices[0].FinishReason == openai.FinishReasonToolCalls || chunk.Choices[0].FinishReason == openai.FinishReasonFunctionCall {
				for _, tc := range flushToolCalls(pending) {
					if !yield(provider.Token{Text: "\n" + tc}, nil) {
						return
					}
				}
				pending = map[int]*openai.ToolCall{}
			}
		}

		usage.Model = model
		yield(provider.Token{Usage: &usage}, nil)
	}
	return seq, nil
}

// classifyAPIError rewraps go-openai API errors with a transient status
// into httpclient.RetryableError so the retry layer can distinguish them
// from permanent 4xx failures without string matching.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return httpclient.Classify(apiErr.HTTPStatusCode, apiErr.Message, 0, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return httpclient.Classify(reqErr.HTTPStatusCode, reqErr.Error(), 0, err)
	}
	return err
}

// flushToolCalls renders each accumulated tool call as the synthetic
// "@name(call_id): {json}" marker, skipping calls without an ID or name.
// Markers come out in map iteration order, so the order of several calls
// is not defined.
func flushToolCalls(pending map[int]*openai.ToolCall) []string {
	out := make([]string, 0, len(pending))
	for _, tc := range pending {
		if tc.ID == "" || tc.Function.Name == "" {
			continue
		}
		var args any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		marker, err := tooluse.Serialize(tc.Function.Name, tc.ID, args)
		if err != nil {
			continue
		}
		out = append(out, marker)
	}
	return out
}

func (a *Adapter) renderChoice(msg openai.ChatCompletionMessage) string {
	var b strings.Builder
	if msg.ReasoningContent != "" {
		b.WriteString("<think>")
		b.WriteString(msg.ReasoningContent)
		b.WriteString("</think>\n")
	}
	b.WriteString(msg.Content)
	for _, tc := range msg.ToolCalls {
		var args any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		marker, err := tooluse.Serialize(tc.Function.Name, tc.ID, args)
		if err == nil {
			b.WriteString("\n")
			b.WriteString(marker)
		}
	}
	return b.String()
}

// buildRequest converts the provider-agnostic Message slice into an
// openai.ChatCompletionRequest, applying the family normalization:
// reasoning models get no "system" role (their instructions are wrapped
// into the first user turn instead), tool results become role="tool"
// messages carrying ToolCallID, and an assistant message embedding
// multiple native tool-call markers is split back out into ToolCalls.
func (a *Adapter) buildRequest(messages []message.Message, tools []provider.ToolSchema, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     a.cfg.Model,
		Stream:    stream,
		MaxTokens: a.cfg.MaxTokens,
	}

	oaiMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case message.RoleSystem:
			// Reasoning models reject the system role: demote to user,
			// wrapped so the model still reads it as instructions. Tool
			// results (CallID set) keep their place via the tool role below.
			if a.cfg.IsReasoning && m.CallID == "" {
				oaiMsgs = append(oaiMsgs, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: "<system>" + m.Content + "</system>",
				})
				continue
			}
			if m.CallID != "" {
				oaiMsgs = append(oaiMsgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    m.Content,
					ToolCallID: m.CallID,
				})
				continue
			}
			oaiMsgs = append(oaiMsgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case message.RoleTool:
			oaiMsgs = append(oaiMsgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.CallID,
			})
		case message.RoleAssistant:
			reasoning, visible := message.ExtractReasoning(m.Content)
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ReasoningContent: reasoning}
			text, calls := splitNativeToolCalls(visible)
			oaiMsg.Content = text
			oaiMsg.ToolCalls = calls
			oaiMsgs = append(oaiMsgs, oaiMsg)
		default:
			oaiMsgs = append(oaiMsgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}

	oaiMsgs = mergeConsecutive(oaiMsgs)
	a.applyQuirks(oaiMsgs)
	req.Messages = oaiMsgs

	if len(tools) > 0 {
		req.Tools = make([]openai.Tool, len(tools))
		for i, ts := range tools {
			req.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        ts.Name,
					Description: ts.Description,
					Parameters:  ts.Parameters,
				},
			}
		}
	}
	return req
}

// mergeConsecutive joins runs of same-role messages (and tool results
// sharing one tool_call_id) into a single message, since several backends
// reject or silently drop repeated roles.
func mergeConsecutive(msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			mergeable := prev.Role == m.Role &&
				len(prev.ToolCalls) == 0 && len(m.ToolCalls) == 0 &&
				(m.Role != openai.ChatMessageRoleTool || prev.ToolCallID == m.ToolCallID)
			if mergeable {
				prev.Content = prev.Content + "\n\n" + m.Content
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// applyQuirks patches the request messages for backends that deviate from
// the baseline API: DeepSeek requires assistant messages carrying
// tool_calls to also carry a reasoning_content field.
func (a *Adapter) applyQuirks(msgs []openai.ChatCompletionMessage) {
	if a.cfg.Name != "deepseek" {
		return
	}
	for i := range msgs {
		if msgs[i].Role == openai.ChatMessageRoleAssistant && len(msgs[i].ToolCalls) > 0 && msgs[i].ReasoningContent == "" {
			msgs[i].ReasoningContent = " "
		}
	}
}

// splitNativeToolCalls pulls any "@name(call_id): {json}" markers out of
// text (synthesized by a prior Stream call, or present verbatim in a
// replayed log) and turns them back into structured ToolCalls, since the
// OpenAI API expects tool invocations as a separate field, not inline text.
func splitNativeToolCalls(text string) (string, []openai.ToolCall) {
	uses := tooluse.Parse(text, tooluse.FormatTool, false, nil)
	if len(uses) == 0 {
		return text, nil
	}
	calls := make([]openai.ToolCall, 0, len(uses))
	for _, u := range uses {
		// Content is the raw JSON blob from the marker; re-serializing it
		// verbatim keeps numeric/boolean argument types intact, where a
		// round-trip through the stringified NamedArgs would quote them.
		args := u.Content
		if args == "" {
			args = "{}"
		}
		calls = append(calls, openai.ToolCall{
			ID:   u.CallID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      u.ToolName,
				Arguments: args,
			},
		})
	}
	remaining := stripNativeMarkers(text)
	return remaining, calls
}

func stripNativeMarkers(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "@") && strings.Contains(line, "):") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
