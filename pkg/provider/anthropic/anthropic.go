// Package anthropic adapts the Anthropic Claude Messages API to the
// provider.Provider interface via github.com/anthropics/anthropic-sdk-go,
// applying the Anthropic-family normalization: system message
// extraction, tool_use/tool_result block translation, reasoning round-tripped
// through "<think>...</think>", and up to 4 cache_control breakpoints.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loopcore/loopcore/pkg/httpclient"
	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// maxCacheBreakpoints is the hard ceiling Anthropic's API enforces on
// cache_control markers per request.
const maxCacheBreakpoints = 4

// Config configures an Anthropic adapter instance.
type Config struct {
	Model     string
	APIKey    string
	MaxTokens int
	// ThinkingBudget, when > 0, enables extended thinking with this token
	// budget and must be strictly less than MaxTokens.
	ThinkingBudget int
	// CacheBreakpoints is the number N of cache_control: ephemeral slots;
	// N-1 of them (at least one) are spent on the system prompt's last
	// block and then the most recent user turns (see
	// applyCacheBreakpoints), trading a small write premium for large read
	// discounts on stable prefixes. Clamped to maxCacheBreakpoints.
	CacheBreakpoints int

	// Timeout is the per-request HTTP timeout; zero means none.
	Timeout time.Duration
}

// Adapter implements provider.Provider against the Anthropic Messages API.
type Adapter struct {
	cfg    Config
	client sdk.Client
}

// New builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.CacheBreakpoints > maxCacheBreakpoints {
		cfg.CacheBreakpoints = maxCacheBreakpoints
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Adapter{
		cfg:    cfg,
		client: sdk.NewClient(opts...),
	}, nil
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Chat(ctx context.Context, messages []message.Message, tools []provider.ToolSchema) (string, message.Usage, error) {
	params, err := a.buildParams(messages, tools)
	if err != nil {
		return "", message.Usage{}, err
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", message.Usage{}, fmt.Errorf("anthropic: chat: %w", classifyAPIError(err))
	}

	var b strings.Builder
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			b.WriteString(v.Text)
		case sdk.ThinkingBlock:
			b.WriteString("<think>")
			b.WriteString(v.Thinking)
			b.WriteString("</think>")
		case sdk.ToolUseBlock:
			marker, err := tooluse.Serialize(v.Name, v.ID, v.Input)
			if err == nil {
				b.WriteString("\n")
				b.WriteString(marker)
			}
		}
	}

	usage := message.Usage{
		Model:               string(resp.Model),
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
	}
	return b.String(), usage, nil
}

func (a *Adapter) Stream(ctx context.Context, messages []message.Message, tools []provider.ToolSchema) (iter.Seq2[provider.Token, error], error) {
	params, err := a.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}
	stream := a.client.Messages.NewStreaming(ctx, params)

	seq := func(yield func(provider.Token, error) bool) {
		defer stream.Close()

		toolBlocks := map[int64]*toolBuffer{}
		var model string
		var usage message.Usage

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolBlocks[ev.Index] = &toolBuffer{name: tu.Name, id: tu.ID}
				}
			case sdk.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if d.Text != "" && !yield(provider.Token{Text: d.Text}, nil) {
						return
					}
				case sdk.ThinkingDelta:
					if d.Thinking != "" && !yield(provider.Token{Text: "<think>" + d.Thinking + "</think>"}, nil) {
						return
					}
				case sdk.InputJSONDelta:
					if tb := toolBlocks[ev.Index]; tb != nil {
						tb.args += d.PartialJSON
					}
				}
			case sdk.ContentBlockStopEvent:
				if tb := toolBlocks[ev.Index]; tb != nil {
					var args any
					_ = json.Unmarshal([]byte(tb.args), &args)
					marker, err := tooluse.Serialize(tb.name, tb.id, args)
					delete(toolBlocks, ev.Index)
					if err == nil && !yield(provider.Token{Text: "\n" + marker}, nil) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				usage.InputTokens += int(ev.Usage.InputTokens)
				usage.OutputTokens += int(ev.Usage.OutputTokens)
				usage.CacheReadTokens += int(ev.Usage.CacheReadInputTokens)
				usage.CacheCreationTokens += int(ev.Usage.CacheCreationInputTokens)
			case sdk.MessageStartEvent:
				model = string(ev.Message.Model)
			}
		}
		if err := stream.Err(); err != nil {
			yield(provider.Token{}, fmt.Errorf("anthropic: stream: %w", classifyAPIError(err)))
			return
		}
		usage.Model = model
		yield(provider.Token{Usage: &usage}, nil)
	}
	return seq, nil
}

type toolBuffer struct {
	name string
	id   string
	args string
}

// classifyAPIError rewraps SDK API errors with a transient status into
// httpclient.RetryableError, carrying any rate-limit wait the response
// headers specified.
func classifyAPIError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	var retryAfter time.Duration
	if apiErr.Response != nil {
		retryAfter, _ = httpclient.RetryAfterFromHeaders(apiErr.Response.Header)
	}
	return httpclient.Classify(apiErr.StatusCode, apiErr.Error(), retryAfter, err)
}

// buildParams translates the normalized Message slice into Anthropic's
// wire shape: the first system message becomes the System field, tool
// results become tool_result blocks keyed by CallID, assistant messages
// carrying native tool-call markers are split into text + tool_use
// blocks, and reasoning is pulled back out of its <think> wrapper.
func (a *Adapter) buildParams(messages []message.Message, tools []provider.ToolSchema) (sdk.MessageNewParams, error) {
	var system []sdk.TextBlockParam
	var conv []sdk.MessageParam
	seenSystem := false

	// appendUser merges into a trailing user message instead of emitting
	// consecutive user turns, which the API rejects.
	appendUser := func(blocks ...sdk.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if len(conv) > 0 && conv[len(conv)-1].Role == sdk.MessageParamRoleUser {
			last := &conv[len(conv)-1]
			last.Content = append(last.Content, blocks...)
			return
		}
		conv = append(conv, sdk.NewUserMessage(blocks...))
	}

	for _, m := range messages {
		switch m.Role {
		case message.RoleSystem:
			if m.CallID != "" {
				appendUser(sdk.NewToolResultBlock(m.CallID, m.Content, false))
				continue
			}
			// Only the leading system message rides the top-level System
			// field; later ones are rewrapped as user turns so they keep
			// their position in the conversation.
			if !seenSystem {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
				seenSystem = true
				continue
			}
			appendUser(sdk.NewTextBlock("<system>" + m.Content + "</system>"))
		case message.RoleTool:
			appendUser(sdk.NewToolResultBlock(m.CallID, m.Content, false))
		case message.RoleUser:
			if m.Content != "" {
				appendUser(sdk.NewTextBlock(m.Content))
			}
		case message.RoleAssistant:
			reasoning, visible := message.ExtractReasoning(m.Content)
			var blocks []sdk.ContentBlockParamUnion
			if reasoning != "" {
				blocks = append(blocks, sdk.NewThinkingBlock("", reasoning))
			}
			text, uses := splitToolUses(visible)
			if text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, u := range uses {
				// Re-serialize the raw JSON args verbatim so numeric and
				// boolean input values keep their types.
				input := json.RawMessage(u.Content)
				if u.Content == "" {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(u.CallID, input, u.ToolName))
			}
			if len(blocks) > 0 {
				conv = append(conv, sdk.NewAssistantMessage(blocks...))
			}
		}
	}

	trimTrailingAssistantWhitespace(conv)
	applyCacheBreakpoints(system, conv, a.cfg.CacheBreakpoints)

	if len(conv) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages:  conv,
	}
	if len(system) > 0 {
		params.System = system
	}
	if a.cfg.ThinkingBudget > 0 && len(tools) == 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(a.cfg.ThinkingBudget))
	}
	if len(tools) > 0 {
		params.Tools = make([]sdk.ToolUnionParam, len(tools))
		for i, t := range tools {
			schema := sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			params.Tools[i] = u
		}
	}
	return params, nil
}

// trimTrailingAssistantWhitespace strips trailing whitespace from the
// final assistant text block; the API rejects assistant prefills ending in
// whitespace.
func trimTrailingAssistantWhitespace(conv []sdk.MessageParam) {
	if len(conv) == 0 {
		return
	}
	last := &conv[len(conv)-1]
	if last.Role != sdk.MessageParamRoleAssistant || len(last.Content) == 0 {
		return
	}
	if tb := last.Content[len(last.Content)-1].OfText; tb != nil {
		tb.Text = strings.TrimRight(tb.Text, " \t\n")
	}
}

// applyCacheBreakpoints spends up to n cache_control: ephemeral markers,
// favoring the stable prefix: the system prompt first, then the most
// recent user turn boundaries. For n >= 2 one slot is left unspent so a
// caller-side retry with an extra message can still place its own marker;
// n == 1 spends its single slot.
func applyCacheBreakpoints(system []sdk.TextBlockParam, conv []sdk.MessageParam, n int) {
	if n <= 0 {
		return
	}
	budget := n - 1
	if budget <= 0 {
		budget = 1
	}
	cc := sdk.CacheControlEphemeralParam{Type: "ephemeral"}

	used := 0
	if len(system) > 0 {
		system[len(system)-1].CacheControl = cc
		used++
	}
	for i := len(conv) - 1; i >= 0 && used < budget; i-- {
		if conv[i].Role != sdk.MessageParamRoleUser || len(conv[i].Content) == 0 {
			continue
		}
		block := &conv[i].Content[len(conv[i].Content)-1]
		switch {
		case block.OfText != nil:
			block.OfText.CacheControl = cc
		case block.OfToolResult != nil:
			block.OfToolResult.CacheControl = cc
		default:
			continue
		}
		used++
	}
}

func splitToolUses(text string) (string, []tooluse.ToolUse) {
	uses := tooluse.Parse(text, tooluse.FormatTool, false, nil)
	if len(uses) == 0 {
		return text, nil
	}
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		if strings.HasPrefix(line, "@") && strings.Contains(line, "):") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), uses
}
