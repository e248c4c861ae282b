// Package provider defines the normalized interface every model backend
// implements, independent of whether the wire protocol underneath is the
// OpenAI-compatible family or the Anthropic family.
package provider

import (
	"context"
	"errors"
	"iter"

	"github.com/loopcore/loopcore/pkg/message"
)

// ToolSchema is a provider-agnostic function/tool declaration, translated
// by each family adapter into its own wire shape (OpenAI "functions",
// Anthropic "tools").
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Token is one unit of a streamed response: either a text fragment, a
// native tool-call event flattened to the "@name(call_id): {json}" marker
// the native-format parser understands, or a terminal usage report.
type Token struct {
	Text  string
	Usage *message.Usage // set only on the final Token of a stream
}

// Provider is the normalized entry point the step engine calls through,
// never touching family-specific request/response types directly.
type Provider interface {
	// Chat performs a non-streaming request and returns the full response
	// text (which may itself contain "<think>"-wrapped reasoning and
	// synthesized native tool-call markers) plus usage.
	Chat(ctx context.Context, messages []message.Message, tools []ToolSchema) (text string, usage message.Usage, err error)

	// Stream performs a streaming request, returning an iterator over
	// (Token, error) pairs. A
	// non-nil error terminates the sequence; the final successful Token
	// carries Usage. The outer error return fires only for failures that
	// happen before the request is even accepted (e.g. building it).
	Stream(ctx context.Context, messages []message.Message, tools []ToolSchema) (iter.Seq2[Token, error], error)

	// Name identifies the provider for logging and cost lookups, e.g.
	// "anthropic" or "openai".
	Name() string
}

// ErrNoFirstToken describes a stream that failed before yielding any token.
// Nothing in this package returns or checks it: the retry wrapper
// (WithRetry) tracks first-token delivery itself, and once at least one
// token has reached the caller no later failure triggers a silent retry,
// since that would duplicate output downstream.
var ErrNoFirstToken = errors.New("provider: stream failed before yielding any token")
