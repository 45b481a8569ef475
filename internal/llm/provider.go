// Package llm defines the LLM Client contract (spec.md C2): a uniform
// Provider interface over OpenAI, Anthropic, and Google chat-completions
// backends, plus token estimation and context-window lookup.
package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is produced by a provider's native function-calling output (or by
// the Response Parser for providers that only emit the XML-like tag
// grammar). ThoughtSignature carries provider-specific opaque state (Gemini
// 3) that must be echoed back on later turns; stored base64-encoded so it
// round-trips through JSON and logging without corruption.
type ToolCall struct {
	Name             string
	Args             json.RawMessage
	ID               string
	ThoughtSignature string
}

// Message is the Data Model's Message tuple: role, content, optional
// metadata. ToolCalls is only populated on assistant messages.
type Message struct {
	Role             string // "system" | "user" | "assistant" | "tool"
	Content          string
	ToolID           string
	ToolCalls        []ToolCall
	ThoughtSignature string
}

// ToolSchema is a Tool Catalog Entry rendered for function-calling: name,
// description, and JSON schema parameters.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting for one Chat/ChatStream call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamHandler receives incremental output from ChatStream.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the C2 LLM Client contract: generate(messages) with bounded
// retries happens one layer up (see WithRetry); a Provider implementation
// itself performs exactly one network attempt per call.
type Provider interface {
	// Chat is generate(messages, max_tokens) from spec.md §4.2. One network
	// attempt; bounded retry is applied by RetryingProvider, not here.
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, maxTokens int) (Message, Usage, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, maxTokens int, h StreamHandler) (Usage, error)
	// MaxContextLength exposes the provider's configured context window in
	// tokens for the given model (spec.md §4.2 `max_context_length`).
	MaxContextLength(model string) int
}
