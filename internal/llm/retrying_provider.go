package llm

import "context"

// RetryingProvider wraps any Provider so every Chat/ChatStream call is
// subject to the bounded-retry contract in WithRetry, regardless of which
// concrete backend (OpenAI/Anthropic/Google) is configured.
type RetryingProvider struct {
	Inner Provider
}

func NewRetryingProvider(inner Provider) *RetryingProvider {
	return &RetryingProvider{Inner: inner}
}

func (p *RetryingProvider) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, maxTokens int) (Message, Usage, error) {
	var out Message
	var usage Usage
	err := WithRetry(ctx, func(ctx context.Context) error {
		m, u, err := p.Inner.Chat(ctx, msgs, tools, model, maxTokens)
		if err != nil {
			return err
		}
		out, usage = m, u
		return nil
	})
	return out, usage, err
}

func (p *RetryingProvider) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, maxTokens int, h StreamHandler) (Usage, error) {
	// Streaming calls are not retried mid-stream (a partial stream may have
	// already reached the client); a failure before the first delta is
	// retried exactly like Chat, but once bytes have been emitted to h the
	// attempt is considered consumed.
	var usage Usage
	started := false
	guard := &startGuardHandler{inner: h, started: &started}
	var streamErr error
	err := WithRetry(ctx, func(ctx context.Context) error {
		u, err := p.Inner.ChatStream(ctx, msgs, tools, model, maxTokens, guard)
		usage = u
		if err != nil && started {
			streamErr = err
			return nil
		}
		return err
	})
	if streamErr != nil {
		return usage, streamErr
	}
	return usage, err
}

type startGuardHandler struct {
	inner   StreamHandler
	started *bool
}

func (g *startGuardHandler) OnDelta(content string) {
	*g.started = true
	g.inner.OnDelta(content)
}

func (g *startGuardHandler) OnToolCall(tc ToolCall) {
	*g.started = true
	g.inner.OnToolCall(tc)
}

func (p *RetryingProvider) MaxContextLength(model string) int {
	return p.Inner.MaxContextLength(model)
}
