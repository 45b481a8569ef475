// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// llm.Provider contract, grounded on the teacher's
// internal/llm/anthropic/client.go: same message/tool adaptation and
// streaming tool-call accumulation, trimmed of prompt-cache configuration
// and the dedicated count_tokens tokenizer (no SPEC_FULL.md component
// exercises either).
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/config"
	"agentrunner/internal/llm"
)

const defaultMaxTokens int64 = 1024

// thinkingData preserves an Anthropic extended-thinking block across turns;
// Claude requires assistant messages to replay prior thinking blocks
// verbatim, so it is round-tripped through Message.ThoughtSignature as JSON.
type thinkingData struct {
	Signature string `json:"signature"`
	Thinking  string `json:"thinking"`
}

type Client struct {
	sdk   anthropic.Client
	model string
}

func New(cfg config.AnthropicConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *Client) MaxContextLength(model string) int {
	tokens, _ := llm.ContextSize(c.pickModel(model))
	return tokens
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func (c *Client) buildParams(msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (anthropic.MessageNewParams, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	mt := int64(maxTokens)
	if mt <= 0 {
		mt = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: mt,
	}
	if shouldIncludeThoughtSummaries(string(params.Model)) {
		const thinkingBudget int64 = 1024
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		if params.MaxTokens <= thinkingBudget {
			params.MaxTokens = thinkingBudget + 1024
		}
	}
	return params, nil
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error) {
	params, err := c.buildParams(msgs, tools, model, maxTokens)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}

	out := messageFromResponse(resp)
	usage := llm.Usage{
		PromptTokens:     usagePromptTokens(resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens, resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	return out, usage, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int, h llm.StreamHandler) (llm.Usage, error) {
	params, err := c.buildParams(msgs, tools, model, maxTokens)
	if err != nil {
		return llm.Usage{}, err
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	var usage anthropic.MessageDeltaUsage
	toolBuffers := map[int]*toolBuffer{}
	hasDelta := false

	for stream.Next() {
		event := stream.Current()
		// The SDK's Accumulate can fail to marshal tool_use blocks with
		// empty/invalid Input JSON; we track tool calls ourselves via
		// toolBuffers, so that specific failure is safe to ignore.
		_ = acc.Accumulate(event)

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
				}
				tb := &toolBuffer{name: block.Name, id: id}
				tb.appendInitial(block.Input)
				toolBuffers[int(ev.Index)] = tb
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					h.OnDelta(delta.Text)
					hasDelta = true
				}
			case anthropic.InputJSONDelta:
				if tb := toolBuffers[int(ev.Index)]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			}
		case anthropic.MessageDeltaEvent:
			usage = ev.Usage
		}
	}

	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_chat_stream_error")
		return llm.Usage{}, err
	}

	msg := messageFromResponse(&acc)
	hasStreamedDeltas := false
	for _, tb := range toolBuffers {
		if tb != nil && tb.hasDeltas {
			hasStreamedDeltas = true
			break
		}
	}
	switch {
	case len(toolBuffers) > 0 && hasStreamedDeltas:
		for _, idx := range sortedIndices(toolBuffers) {
			if tb := toolBuffers[idx]; tb != nil {
				h.OnToolCall(tb.toToolCall())
			}
		}
	case len(msg.ToolCalls) > 0:
		for _, tc := range msg.ToolCalls {
			h.OnToolCall(tc)
		}
	case len(toolBuffers) > 0:
		for _, idx := range sortedIndices(toolBuffers) {
			if tb := toolBuffers[idx]; tb != nil {
				h.OnToolCall(tb.toToolCall())
			}
		}
	}
	if !hasDelta && msg.Content != "" {
		h.OnDelta(msg.Content)
	}

	return llm.Usage{
		PromptTokens:     usagePromptTokens(usage.CacheCreationInputTokens, usage.CacheReadInputTokens, usage.InputTokens),
		CompletionTokens: int(usage.OutputTokens),
	}, nil
}

func sortedIndices(m map[int]*toolBuffer) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func shouldIncludeThoughtSummaries(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return false
	}
	if idx := strings.LastIndex(m, "/"); idx != -1 {
		m = m[idx+1:]
	}
	for _, s := range []string{"claude-sonnet-4-5", "claude-haiku-4-5", "claude-opus-4-5"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.ThoughtSignature != "" {
				var saved []thinkingData
				if err := json.Unmarshal([]byte(m.ThoughtSignature), &saved); err == nil {
					for _, td := range saved {
						blocks = append(blocks, anthropic.NewThinkingBlock(td.Signature, td.Thinking))
					}
				}
			}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func messageFromResponse(resp *anthropic.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	var thinkingBlocks []thinkingData
	callIdx := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			thinkingBlocks = append(thinkingBlocks, thinkingData{Signature: v.Signature, Thinking: v.Thinking})
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			args := v.Input
			if len(args) == 0 {
				if b, err := json.Marshal(v.Input); err == nil {
					args = b
				}
			}
			calls = append(calls, llm.ToolCall{Name: v.Name, Args: args, ID: id})
		}
	}

	var thoughtSig string
	if len(thinkingBlocks) > 0 {
		if encoded, err := json.Marshal(thinkingBlocks); err == nil {
			thoughtSig = string(encoded)
		}
	}

	return llm.Message{
		Role:             "assistant",
		Content:          sb.String(),
		ToolCalls:        calls,
		ThoughtSignature: thoughtSig,
	}
}

func usagePromptTokens(cacheCreation, cacheRead, input int64) int {
	return int(cacheCreation + cacheRead + input)
}

type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	tb.buf.WriteString(string(raw))
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) toToolCall() llm.ToolCall {
	args := tb.buf.String()
	if tb.hasDeltas && !strings.HasSuffix(strings.TrimSpace(args), "}") {
		args += "}"
	}
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		trimmed = "{}"
	} else {
		if !strings.HasPrefix(trimmed, "{") {
			trimmed = "{" + trimmed
		}
		if !strings.HasSuffix(trimmed, "}") {
			trimmed += "}"
		}
	}
	if !json.Valid([]byte(trimmed)) {
		trimmed = "{}"
	}
	return llm.ToolCall{Name: tb.name, Args: json.RawMessage(trimmed), ID: tb.id}
}
