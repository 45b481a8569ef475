// Package openai adapts the OpenAI Go SDK (v2) to the llm.Provider
// contract, grounded on the teacher's internal/llm/openai/client.go:
// same SDK client construction and chat/stream plumbing, trimmed of the
// image-generation, Responses-API, and MLX/self-hosted-SSE-fallback
// branches that have no SPEC_FULL.md component to serve.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/config"
	"agentrunner/internal/llm"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(c config.OpenAIConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: c.Model}
}

func (c *Client) MaxContextLength(model string) int {
	tokens, _ := llm.ContextSize(firstNonEmpty(model, c.model))
	return tokens
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func adaptSchemas(tools []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			Parameters:  sdk.FunctionParameters(t.Parameters),
		}))
	}
	return out
}

func isThinkingModel(model string) bool {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}

const defaultMaxTokens = 4096

func (c *Client) buildParams(msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) sdk.ChatCompletionNewParams {
	effective := firstNonEmpty(model, c.model)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(effective),
		Messages: adaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if isThinkingModel(effective) {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	} else {
		params.MaxTokens = param.NewOpt(int64(maxTokens))
	}
	return params
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error) {
	params := c.buildParams(msgs, tools, model, maxTokens)
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("openai_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}
	if len(comp.Choices) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: no choices returned")
	}
	msg := comp.Choices[0].Message
	out := llm.Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				Name: v.Function.Name,
				Args: json.RawMessage(v.Function.Arguments),
				ID:   v.ID,
			})
		}
	}
	usage := llm.Usage{PromptTokens: int(comp.Usage.PromptTokens), CompletionTokens: int(comp.Usage.CompletionTokens)}
	return out, usage, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int, h llm.StreamHandler) (llm.Usage, error) {
	params := c.buildParams(msgs, tools, model, maxTokens)
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolCalls := map[int]*llm.ToolCall{}
	flushed := false
	var usage llm.Usage

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = llm.Usage{PromptTokens: int(chunk.Usage.PromptTokens), CompletionTokens: int(chunk.Usage.CompletionTokens)}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &llm.ToolCall{ID: tc.ID}
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = json.RawMessage(string(toolCalls[idx].Args) + tc.Function.Arguments)
			}
		}
		if chunk.Choices[0].FinishReason != "" && !flushed {
			for _, tc := range toolCalls {
				if tc != nil && tc.Name != "" {
					h.OnToolCall(*tc)
				}
			}
			flushed = true
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("openai_chat_stream_error")
		return usage, err
	}
	return usage, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
