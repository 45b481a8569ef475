// Package google adapts google.golang.org/genai to the llm.Provider
// contract, grounded on the teacher's internal/llm/google/client.go: same
// content/tool adaptation and thought-signature round-tripping, trimmed of
// image generation (ResponseModalities/ImageConfig) and the custom
// HTTPOptions.Timeout knob, neither of which any SPEC_FULL.md component
// exercises.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	genai "google.golang.org/genai"

	"github.com/rs/zerolog/log"

	"agentrunner/internal/config"
	"agentrunner/internal/llm"
)

type Client struct {
	client      *genai.Client
	model       string
	httpOptions genai.HTTPOptions
}

func New(cfg config.GoogleConfig) (*Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}

	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}

	return &Client{client: client, model: model, httpOptions: httpOpts}, nil
}

func (c *Client) MaxContextLength(model string) int {
	tokens, _ := llm.ContextSize(c.pickModel(model))
	return tokens
}

func (c *Client) pickModel(model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		return c.model
	}
	return m
}

func (c *Client) buildContentConfig(model string, tools []*genai.Tool, toolCfg *genai.ToolConfig, maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		HTTPOptions: &c.httpOptions,
		Tools:       tools,
		ToolConfig:  toolCfg,
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if shouldIncludeThoughtSummaries(model) {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	return cfg
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error) {
	effective := c.pickModel(model)

	contents, err := toContents(msgs)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}
	toolDecls, toolCfg, err := adaptTools(tools)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}

	resp, err := c.client.Models.GenerateContent(ctx, effective, contents, c.buildContentConfig(effective, toolDecls, toolCfg, maxTokens))
	if err != nil {
		log.Error().Err(err).Str("model", effective).Msg("google_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}

	msg, err := messageFromResponse(resp)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}
	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return msg, usage, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int, h llm.StreamHandler) (llm.Usage, error) {
	effective := c.pickModel(model)

	contents, err := toContents(msgs)
	if err != nil {
		return llm.Usage{}, err
	}
	toolDecls, toolCfg, err := adaptTools(tools)
	if err != nil {
		return llm.Usage{}, err
	}

	stream := c.client.Models.GenerateContentStream(ctx, effective, contents, c.buildContentConfig(effective, toolDecls, toolCfg, maxTokens))

	var usage llm.Usage
	for resp, err := range stream {
		if err != nil {
			log.Error().Err(err).Str("model", effective).Msg("google_chat_stream_error")
			return usage, err
		}
		if resp.UsageMetadata != nil {
			usage = llm.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		msg, skip, err := messageFromStreamResponse(resp)
		if err != nil {
			return usage, err
		}
		if skip {
			continue
		}
		if msg.Content != "" {
			h.OnDelta(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			h.OnToolCall(tc)
		}
	}
	return usage, nil
}

func shouldIncludeThoughtSummaries(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(m, "/"); idx != -1 {
		m = m[idx+1:]
	}
	return strings.Contains(m, "gemini-2.5") || strings.Contains(m, "gemini-3")
}

func toContents(msgs []llm.Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages required")
	}

	decodeThoughtSignature := func(sig string) ([]byte, bool) {
		s := strings.TrimSpace(sig)
		if s == "" {
			return nil, false
		}
		if strings.ContainsRune(s, '�') {
			return nil, false
		}
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b, true
		}
		return []byte(s), true
	}

	toolNamesByID := make(map[string]string)
	var lastFuncName string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "", "user", "system":
			role = genai.RoleUser
		case "assistant":
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if strings.TrimSpace(tc.Name) != "" {
					lastFuncName = tc.Name
				}
			}
		case "tool":
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = lastFuncName
				if name == "" {
					name = "tool_response"
				}
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			part.FunctionResponse.ID = m.ToolID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("unsupported role for google provider: %s", m.Role)
		}
		text := m.Content
		if role == genai.RoleUser && strings.ToLower(strings.TrimSpace(m.Role)) == "system" {
			text = "[system] " + text
		}
		var parts []*genai.Part
		if strings.TrimSpace(text) != "" {
			textPart := &genai.Part{Text: text}
			if role == genai.RoleModel {
				if sigBytes, ok := decodeThoughtSignature(m.ThoughtSignature); ok {
					textPart.ThoughtSignature = sigBytes
				}
			}
			parts = append(parts, textPart)
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					_ = json.Unmarshal(tc.Args, &args)
				}
				if len(args) == 0 && len(tc.Args) > 0 {
					args = map[string]any{"input": string(tc.Args)}
				}
				p := genai.NewPartFromFunctionCall(tc.Name, args)
				if sigBytes, ok := decodeThoughtSignature(tc.ThoughtSignature); ok {
					p.ThoughtSignature = sigBytes
				}
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// messageFromStreamResponse tolerates intermediate chunks with empty
// candidates or nil content, which streaming produces routinely.
func messageFromStreamResponse(resp *genai.GenerateContentResponse) (llm.Message, bool, error) {
	if resp == nil {
		return llm.Message{}, true, nil
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, false, fmt.Errorf("request blocked by google: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return llm.Message{}, true, nil
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return llm.Message{}, false, fmt.Errorf("response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return llm.Message{}, false, fmt.Errorf("response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return llm.Message{}, false, fmt.Errorf("malformed function call generated by model")
	}
	if candidate.Content == nil {
		return llm.Message{}, true, nil
	}

	msg, thoughtSig := partsToMessage(candidate.Content.Parts)
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return llm.Message{}, true, nil
	}
	msg.ThoughtSignature = thoughtSig
	return msg, false, nil
}

func messageFromResponse(resp *genai.GenerateContentResponse) (llm.Message, error) {
	if resp == nil {
		return llm.Message{}, fmt.Errorf("nil response from google provider")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, fmt.Errorf("request blocked by google: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return llm.Message{}, fmt.Errorf("no candidates in google response")
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return llm.Message{}, fmt.Errorf("response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return llm.Message{}, fmt.Errorf("response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return llm.Message{}, fmt.Errorf("malformed function call generated by model")
	}
	if candidate.Content == nil {
		return llm.Message{Role: "assistant"}, nil
	}
	msg, thoughtSig := partsToMessage(candidate.Content.Parts)
	msg.ThoughtSignature = thoughtSig
	return msg, nil
}

func partsToMessage(parts []*genai.Part) (llm.Message, string) {
	var sb strings.Builder
	var tcs []llm.ToolCall
	var thoughtSig string
	callIdx := 0
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.FunctionCall == nil && len(part.ThoughtSignature) > 0 && thoughtSig == "" {
			thoughtSig = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
		}
		if part.Thought {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			callIdx++
			id := part.FunctionCall.ID
			if strings.TrimSpace(id) == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			var sig string
			if len(part.ThoughtSignature) > 0 {
				sig = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
			}
			tcs = append(tcs, llm.ToolCall{
				Name:             part.FunctionCall.Name,
				Args:             args,
				ID:               id,
				ThoughtSignature: sig,
			})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: tcs}, thoughtSig
}

func adaptTools(schemas []llm.ToolSchema) ([]*genai.Tool, *genai.ToolConfig, error) {
	if len(schemas) == 0 {
		return nil, nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(schemas))
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s.Name) == "" {
			return nil, nil, fmt.Errorf("google provider: tool name required")
		}
		names = append(names, s.Name)
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	sort.Strings(names)
	// AUTO mode lets the model decide whether to call a function or respond
	// with text; AllowedFunctionNames is only valid in ANY mode.
	cfg := &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, cfg, nil
}
