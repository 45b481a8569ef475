package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"agentrunner/internal/llm"
	"agentrunner/internal/orchestrator/errkind"
	"agentrunner/internal/prompt"
	"agentrunner/internal/toolclient"
)

type scriptedProvider struct {
	responses []llm.Message
	call      int
}

func (s *scriptedProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error) {
	if s.call >= len(s.responses) {
		return llm.Message{Role: "assistant", Content: `\boxed{fallback}`}, llm.Usage{}, nil
	}
	r := s.responses[s.call]
	s.call++
	return r, llm.Usage{}, nil
}

func (s *scriptedProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int, h llm.StreamHandler) (llm.Usage, error) {
	return llm.Usage{}, nil
}

func (s *scriptedProvider) MaxContextLength(model string) int { return 32000 }

type fakeRegistry struct {
	result toolclient.ToolResult
}

func (f fakeRegistry) Catalog() []toolclient.CatalogEntry { return nil }

func (f fakeRegistry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) toolclient.ToolResult {
	return f.result
}

func TestRunSucceedsWithNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: "I have the answer already."},
		{Role: "assistant", Content: `\boxed{42}`},
	}}
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 5}, provider, fakeRegistry{}, nil, nil, nil)
	answer, outcome, err := o.Run(context.Background(), "what is the answer?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success outcome, got %v", outcome)
	}
	if answer != "42" {
		t.Fatalf("expected boxed answer 42, got %q", answer)
	}
}

func TestRunMaxTurnsTriggersFinalization(t *testing.T) {
	toolMsg := `<use_mcp_tool><server_name>s</server_name><tool_name>t</tool_name><arguments>{}</arguments></use_mcp_tool>`
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: toolMsg},
		{Role: "assistant", Content: toolMsg},
		{Role: "assistant", Content: `\boxed{done}`},
	}}
	reg := fakeRegistry{result: toolclient.ToolResult{Content: "ok"}}
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 2}, provider, reg, nil, nil, nil)
	answer, outcome, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeMaxTurns {
		t.Fatalf("expected max_turns outcome, got %v", outcome)
	}
	if answer != "done" {
		t.Fatalf("expected finalization boxed answer, got %q", answer)
	}
}

func TestRunTooManyRollbacksOnRepeatedFormatError(t *testing.T) {
	bareTag := "<use_mcp_tool> malformed no closing"
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: bareTag},
		{Role: "assistant", Content: bareTag},
		{Role: "assistant", Content: `\boxed{recovered}`},
	}}
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 20, MaxConsecutiveRollbacks: 2, MaxFinalizationAttempts: 1}, provider, fakeRegistry{}, nil, nil, nil)
	answer, outcome, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeTooManyRollback {
		t.Fatalf("expected too_many_rollbacks outcome, got %v", outcome)
	}
	if answer != "recovered" {
		t.Fatalf("expected finalization's boxed answer, got %q", answer)
	}
}

func TestRunToolExecutionErrorRollsBack(t *testing.T) {
	toolMsg := `<use_mcp_tool><server_name>s</server_name><tool_name>t</tool_name><arguments>{"q":"x"}</arguments></use_mcp_tool>`
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: toolMsg},
		{Role: "assistant", Content: "the tool failed, let me answer from memory"},
		{Role: "assistant", Content: `\boxed{recovered}`},
	}}
	reg := fakeRegistry{result: toolclient.ToolResult{Content: "boom", IsError: true, ErrKind: errkind.Server}}
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 5}, provider, reg, nil, nil, nil)
	answer, outcome, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success after rollback+recovery, got %v", outcome)
	}
	if answer != "recovered" {
		t.Fatalf("expected recovered boxed answer, got %q", answer)
	}
}

func TestRunEmitsEventsInOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: `\boxed{ok}`},
	}}
	var kinds []EventKind
	sink := SinkFunc(func(e Event) { kinds = append(kinds, e.Kind) })
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 5}, provider, fakeRegistry{}, nil, sink, nil)
	if _, _, err := o.Run(context.Background(), "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kinds[0] != EventAgentStarted {
		t.Fatalf("expected agent_started first, got %v", kinds[0])
	}
	if kinds[len(kinds)-1] != EventAgentEnded {
		t.Fatalf("expected agent_ended last, got %v", kinds[len(kinds)-1])
	}
}

func TestRunWithSinkOverridesPerCall(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Message{
		{Role: "assistant", Content: `\boxed{first}`},
	}}
	var defaultKinds, overrideKinds []EventKind
	defaultSink := SinkFunc(func(e Event) { defaultKinds = append(defaultKinds, e.Kind) })
	o := New(Config{Role: prompt.RoleMain, MaxTurns: 5}, provider, fakeRegistry{}, nil, defaultSink, nil)

	overrideSink := SinkFunc(func(e Event) { overrideKinds = append(overrideKinds, e.Kind) })
	if _, _, err := o.RunWithSink(context.Background(), "task", overrideSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overrideKinds) == 0 {
		t.Fatalf("expected override sink to receive events")
	}
	if len(defaultKinds) != 0 {
		t.Fatalf("expected default sink to receive nothing during RunWithSink, got %v", defaultKinds)
	}

	provider.call = 0
	if _, _, err := o.Run(context.Background(), "task"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defaultKinds) == 0 {
		t.Fatalf("expected default sink restored after RunWithSink returns")
	}
}
