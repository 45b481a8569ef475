package testhelpers

import (
	"context"
	"testing"

	"agentrunner/internal/llm"
)

type collectHandler struct {
	Deltas []string
}

func (c *collectHandler) OnDelta(s string)           { c.Deltas = append(c.Deltas, s) }
func (c *collectHandler) OnToolCall(tc llm.ToolCall) {}

func TestFakeProviderChat(t *testing.T) {
	fp := &FakeProvider{Resp: llm.Message{Role: "assistant", Content: "ok"}}
	m, _, err := fp.Chat(context.Background(), nil, nil, "model", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if m.Content != "ok" {
		t.Fatalf("unexpected content: %q", m.Content)
	}
}

func TestFakeProviderChatStream(t *testing.T) {
	fp := &FakeProvider{StreamDeltas: []string{"a", "b", "c"}}
	h := &collectHandler{}
	if _, err := fp.ChatStream(context.Background(), nil, nil, "m", 0, h); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if len(h.Deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(h.Deltas))
	}
}

func TestFakeProviderMaxContextLength(t *testing.T) {
	fp := &FakeProvider{}
	if got := fp.MaxContextLength("model"); got != 32000 {
		t.Fatalf("expected default 32000, got %d", got)
	}
	fp.ContextLength = 8000
	if got := fp.MaxContextLength("model"); got != 8000 {
		t.Fatalf("expected configured 8000, got %d", got)
	}
}
