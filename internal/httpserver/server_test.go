package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentrunner/internal/llm"
	"agentrunner/internal/orchestrator"
	"agentrunner/internal/pool"
	"agentrunner/internal/prompt"
	"agentrunner/internal/testhelpers"
	"agentrunner/internal/toolclient"
)

type noopRegistry struct{}

func (noopRegistry) Catalog() []toolclient.CatalogEntry { return nil }

func (noopRegistry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) toolclient.ToolResult {
	return toolclient.ToolResult{}
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(1, 1, func() (*orchestrator.Orchestrator, error) {
		fp := &testhelpers.FakeProvider{Resp: llm.Message{Role: "assistant", Content: `\boxed{42}`}}
		return orchestrator.New(orchestrator.Config{Role: prompt.RoleMain, MaxTurns: 5}, fp, noopRegistry{}, nil, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("build pool: %v", err)
	}
	return p
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(newTestPool(t))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body)
	}
	if body["pool_size"].(float64) != 1 {
		t.Fatalf("expected pool_size 1, got %v", body["pool_size"])
	}
}

func postChat(t *testing.T, url string) []string {
	t.Helper()
	reqBody := ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: "what is the answer?"}}, Stream: true}
	b, _ := json.Marshal(reqBody)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	return lines
}

func TestV1ChatCompletionsStreamsContentAndDone(t *testing.T) {
	srv := New(newTestPool(t))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	lines := postChat(t, ts.URL+"/v1/chat/completions")
	if len(lines) == 0 {
		t.Fatalf("expected at least one data line")
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("expected stream to terminate with [DONE], got %q", lines[len(lines)-1])
	}
	foundAnswer := false
	for _, l := range lines[:len(lines)-1] {
		if strings.Contains(l, `"content":"42"`) {
			foundAnswer = true
		}
	}
	if !foundAnswer {
		t.Fatalf("expected a chunk with content 42, got %v", lines)
	}
}

func TestV2ChatCompletionsStreamsTaggedBlocks(t *testing.T) {
	srv := New(newTestPool(t))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	lines := postChat(t, ts.URL+"/v2/chat/completions")
	if len(lines) == 0 {
		t.Fatalf("expected at least one data line")
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("expected stream to terminate with [DONE], got %q", lines[len(lines)-1])
	}
	foundProcessBlock := false
	for _, l := range lines {
		if strings.Contains(l, `research_process_block`) {
			foundProcessBlock = true
		}
	}
	if !foundProcessBlock {
		t.Fatalf("expected at least one research_process_block chunk, got %v", lines)
	}
}
