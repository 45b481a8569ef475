// Package testhelpers provides shared test doubles, grounded on the
// teacher's internal/testhelpers/fakes.go FakeProvider/NewTestServer
// pattern, updated to the current llm.Provider contract (max_tokens,
// Usage, MaxContextLength).
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"agentrunner/internal/llm"
)

// FakeProvider is a scriptable llm.Provider for tests: either a fixed
// response/error for Chat, or a canned delta/tool-call sequence for
// ChatStream.
type FakeProvider struct {
	Resp  llm.Message
	Usage llm.Usage
	Err   error

	StreamDeltas []string
	StreamCalls  []llm.ToolCall

	ContextLength int
}

func (f *FakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error) {
	if f.Err != nil {
		return llm.Message{}, llm.Usage{}, f.Err
	}
	return f.Resp, f.Usage, nil
}

func (f *FakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int, h llm.StreamHandler) (llm.Usage, error) {
	if f.Err != nil {
		return llm.Usage{}, f.Err
	}
	for _, d := range f.StreamDeltas {
		h.OnDelta(d)
	}
	for _, tc := range f.StreamCalls {
		h.OnToolCall(tc)
	}
	return f.Usage, nil
}

func (f *FakeProvider) MaxContextLength(model string) int {
	if f.ContextLength > 0 {
		return f.ContextLength
	}
	return 32000
}

// NewTestServer returns an httptest.Server for the given handler func.
func NewTestServer(handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handler))
}

// WaitGroupDoneOnce returns a function that calls wg.Done() only once,
// for tests where multiple goroutines race to signal completion.
func WaitGroupDoneOnce(wg *sync.WaitGroup) func() {
	once := sync.Once{}
	return func() { once.Do(wg.Done) }
}
