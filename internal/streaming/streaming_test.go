package streaming

import (
	"encoding/json"
	"strings"
	"testing"

	"agentrunner/internal/orchestrator"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "id" + string(rune('0'+n))
	}
}

func collect(t *testing.T, a *V2Adapter, events []orchestrator.Event) []Chunk {
	t.Helper()
	var all []Chunk
	for _, e := range events {
		all = append(all, a.Handle(e)...)
	}
	return all
}

// TestV2RootOpensAndClosesAroundFinalAnswer verifies property 4: the root
// block's :start is first and its :result is the very last chunk before
// the final answer content, with no dangling open blocks in between.
func TestV2RootOpensAndClosesAroundFinalAnswer(t *testing.T) {
	a := NewV2Adapter(sequentialIDs())
	events := []orchestrator.Event{
		{Kind: orchestrator.EventAgentStarted},
		{Kind: orchestrator.EventLLMEnded, Text: "thinking about it"},
		{Kind: orchestrator.EventFinalAnswer, Text: "4"},
	}
	chunks := collect(t, a, events)
	if len(chunks) < 5 {
		t.Fatalf("expected at least 5 chunks, got %d", len(chunks))
	}
	first := chunks[0].Choices[0].Delta
	if first.Taskstat != TaskstatStart || first.ContentType != ContentProcessBlock {
		t.Fatalf("expected first chunk to be root :start, got %+v", first)
	}
	last := chunks[len(chunks)-1].Choices[0]
	if last.FinishReason == nil || *last.FinishReason != "stop" {
		t.Fatalf("expected final chunk to carry finish_reason stop, got %+v", last)
	}
	assistant := chunks[len(chunks)-2].Choices[0].Delta
	if assistant.Content != "4" {
		t.Fatalf("expected penultimate chunk to be assistant content '4', got %q", assistant.Content)
	}
	rootClose := chunks[len(chunks)-3].Choices[0].Delta
	if rootClose.Taskstat != TaskstatResult || rootClose.ContentType != ContentProcessBlock {
		t.Fatalf("expected chunk before the answer content to be root :result, got %+v", rootClose)
	}
	if !a.Done() {
		t.Fatalf("expected adapter to report Done after final_answer")
	}
}

// TestV2SearchFlowEmitsKeywordThenResults covers S2: exactly one keyword
// block and one results block, in order, with the results :process payload
// containing one JSON line per result.
func TestV2SearchFlowEmitsKeywordThenResults(t *testing.T) {
	a := NewV2Adapter(sequentialIDs())
	collect(t, a, []orchestrator.Event{{Kind: orchestrator.EventAgentStarted}})

	args, _ := json.Marshal(map[string]string{"q": "golang semaphores"})
	started := a.Handle(orchestrator.Event{Kind: orchestrator.EventToolStarted, Tool: "google_search", Args: args})
	if len(started) != 3 {
		t.Fatalf("expected 3 keyword chunks from tool_started, got %d", len(started))
	}
	if started[1].Choices[0].Delta.TaskContent != "golang semaphores" {
		t.Fatalf("expected keyword process chunk to carry extracted keyword, got %q", started[1].Choices[0].Delta.TaskContent)
	}

	payload := `[{"index":1,"title":"a","link":"https://a"},{"index":2,"title":"b","link":"https://b"}]`
	succeeded := a.Handle(orchestrator.Event{Kind: orchestrator.EventToolSucceeded, Payload: payload})
	if len(succeeded) != 3 {
		t.Fatalf("expected 3 chunks from tool_succeeded, got %d", len(succeeded))
	}
	if succeeded[0].Choices[0].Delta.TaskContent != "found 2 results" {
		t.Fatalf("expected label 'found 2 results', got %q", succeeded[0].Choices[0].Delta.TaskContent)
	}
	lines := strings.Split(succeeded[1].Choices[0].Delta.TaskContent, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %v", len(lines), lines)
	}
}

// TestV2IndexStrictlyIncreasingAcrossNonRootBlocks covers property 5.
func TestV2IndexStrictlyIncreasingAcrossNonRootBlocks(t *testing.T) {
	a := NewV2Adapter(sequentialIDs())
	collect(t, a, []orchestrator.Event{{Kind: orchestrator.EventAgentStarted}})

	args, _ := json.Marshal(map[string]string{"q": "x"})
	chunks := collect(t, a, []orchestrator.Event{
		{Kind: orchestrator.EventLLMEnded, Text: "reasoning one"},
		{Kind: orchestrator.EventToolStarted, Tool: "google_search", Args: args},
		{Kind: orchestrator.EventToolSucceeded, Payload: `[]`},
	})

	var lastIndex int
	var sawStart bool
	for _, c := range chunks {
		d := c.Choices[0].Delta
		if d.Taskstat != TaskstatStart || d.TaskID == "" {
			continue
		}
		if sawStart && d.Index <= lastIndex {
			t.Fatalf("expected strictly increasing index on non-root starts, got %d after %d", d.Index, lastIndex)
		}
		lastIndex = d.Index
		sawStart = true
	}
	if !sawStart {
		t.Fatalf("expected at least one non-root :start chunk")
	}
}

// TestV2FatalWithoutFinalAnswerClosesRootWithEmptyContent covers spec.md
// §7's failure rendering: a fatal agent_ended with no prior final_answer
// still closes the stream with an error think block, a closed root, empty
// assistant content, and finish_reason stop.
func TestV2FatalWithoutFinalAnswerClosesRootWithEmptyContent(t *testing.T) {
	a := NewV2Adapter(sequentialIDs())
	collect(t, a, []orchestrator.Event{{Kind: orchestrator.EventAgentStarted}})
	chunks := a.Handle(orchestrator.Event{Kind: orchestrator.EventAgentEnded, Outcome: orchestrator.OutcomeFatal})

	var sawErrorThink, sawRootResult, sawEmptyContent bool
	for _, c := range chunks {
		d := c.Choices[0].Delta
		if d.ContentType == ContentThinkBlock && d.Taskstat == TaskstatStart {
			sawErrorThink = true
		}
		if d.ContentType == ContentProcessBlock && d.Taskstat == TaskstatResult {
			sawRootResult = true
		}
		if d.Role == "assistant" && d.Content == "" {
			sawEmptyContent = true
		}
	}
	if !sawErrorThink || !sawRootResult || !sawEmptyContent {
		t.Fatalf("expected error think block + closed root + empty content, got %+v", chunks)
	}
	if !a.Done() {
		t.Fatalf("expected adapter Done after fatal agent_ended")
	}
}

// TestV2AgentEndedAfterFinalAnswerIsNoop ensures idempotent stream closing.
func TestV2AgentEndedAfterFinalAnswerIsNoop(t *testing.T) {
	a := NewV2Adapter(sequentialIDs())
	collect(t, a, []orchestrator.Event{
		{Kind: orchestrator.EventAgentStarted},
		{Kind: orchestrator.EventFinalAnswer, Text: "ok"},
	})
	if chunks := a.Handle(orchestrator.Event{Kind: orchestrator.EventAgentEnded, Outcome: orchestrator.OutcomeSuccess}); chunks != nil {
		t.Fatalf("expected no further chunks after final_answer already closed the stream, got %+v", chunks)
	}
}

func TestV1AdapterOnlyEmitsFinalContent(t *testing.T) {
	a := NewV1Adapter()
	if chunks := a.Handle(orchestrator.Event{Kind: orchestrator.EventAgentStarted}); chunks != nil {
		t.Fatalf("expected V1 adapter to suppress agent_started, got %+v", chunks)
	}
	chunks := a.Handle(orchestrator.Event{Kind: orchestrator.EventFinalAnswer, Text: "42"})
	if len(chunks) != 2 || chunks[0].Choices[0].Delta.Content != "42" {
		t.Fatalf("expected [content, finish] chunks, got %+v", chunks)
	}
	if !a.Done() {
		t.Fatalf("expected V1 adapter Done after final_answer")
	}
}
