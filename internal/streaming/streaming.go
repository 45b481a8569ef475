// Package streaming implements the Streaming Adapter V2 (spec.md C9): it
// consumes an orchestrator.Event stream and renders it into the extended
// SSE chunk format spec.md §6/§4.9 defines, maintaining the per-connection
// taskid tree (root_taskid, current_index, current_blocks) the spec
// requires. Grounded on the teacher's internal/orchestrator/handler.go SSE
// writer (now removed in favor of this package) and the event-stream
// decoupling spec.md §9 calls for: the orchestrator never imports this
// package, it only emits to an orchestrator.Sink this package implements.
package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentrunner/internal/orchestrator"
	"agentrunner/internal/parser"
)

// Taskstat is the V2 chunk's per-block lifecycle phase.
type Taskstat string

const (
	TaskstatStart   Taskstat = "message_start"
	TaskstatProcess Taskstat = "message_process"
	TaskstatResult  Taskstat = "message_result"
)

// ContentType is one of the fixed V2 content-type values (spec.md §6).
type ContentType string

const (
	ContentProcessBlock     ContentType = "research_process_block"
	ContentThinkBlock       ContentType = "research_think_block"
	ContentWebSearchKeyword ContentType = "research_web_search_keyword"
	ContentWebSearch        ContentType = "research_web_search"
	ContentWebBrowse        ContentType = "research_web_browse"
	ContentTextBlock        ContentType = "research_text_block"
	ContentCompleted        ContentType = "research_completed"
)

// Delta is the `choices[0].delta` payload of one V2 SSE chunk.
type Delta struct {
	Role         string      `json:"role,omitempty"`
	Content      string      `json:"content,omitempty"`
	Taskstat     Taskstat    `json:"taskstat,omitempty"`
	ContentType  ContentType `json:"content_type,omitempty"`
	ParentTaskID string      `json:"parent_taskid,omitempty"`
	Index        int         `json:"index,omitempty"`
	TaskContent  string      `json:"task_content,omitempty"`
	TaskID       string      `json:"taskid,omitempty"`
}

// Choice wraps one Delta plus an optional terminal finish_reason.
type Choice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Chunk is one SSE `data:` payload.
type Chunk struct {
	Choices []Choice `json:"choices"`
}

func stopReason() *string {
	s := "stop"
	return &s
}

func simpleChunk(content string) Chunk {
	return Chunk{Choices: []Choice{{Delta: Delta{Role: "assistant", Content: content}}}}
}

func finishChunk() Chunk {
	return Chunk{Choices: []Choice{{Delta: Delta{}, FinishReason: stopReason()}}}
}

func blockChunk(taskstat Taskstat, ct ContentType, parent, taskContent, taskID string, index int) Chunk {
	return Chunk{Choices: []Choice{{Delta: Delta{
		Role:         "task",
		Taskstat:     taskstat,
		ContentType:  ct,
		ParentTaskID: parent,
		Index:        index,
		TaskContent:  taskContent,
		TaskID:       taskID,
	}}}}
}

// block tracks one open (:start emitted, :result pending) block.
type block struct {
	taskID      string
	contentType ContentType
	index       int
}

// pendingTool tracks the tool invocation currently awaiting its result, so
// tool_succeeded/tool_failed can finish the block tool_started opened.
type pendingTool struct {
	kind string // "search" or "browse"
}

// V2Adapter renders one task's orchestrator.Event stream into V2 SSE
// chunks. It is not safe for concurrent use by more than one task; each
// HTTP request gets its own Adapter (spec.md §5 "pool instance, own tool
// connections", mirrored here as "own adapter state").
type V2Adapter struct {
	newID func() string

	rootID     string
	rootOpened bool
	rootClosed bool
	index      int

	think *block
	tool  *block
	pend  *pendingTool

	done bool
}

// NewV2Adapter builds a fresh adapter. newID defaults to uuid.NewString,
// overridable for deterministic tests.
func NewV2Adapter(newID func() string) *V2Adapter {
	if newID == nil {
		newID = uuid.NewString
	}
	return &V2Adapter{newID: newID}
}

// Done reports whether the stream has reached its terminal chunk ([DONE]
// should follow immediately in the SSE transport).
func (a *V2Adapter) Done() bool { return a.done }

func (a *V2Adapter) nextIndex() int {
	a.index++
	return a.index
}

// Handle converts one orchestrator event into zero or more SSE chunks, in
// emission order.
func (a *V2Adapter) Handle(e orchestrator.Event) []Chunk {
	switch e.Kind {
	case orchestrator.EventAgentStarted:
		return a.handleAgentStarted()
	case orchestrator.EventLLMEnded:
		return a.handleLLMEnded(e)
	case orchestrator.EventToolStarted:
		return a.handleToolStarted(e)
	case orchestrator.EventToolSucceeded:
		return a.handleToolSucceeded(e)
	case orchestrator.EventToolFailed:
		return a.handleToolFailed(e)
	case orchestrator.EventFinalAnswer:
		return a.handleFinalAnswer(e)
	case orchestrator.EventAgentEnded:
		return a.handleAgentEnded(e)
	default:
		return nil
	}
}

func (a *V2Adapter) handleAgentStarted() []Chunk {
	a.rootID = a.newID()
	a.rootOpened = true
	return []Chunk{blockChunk(TaskstatStart, ContentProcessBlock, "", "collecting and analyzing information", a.rootID, 0)}
}

// handleLLMEnded opens (or continues) a think block carrying the model's
// raw response text. Per spec.md §4.9 it stays open until a tool_started
// or final_answer closes it; StripThinkTags removes any raw <think> tags
// the model itself emitted (spec.md §4.9's invariant).
func (a *V2Adapter) handleLLMEnded(e orchestrator.Event) []Chunk {
	text := parser.StripThinkTags(e.Text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var chunks []Chunk
	if a.think == nil {
		id := a.newID()
		idx := a.nextIndex()
		a.think = &block{taskID: id, contentType: ContentThinkBlock, index: idx}
		chunks = append(chunks, blockChunk(TaskstatStart, ContentThinkBlock, a.rootID, "", id, idx))
	}
	chunks = append(chunks, blockChunk(TaskstatProcess, ContentThinkBlock, a.rootID, text, a.think.taskID, a.think.index))
	return chunks
}

func (a *V2Adapter) closeThink() []Chunk {
	if a.think == nil {
		return nil
	}
	c := blockChunk(TaskstatResult, ContentThinkBlock, a.rootID, "", a.think.taskID, a.think.index)
	a.think = nil
	return []Chunk{c}
}

// classifyTool buckets a tool name into the categories spec.md §4.9 maps,
// using the search and fetch tool names internal/dedupe.ExtractQuery
// recognizes; search_and_browse is rendered as a browse.
func classifyTool(tool string) string {
	switch tool {
	case "google_search", "web_search", "search":
		return "search"
	case "web_fetch", "fetch_page", "browse", "web_browse", "scrape", "search_and_browse":
		return "browse"
	default:
		return ""
	}
}

func (a *V2Adapter) handleToolStarted(e orchestrator.Event) []Chunk {
	chunks := a.closeThink()

	kind := classifyTool(e.Tool)
	if kind == "" {
		return chunks
	}
	a.pend = &pendingTool{kind: kind}

	if kind == "search" {
		keyword := extractKeyword(e.Args)
		id := a.newID()
		idx := a.nextIndex()
		chunks = append(chunks,
			blockChunk(TaskstatStart, ContentWebSearchKeyword, a.rootID, "", id, idx),
			blockChunk(TaskstatProcess, ContentWebSearchKeyword, a.rootID, keyword, id, idx),
			blockChunk(TaskstatResult, ContentWebSearchKeyword, a.rootID, "", id, idx),
		)
	}
	return chunks
}

func extractKeyword(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	for _, key := range []string{"q", "query", "keyword"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// searchResult is one entry of a research_web_search :process JSON line.
type searchResult struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Link  string `json:"link"`
}

func parseSearchResults(payload string) []searchResult {
	var results []searchResult
	if err := json.Unmarshal([]byte(payload), &results); err == nil && len(results) > 0 {
		return results
	}
	// Fall back to JSON-lines, one object per line.
	for i, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r searchResult
		if json.Unmarshal([]byte(line), &r) == nil {
			if r.Index == 0 {
				r.Index = i
			}
			results = append(results, r)
		}
	}
	return results
}

func (a *V2Adapter) handleToolSucceeded(e orchestrator.Event) []Chunk {
	if a.pend == nil {
		return nil
	}
	kind := a.pend.kind
	a.pend = nil

	switch kind {
	case "search":
		results := parseSearchResults(e.Payload)
		var lines []string
		for _, r := range results {
			b, _ := json.Marshal(r)
			lines = append(lines, string(b))
		}
		id := a.newID()
		idx := a.nextIndex()
		return []Chunk{
			blockChunk(TaskstatStart, ContentWebSearch, a.rootID, fmt.Sprintf("found %d results", len(results)), id, idx),
			blockChunk(TaskstatProcess, ContentWebSearch, a.rootID, strings.Join(lines, "\n"), id, idx),
			blockChunk(TaskstatResult, ContentWebSearch, a.rootID, "", id, idx),
		}
	case "browse":
		id := a.newID()
		idx := a.nextIndex()
		return []Chunk{
			blockChunk(TaskstatStart, ContentWebBrowse, a.rootID, "", id, idx),
			blockChunk(TaskstatProcess, ContentWebBrowse, a.rootID, e.Payload, id, idx),
			blockChunk(TaskstatResult, ContentWebBrowse, a.rootID, "", id, idx),
		}
	default:
		return nil
	}
}

func (a *V2Adapter) handleToolFailed(e orchestrator.Event) []Chunk {
	if a.pend == nil {
		return nil
	}
	a.pend = nil
	id := a.newID()
	idx := a.nextIndex()
	return []Chunk{
		blockChunk(TaskstatStart, ContentTextBlock, a.rootID, "tool error: "+e.Message, id, idx),
		blockChunk(TaskstatResult, ContentTextBlock, a.rootID, "", id, idx),
	}
}

func (a *V2Adapter) handleFinalAnswer(e orchestrator.Event) []Chunk {
	chunks := a.closeThink()
	chunks = append(chunks, a.closeRoot()...)
	chunks = append(chunks, simpleChunk(e.Text), finishChunk())
	a.done = true
	return chunks
}

func (a *V2Adapter) closeRoot() []Chunk {
	if !a.rootOpened || a.rootClosed {
		return nil
	}
	a.rootClosed = true
	return []Chunk{blockChunk(TaskstatResult, ContentProcessBlock, "", "", a.rootID, 0)}
}

// handleAgentEnded only produces output on a fatal termination that never
// reached final_answer: spec.md §7 "failures are visible as an empty final
// assistant content and a preceding research_think_block carrying the error
// text."
func (a *V2Adapter) handleAgentEnded(e orchestrator.Event) []Chunk {
	if a.done {
		return nil
	}
	var chunks []Chunk
	chunks = append(chunks, a.closeThink()...)

	msg := "task ended: " + string(e.Outcome)
	id := a.newID()
	idx := a.nextIndex()
	chunks = append(chunks,
		blockChunk(TaskstatStart, ContentThinkBlock, a.rootID, msg, id, idx),
		blockChunk(TaskstatResult, ContentThinkBlock, a.rootID, "", id, idx),
	)
	chunks = append(chunks, a.closeRoot()...)
	chunks = append(chunks, simpleChunk(""), finishChunk())
	a.done = true
	return chunks
}

// V1Adapter is the degenerate V1 SSE rendering (spec.md §4.9): only the
// plain assistant content stream, no block structure at all.
type V1Adapter struct {
	done bool
}

func NewV1Adapter() *V1Adapter { return &V1Adapter{} }

func (a *V1Adapter) Done() bool { return a.done }

// Handle returns at most one content chunk per event; everything but the
// final answer is suppressed.
func (a *V1Adapter) Handle(e orchestrator.Event) []Chunk {
	switch e.Kind {
	case orchestrator.EventFinalAnswer:
		a.done = true
		return []Chunk{simpleChunk(e.Text), finishChunk()}
	case orchestrator.EventAgentEnded:
		if a.done {
			return nil
		}
		a.done = true
		return []Chunk{simpleChunk(""), finishChunk()}
	default:
		return nil
	}
}

// Marshal renders a Chunk as an SSE `data: ...` line (without the trailing
// blank line the transport appends between events).
func Marshal(c Chunk) ([]byte, error) {
	return json.Marshal(c)
}

// DoneSentinel is the SSE stream's terminal literal (spec.md §6).
const DoneSentinel = "[DONE]"
