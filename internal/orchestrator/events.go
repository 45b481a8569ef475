// Package orchestrator implements the Orchestrator (spec.md C7): the
// seven-guard bounded ReAct loop, rollback protocol, finalization, retry
// with failure experience, and sub-agent invocation. Grounded on the
// teacher's internal/agent/engine.go runLoop/dispatchTools shape,
// generalized from "tool calls batched and parallelized per step" to the
// spec's "at most one tool call per turn, sequential" contract.
package orchestrator

import "agentrunner/internal/llm"

// EventKind tags one of the Event Stream's finite event kinds (spec.md §4.8).
type EventKind string

const (
	EventAgentStarted        EventKind = "agent_started"
	EventLLMStarted          EventKind = "llm_started"
	EventLLMChunk            EventKind = "llm_chunk"
	EventLLMEnded            EventKind = "llm_ended"
	EventParseResult         EventKind = "parse_result"
	EventToolStarted         EventKind = "tool_started"
	EventToolSucceeded       EventKind = "tool_succeeded"
	EventToolFailed          EventKind = "tool_failed"
	EventRollback            EventKind = "rollback"
	EventSubAgentStarted     EventKind = "sub_agent_started"
	EventSubAgentEnded       EventKind = "sub_agent_ended"
	EventFinalizationStarted EventKind = "finalization_started"
	EventFinalAnswer         EventKind = "final_answer"
	EventAgentEnded          EventKind = "agent_ended"
)

// Outcome is the terminal state of one agent_ended event (spec.md §4.8).
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeMaxTurns        Outcome = "max_turns"
	OutcomeTooManyRollback Outcome = "too_many_rollbacks"
	OutcomeFatal           Outcome = "fatal"
)

// Event is one strictly time-ordered entry in a task's event stream
// (spec.md §4.8). Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Agent    string
	TaskText string

	Text  string
	Usage llm.Usage

	ToolCalls []llm.ToolCall
	Boxed     string
	HasBoxed  bool

	Server  string
	Tool    string
	Args    []byte
	Payload string

	ErrorKind string
	Message   string

	Reason string

	Summary string

	Outcome Outcome
}

// Sink receives events as they are emitted, in strict per-task order. A nil
// Sink is valid; emit is then a no-op, which is the expected shape when an
// orchestrator runs headless (not behind a streaming adapter).
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// ChanSink emits events onto a buffered channel, for callers that want to
// range over a task's event stream (e.g. the Streaming Adapter).
type ChanSink chan Event

func (c ChanSink) Emit(e Event) { c <- e }

func NewChanSink(buf int) ChanSink { return make(ChanSink, buf) }
