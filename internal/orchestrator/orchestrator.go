package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"agentrunner/internal/ctxmgr"
	"agentrunner/internal/dedupe"
	"agentrunner/internal/llm"
	"agentrunner/internal/orchestrator/errkind"
	"agentrunner/internal/parser"
	"agentrunner/internal/prompt"
	"agentrunner/internal/toolclient"
)

// Config parameterizes one Orchestrator instance (spec.md §4.7, §8).
type Config struct {
	Role  prompt.Role
	Model string

	MaxTurns                int
	ExtraAttemptsBuffer     int // spec.md §4.7: total_attempts <= max_turns + this
	MaxConsecutiveRollbacks int // default 5
	MaxFinalizationAttempts int // retry-with-failure-experience cap, typical 2-3
	MaxTokens               int

	// SubAgentName is the tool name that triggers nested-orchestrator
	// dispatch (spec.md §4.7 "search_and_browse or similar").
	SubAgentName string

	// Mirror optionally publishes duplicate-query counts to an external
	// store for cross-process observability (spec.md §11); it never
	// affects guard decisions. Defaults to dedupe.NoopMirror.
	Mirror dedupe.Mirror
}

func (c Config) withDefaults() Config {
	if c.Mirror == nil {
		c.Mirror = dedupe.NoopMirror{}
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 10
	}
	if c.ExtraAttemptsBuffer <= 0 {
		c.ExtraAttemptsBuffer = 3
	}
	if c.MaxConsecutiveRollbacks <= 0 {
		c.MaxConsecutiveRollbacks = 5
	}
	if c.MaxFinalizationAttempts <= 0 {
		c.MaxFinalizationAttempts = 2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.SubAgentName == "" {
		c.SubAgentName = "search_and_browse"
	}
	return c
}

// SubAgentFactory builds a fresh nested Orchestrator for one sub-agent
// invocation (spec.md §4.7's "own message history, own tool catalog, own
// max-turn budget, browsing role prompt").
type SubAgentFactory func(subtask string) (*Orchestrator, error)

// Orchestrator runs one task as a bounded, guarded ReAct attempt loop
// (spec.md C7).
type Orchestrator struct {
	cfg     Config
	provider llm.Provider
	tools   toolclient.Registry
	ctxMgr  *ctxmgr.Manager
	sink    Sink
	subAgent SubAgentFactory
	now     func() time.Time
	callSeq uint64
}

func (o *Orchestrator) nextCallID() string {
	return fmt.Sprintf("call-%d", atomic.AddUint64(&o.callSeq, 1))
}

// New constructs an Orchestrator. sink may be nil (headless run).
func New(cfg Config, provider llm.Provider, tools toolclient.Registry, ctxMgr *ctxmgr.Manager, sink Sink, subAgent SubAgentFactory) *Orchestrator {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Orchestrator{
		cfg: cfg.withDefaults(), provider: provider, tools: tools, ctxMgr: ctxMgr, sink: sink, subAgent: subAgent,
		now: time.Now,
	}
}

func (o *Orchestrator) emit(e Event) { o.sink.Emit(e) }

// RunWithSink behaves like Run but emits to sink for the duration of this
// call instead of the instance's default sink. A pool.Pool reuses one
// Orchestrator across many requests (spec.md §4.10); each request needs its
// own event stream, so the sink is swapped in for the call rather than
// fixed at construction. Callers must not invoke this concurrently on the
// same instance — pool.Lease already guarantees exclusive use.
func (o *Orchestrator) RunWithSink(ctx context.Context, taskText string, sink Sink) (string, Outcome, error) {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	prev := o.sink
	o.sink = sink
	defer func() { o.sink = prev }()
	return o.Run(ctx, taskText)
}

// Run executes the task end to end: one or more attempts (bounded by
// MaxFinalizationAttempts), each attempt a guarded turn loop followed by
// finalization, with failure-experience injected into the retry's system
// prompt (spec.md §4.7 "Retry with failure experience").
func (o *Orchestrator) Run(ctx context.Context, taskText string) (string, Outcome, error) {
	o.emit(Event{Kind: EventAgentStarted, Agent: string(o.cfg.Role), TaskText: taskText})
	taskID := o.nextCallID()

	var experiences []prompt.FailureExperience
	var lastOutcome Outcome

	for attempt := 0; attempt < o.cfg.MaxFinalizationAttempts; attempt++ {
		answer, outcome, failure, err := o.runAttempt(ctx, taskID, taskText, experiences)
		if err != nil {
			o.emit(Event{Kind: EventAgentEnded, Outcome: OutcomeFatal})
			return "", OutcomeFatal, err
		}
		lastOutcome = outcome
		if failure == nil {
			o.emit(Event{Kind: EventAgentEnded, Outcome: outcome})
			return answer, outcome, nil
		}
		experiences = append(experiences, *failure)
	}

	o.emit(Event{Kind: EventAgentEnded, Outcome: lastOutcome})
	return "", lastOutcome, fmt.Errorf("orchestrator: exhausted %d finalization attempts", o.cfg.MaxFinalizationAttempts)
}

// runAttempt runs one guarded turn loop plus finalization. A non-nil
// *prompt.FailureExperience return means finalization failed and a retry
// should be attempted with that post-mortem injected; a nil failure with a
// non-error return means the attempt produced a usable final answer.
func (o *Orchestrator) runAttempt(ctx context.Context, taskID, taskText string, experiences []prompt.FailureExperience) (string, Outcome, *prompt.FailureExperience, error) {
	catalog := o.tools.Catalog()
	sys := prompt.BuildFailureExperienceBlock(experiences) + prompt.BuildSystemPrompt(o.cfg.Role, catalog, o.now())

	msgs := []llm.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: taskText},
	}

	idx := dedupe.NewIndex()
	turnCount := 0
	consecutiveRollbacks := 0
	totalAttemptsBudget := o.cfg.MaxTurns + o.cfg.ExtraAttemptsBuffer

	for totalAttempts := 0; ; totalAttempts++ {
		if err := ctx.Err(); err != nil {
			return "", OutcomeFatal, nil, err
		}
		if totalAttempts >= totalAttemptsBudget {
			return o.finalize(ctx, msgs, OutcomeMaxTurns)
		}

		// Guard 1: max turns.
		if turnCount >= o.cfg.MaxTurns {
			return o.finalize(ctx, msgs, OutcomeMaxTurns)
		}

		o.emit(Event{Kind: EventLLMStarted})
		resp, usage, err := o.provider.Chat(ctx, msgs, toolSchemas(catalog), o.cfg.Model, o.cfg.MaxTokens)
		if err != nil {
			return "", OutcomeFatal, nil, fmt.Errorf("llm call: %w", err)
		}
		o.emit(Event{Kind: EventLLMEnded, Usage: usage, Text: resp.Content})

		toolCalls, _, parseErr := parser.ParseToolCalls(resp.Content)
		hasProtocolTag := parser.HasProtocolTag(resp.Content)
		boxed, hasBoxed := parser.ExtractBoxed(resp.Content)
		callID := o.nextCallID()
		o.emit(Event{Kind: EventParseResult, ToolCalls: toolCallsToLLM(toolCalls, callID), Boxed: boxed, HasBoxed: hasBoxed})

		assistantMsg := llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: toolCallsToLLM(toolCalls, callID)}
		msgs = append(msgs, assistantMsg)

		// Guard 2: no tool calls, well-formed, not a refusal -> normal
		// termination into finalization.
		if len(toolCalls) == 0 && parseErr == nil && !hasProtocolTag && !parser.IsRefusal(resp.Content) {
			return o.finalize(ctx, msgs, OutcomeSuccess)
		}

		// Guard 3: format error (bare protocol tag, no parseable call).
		if len(toolCalls) == 0 && (hasProtocolTag || parseErr != nil) {
			reason := "format_error"
			if parser.IsRefusal(resp.Content) {
				reason += ",refusal"
			}
			var ok bool
			msgs, turnCount, consecutiveRollbacks, ok = o.rollback(msgs, turnCount, consecutiveRollbacks, reason)
			if !ok {
				return o.finalize(ctx, msgs, OutcomeTooManyRollback)
			}
			continue
		}

		// Guard 4: refusal.
		if parser.IsRefusal(resp.Content) {
			var ok bool
			msgs, turnCount, consecutiveRollbacks, ok = o.rollback(msgs, turnCount, consecutiveRollbacks, "refusal")
			if !ok {
				return o.finalize(ctx, msgs, OutcomeTooManyRollback)
			}
			continue
		}

		tc := toolCalls[0]

		// Guard 5: duplicate query.
		if query, ok := dedupe.ExtractQuery(tc.ToolName, tc.Arguments); ok {
			if idx.Count(string(o.cfg.Role), tc.ToolName, query) >= 1 {
				var rolled bool
				msgs, turnCount, consecutiveRollbacks, rolled = o.rollback(msgs, turnCount, consecutiveRollbacks, "duplicate_query")
				if !rolled {
					// Rollbacks exhausted: allow the call to proceed anyway.
				} else {
					continue
				}
			}
		}

		result := o.invokeTool(ctx, tc)

		// Guard 6: tool execution error.
		if result.IsError {
			var ok bool
			msgs, turnCount, consecutiveRollbacks, ok = o.rollback(msgs, turnCount, consecutiveRollbacks, "tool_execution_error")
			if !ok {
				return o.finalize(ctx, msgs, OutcomeTooManyRollback)
			}
			continue
		}

		consecutiveRollbacks = 0
		if query, ok := dedupe.ExtractQuery(tc.ToolName, tc.Arguments); ok {
			idx.Increment(string(o.cfg.Role), tc.ToolName, query)
			o.cfg.Mirror.Publish(ctx, taskID, string(o.cfg.Role), tc.ToolName, query, idx.Count(string(o.cfg.Role), tc.ToolName, query))
		}
		msgs = append(msgs, llm.Message{Role: "tool", ToolID: callID, Content: result.Content})

		// Guard 7: context overflow, applied by the configured strategy.
		if o.ctxMgr != nil {
			var newTurnCount int
			msgs, newTurnCount = o.ctxMgr.AfterToolResult(ctx, msgs, turnCount+1, o.cfg.MaxTurns,
				usage.PromptTokens, usage.CompletionTokens, len(taskText)/4)
			if newTurnCount >= o.cfg.MaxTurns {
				return o.finalize(ctx, msgs, OutcomeMaxTurns)
			}
			turnCount = newTurnCount
			continue
		}

		turnCount++
	}
}

// rollback implements spec.md §4.7's rollback protocol: pop the trailing
// assistant message, decrement turn_count, increment
// consecutive_rollbacks. Returns ok=false if the consecutive-rollback
// ceiling (too_many_rollbacks) has been reached.
func (o *Orchestrator) rollback(msgs []llm.Message, turnCount, consecutiveRollbacks int, reason string) ([]llm.Message, int, int, bool) {
	o.emit(Event{Kind: EventRollback, Reason: reason})
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == "assistant" {
		msgs = msgs[:len(msgs)-1]
	}
	if turnCount > 0 {
		turnCount--
	}
	consecutiveRollbacks++
	if consecutiveRollbacks >= o.cfg.MaxConsecutiveRollbacks {
		return msgs, turnCount, consecutiveRollbacks, false
	}
	return msgs, turnCount, consecutiveRollbacks, true
}

// invokeTool dispatches a single tool call, handling sub-agent invocation
// as a special case (spec.md §4.7 "Sub-agent invocation").
func (o *Orchestrator) invokeTool(ctx context.Context, tc parser.ToolCall) toolclient.ToolResult {
	o.emit(Event{Kind: EventToolStarted, Server: tc.ServerName, Tool: tc.ToolName, Args: tc.Arguments})

	if tc.ToolName == o.cfg.SubAgentName && o.subAgent != nil {
		summary, err := o.runSubAgent(ctx, tc)
		if err != nil {
			o.emit(Event{Kind: EventToolFailed, ErrorKind: string(errkind.Server), Message: err.Error()})
			return toolclient.ToolResult{ToolName: tc.ToolName, Content: err.Error(), IsError: true, ErrKind: errkind.Server}
		}
		o.emit(Event{Kind: EventToolSucceeded, Payload: summary})
		return toolclient.ToolResult{ToolName: tc.ToolName, Content: summary}
	}

	result := o.tools.Invoke(ctx, tc.ServerName, tc.ToolName, tc.Arguments)
	if result.IsError {
		o.emit(Event{Kind: EventToolFailed, ErrorKind: string(result.ErrKind), Message: result.Content})
	} else {
		o.emit(Event{Kind: EventToolSucceeded, Payload: result.Content})
	}
	return result
}

// runSubAgent extracts the subtask string from the tool call arguments,
// spawns a nested orchestrator via subAgent, and returns its final summary
// text as the tool result (spec.md §4.7).
func (o *Orchestrator) runSubAgent(ctx context.Context, tc parser.ToolCall) (string, error) {
	subtask, ok := dedupe.ExtractQuery(tc.ToolName, tc.Arguments)
	if !ok {
		return "", fmt.Errorf("sub-agent invocation missing subtask argument")
	}
	o.emit(Event{Kind: EventSubAgentStarted, TaskText: subtask})
	sub, err := o.subAgent(subtask)
	if err != nil {
		return "", fmt.Errorf("build sub-agent: %w", err)
	}
	summary, _, err := sub.Run(ctx, subtask)
	o.emit(Event{Kind: EventSubAgentEnded, Summary: summary})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// finalize implements spec.md §4.7's finalization: one more LLM call with
// the role-specific summary prompt, extracting \boxed{}. If no boxed
// answer is found it is a format_missed failure, which triggers the
// post-mortem collection for a possible retry.
func (o *Orchestrator) finalize(ctx context.Context, msgs []llm.Message, outcome Outcome) (string, Outcome, *prompt.FailureExperience, error) {
	o.emit(Event{Kind: EventFinalizationStarted})
	finalMsgs := append(append([]llm.Message{}, msgs...), llm.Message{Role: "user", Content: prompt.BuildSummaryPrompt(o.cfg.Role)})

	resp, _, err := o.provider.Chat(ctx, finalMsgs, nil, o.cfg.Model, o.cfg.MaxTokens)
	if err != nil {
		return "", OutcomeFatal, nil, fmt.Errorf("finalization call: %w", err)
	}

	boxed, ok := parser.ExtractBoxed(resp.Content)
	if ok {
		o.emit(Event{Kind: EventFinalAnswer, Text: boxed})
		return boxed, outcome, nil, nil
	}

	experience, err := o.postMortem(ctx, finalMsgs, "format_missed")
	if err != nil {
		return "", OutcomeFatal, nil, err
	}
	return "", outcome, experience, nil
}

// postMortem collects a structured failure-experience summary via a
// no-tools prompt (spec.md §4.7).
func (o *Orchestrator) postMortem(ctx context.Context, msgs []llm.Message, failureType string) (*prompt.FailureExperience, error) {
	pmMsgs := append(append([]llm.Message{}, msgs...), llm.Message{Role: "user", Content: prompt.PostMortemPrompt})
	resp, _, err := o.provider.Chat(ctx, pmMsgs, nil, o.cfg.Model, o.cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("post-mortem call: %w", err)
	}
	return &prompt.FailureExperience{
		FailureType:    failureType,
		WhatHappened:   resp.Content,
		UsefulFindings: "",
	}, nil
}

func toolSchemas(catalog []toolclient.CatalogEntry) []llm.ToolSchema {
	out := make([]llm.ToolSchema, len(catalog))
	for i, c := range catalog {
		out[i] = llm.ToolSchema{Name: c.ToolName, Description: c.Description, Parameters: c.InputSchema}
	}
	return out
}

func toolCallsToLLM(calls []parser.ToolCall, id string) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = llm.ToolCall{Name: c.ToolName, Args: c.Arguments, ID: id}
	}
	return out
}
