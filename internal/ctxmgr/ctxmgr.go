// Package ctxmgr implements the Context Manager (spec.md C6): three
// pluggable, mutually-exclusive strategies for keeping a running
// conversation within a model's context window, plus the shared overflow
// prediction formula (spec.md §4.6). Grounded on the teacher's
// internal/agent/engine.go maybeSummarize/adjustCutIndexForToolDeps/
// buildSummarizedMessages, generalized from "one automatic heuristic" into
// three named, independently selectable strategies.
package ctxmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"agentrunner/internal/llm"
)

// Strategy names a context-management strategy (spec.md §4.6).
type Strategy string

const (
	StrategyNone               Strategy = "none"
	StrategySlidingWindow      Strategy = "sliding_window"
	StrategyPeriodicCompaction Strategy = "periodic_compaction"
)

// Config selects one strategy and its parameter (spec.md §4.6, §8 env vars).
type Config struct {
	Strategy Strategy

	// KeepToolResult is -1 for None, N>=0 for SlidingWindow.
	KeepToolResult int
	// CompressLimit is K>0 for PeriodicCompaction.
	CompressLimit int

	ReservedCompletionBudget int
	MaxContextLength         int
}

// Summarizer calls the Summary LLM to compress a message range (spec.md §6).
type Summarizer interface {
	Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, maxTokens int) (llm.Message, llm.Usage, error)
}

// Manager applies one Config's strategy across a running attempt.
type Manager struct {
	cfg   Config
	model string
	sum   Summarizer

	turnsSinceCompaction int
}

func New(cfg Config, model string, sum Summarizer) *Manager {
	if cfg.ReservedCompletionBudget <= 0 {
		cfg.ReservedCompletionBudget = 4096
	}
	return &Manager{cfg: cfg, model: model, sum: sum}
}

// EstimateOverflow implements the shared overflow prediction formula
// (spec.md §4.6): estimate = promptTokensLast + completionTokensLast +
// userTokensLast + summaryTokensEstimate + reservedCompletionBudget + 1000.
func EstimateOverflow(promptTokensLast, completionTokensLast, userTokensLast, summaryTokensEstimate, reservedCompletionBudget, maxContextLength int) (estimate int, overflow bool) {
	estimate = promptTokensLast + completionTokensLast + userTokensLast + summaryTokensEstimate + reservedCompletionBudget + 1000
	return estimate, estimate >= maxContextLength
}

// AfterToolResult is called once per turn, right after a tool-result message
// has been appended to msgs, and applies the configured strategy. turnCount
// is the caller's current turn counter; PeriodicCompaction resets it to 0 on
// a compaction cycle; None sets it to maxTurns to force finalization on
// overflow. The (possibly rewritten) messages and the (possibly reset) turn
// count are both returned.
func (m *Manager) AfterToolResult(ctx context.Context, msgs []llm.Message, turnCount, maxTurns int, promptTokensLast, completionTokensLast, userTokensLast int) ([]llm.Message, int) {
	switch m.cfg.Strategy {
	case StrategySlidingWindow:
		return m.slidingWindow(msgs), turnCount
	case StrategyPeriodicCompaction:
		m.turnsSinceCompaction++
		if m.turnsSinceCompaction >= m.cfg.CompressLimit {
			m.turnsSinceCompaction = 0
			return m.compact(ctx, msgs), 0
		}
		return msgs, turnCount
	default: // StrategyNone
		estimate, overflow := EstimateOverflow(promptTokensLast, completionTokensLast, userTokensLast, 0, m.cfg.ReservedCompletionBudget, m.cfg.MaxContextLength)
		if !overflow {
			return msgs, turnCount
		}
		log.Warn().Int("estimate", estimate).Int("max_context_length", m.cfg.MaxContextLength).Msg("context_overflow_predicted")
		return popLastPair(msgs), maxTurns
	}
}

// slidingWindow demotes all but the most recent KeepToolResult tool-result
// messages to a short placeholder, preserving ordering; the system prompt
// (index 0 if role==system) and the first user task message are never
// demoted (spec.md §4.6 rule 2).
func (m *Manager) slidingWindow(msgs []llm.Message) []llm.Message {
	n := m.cfg.KeepToolResult
	protectedEnd := protectedPrefixLen(msgs)

	toolIdx := make([]int, 0)
	for i := protectedEnd; i < len(msgs); i++ {
		if msgs[i].Role == "tool" {
			toolIdx = append(toolIdx, i)
		}
	}
	if len(toolIdx) <= n {
		return msgs
	}
	demote := toolIdx[:len(toolIdx)-n]
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	for _, idx := range demote {
		if strings.HasPrefix(out[idx].Content, "[demoted]") {
			continue
		}
		out[idx] = llm.Message{
			Role:    out[idx].Role,
			ToolID:  out[idx].ToolID,
			Content: fmt.Sprintf("[demoted] tool result elided to stay within the sliding window (kept last %d)", n),
		}
	}
	return out
}

// protectedPrefixLen returns the number of leading messages that are never
// demoted or summarized: the system message (if present) plus the first
// user message.
func protectedPrefixLen(msgs []llm.Message) int {
	i := 0
	if i < len(msgs) && msgs[i].Role == "system" {
		i++
	}
	if i < len(msgs) && msgs[i].Role == "user" {
		i++
	}
	return i
}

// compact rewrites the prefix of the conversation (everything after the
// protected system+task messages) into a single compressed user message via
// the Summary LLM, per spec.md §4.6 rule 3 (periodic compaction).
func (m *Manager) compact(ctx context.Context, msgs []llm.Message) []llm.Message {
	start := protectedPrefixLen(msgs)
	if start >= len(msgs) {
		return msgs
	}
	toCompress := msgs[start:]

	var b strings.Builder
	for _, msg := range toCompress {
		b.WriteString("Role: ")
		b.WriteString(msg.Role)
		b.WriteString("\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}

	sys := "You are a concise summarizer. Rewrite the conversation below into a single " +
		"compressed user message that preserves every fact needed to continue the task. " +
		"Return only the compressed message body."
	req := []llm.Message{{Role: "system", Content: sys}, {Role: "user", Content: b.String()}}

	resp, _, err := m.sum.Chat(ctx, req, nil, m.model, 1024)
	if err != nil {
		log.Error().Err(err).Msg("periodic_compaction_failed")
		return msgs
	}

	compacted := llm.Message{Role: "user", Content: "[compressed] " + strings.TrimSpace(resp.Content)}
	out := make([]llm.Message, 0, start+1)
	out = append(out, msgs[:start]...)
	out = append(out, compacted)
	return out
}

// popLastPair removes the most recent (assistant, tool-result) message pair
// from the tail of msgs, per spec.md §4.6 rule 1 (None strategy on
// overflow).
func popLastPair(msgs []llm.Message) []llm.Message {
	if len(msgs) < 2 {
		return msgs
	}
	last := len(msgs) - 1
	if msgs[last].Role != "tool" {
		return msgs
	}
	cut := last - 1
	for cut >= 0 && msgs[cut].Role != "assistant" {
		cut--
	}
	if cut < 0 {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)-(last-cut+1))
	out = append(out, msgs[:cut]...)
	out = append(out, msgs[last+1:]...)
	return out
}
