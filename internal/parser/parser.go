// Package parser implements the Response Parser (spec.md C4): it extracts
// <use_mcp_tool> tool-invocation blocks and \boxed{} final answers from raw
// LLM text using the tag grammar the Prompt Composer's preamble contracts
// for, grounded on the teacher's internal/agent/engine.go message-scanning
// style (regexp over raw text rather than a full XML parser, since the
// grammar is "XML-like", not XML).
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is the parser's output: one <use_mcp_tool> block.
type ToolCall struct {
	ServerName string
	ToolName   string
	Arguments  json.RawMessage
}

// ParseError marks malformed-JSON arguments inside an otherwise well-formed
// block; spec.md §4.4 treats this as a parse error that triggers rollback.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string { return "parser: malformed tool arguments: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

var toolBlockRe = regexp.MustCompile(`(?s)<use_mcp_tool>\s*<server_name>(.*?)</server_name>\s*<tool_name>(.*?)</tool_name>\s*<arguments>(.*?)</arguments>\s*</use_mcp_tool>`)

var protocolTagRe = regexp.MustCompile(`</?use_mcp_tool>|</?server_name>|</?tool_name>|</?arguments>`)

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ParseToolCalls scans text for <use_mcp_tool> blocks. Per spec.md §4.4,
// multiple blocks in one message are a warning condition, not an error: only
// the first is returned, along with a bool reporting whether more than one
// was present. Malformed JSON in the first block's <arguments> returns a
// *ParseError rather than a partial ToolCall.
func ParseToolCalls(text string) ([]ToolCall, bool, error) {
	matches := toolBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, false, nil
	}
	first := matches[0]
	argsRaw := strings.TrimSpace(first[3])
	if !json.Valid([]byte(argsRaw)) {
		return nil, len(matches) > 1, &ParseError{Raw: argsRaw, Err: errInvalidJSON(argsRaw)}
	}
	tc := ToolCall{
		ServerName: strings.TrimSpace(first[1]),
		ToolName:   strings.TrimSpace(first[2]),
		Arguments:  json.RawMessage(argsRaw),
	}
	return []ToolCall{tc}, len(matches) > 1, nil
}

// HasProtocolTag reports whether text contains any bare <use_mcp_tool>-family
// tag, used by guard 3 (format error) even when ParseToolCalls found no
// complete, well-formed block.
func HasProtocolTag(text string) bool {
	return protocolTagRe.MatchString(text)
}

// ExtractBoxed returns the content of the last \boxed{...} sentinel in text,
// after stripping any <think>...</think> blocks (spec.md §8 property 7), and
// whether one was found.
func ExtractBoxed(text string) (string, bool) {
	text = StripThinkTags(text)
	start := strings.LastIndex(text, `\boxed{`)
	if start < 0 {
		return "", false
	}
	body := text[start+len(`\boxed{`):]
	depth := 1
	for i, r := range body {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(body[:i]), true
			}
		}
	}
	return "", false
}

// StripThinkTags removes raw <think>...</think> blocks a model may emit
// outside the streaming delta channel (spec.md §4.9's invariant).
func StripThinkTags(text string) string {
	return thinkTagRe.ReplaceAllString(text, "")
}

// refusalPhrases are the literal substrings spec.md §4.7 guard 4 matches on.
var refusalPhrases = []string{
	"time constraint",
	"i'm sorry, but i can't",
	"i'm sorry, i cannot solve",
}

// IsRefusal reports whether text contains any configured refusal phrase
// (case-insensitive substring match).
func IsRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

type jsonErr struct{ msg string }

func (e *jsonErr) Error() string { return e.msg }

func errInvalidJSON(raw string) error {
	return &jsonErr{msg: "invalid JSON in <arguments>: " + truncate(raw, 120)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
