// Package prompt implements the Prompt Composer (spec.md C3): builds the
// system prompt (protocol preamble + tool catalog + role objective + date),
// the summary/finalization prompt, and the failure-experience block,
// grounded on the teacher's internal/agent/prompts/system.go instructional
// register (numbered rule lists, an explicit named workflow section per
// tool family) generalized to the spec's XML-like tool-call grammar.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentrunner/internal/toolclient"
)

// Role selects the role-specific objective text (spec.md §4.3/§4.7).
type Role string

const (
	RoleMain     Role = "main"
	RoleBrowsing Role = "sub_browsing"
)

const toolUsePreamble = `You solve tasks by reasoning step by step and, when needed, invoking exactly
one tool per turn. Rules:

1. Issue at most one tool call per response.
2. The tool call must be the last top-level element of your message; do not
   write any text after it.
3. Use exactly this tag grammar, with the arguments as a single JSON object:

<use_mcp_tool>
  <server_name>SERVER</server_name>
  <tool_name>TOOL</tool_name>
  <arguments>{"key": "value"}</arguments>
</use_mcp_tool>

Escape any double quotes or backslashes inside string values per standard
JSON escaping; the <arguments> block must be valid JSON with no trailing
commas or comments.

If you do not need a tool, answer directly with no tags at all.`

// roleObjective returns the role-specific objective paragraph appended
// after the tool-use preamble and tool catalog.
func roleObjective(role Role) string {
	switch role {
	case RoleBrowsing:
		return "Your objective is to research the given subtask using the tools above " +
			"and report back a concise, factual summary of what you found. You do not " +
			"answer the user directly; your final summary becomes a tool result for the " +
			"agent that invoked you."
	default:
		return "Your objective is to fully answer the user's request, using tools as " +
			"needed, then produce a final answer wrapped in \\boxed{...}."
	}
}

// BuildSystemPrompt renders the system prompt: protocol preamble, the tool
// catalog as JSON schema, the role objective, and the current date
// (spec.md §4.3).
func BuildSystemPrompt(role Role, catalog []toolclient.CatalogEntry, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(toolUsePreamble)
	sb.WriteString("\n\nAvailable tools:\n")
	sb.WriteString(renderCatalog(catalog))
	sb.WriteString("\n\n")
	sb.WriteString(roleObjective(role))
	sb.WriteString(fmt.Sprintf("\n\nCurrent date: %s", now.Format("2006-01-02")))
	return sb.String()
}

func renderCatalog(catalog []toolclient.CatalogEntry) string {
	if len(catalog) == 0 {
		return "(no tools available)"
	}
	var sb strings.Builder
	for _, c := range catalog {
		schema, _ := json.Marshal(c.InputSchema)
		sb.WriteString(fmt.Sprintf("- server=%q tool=%q: %s\n  input_schema: %s\n", c.ServerName, c.ToolName, c.Description, schema))
	}
	return sb.String()
}

// BuildSummaryPrompt returns the role-specific finalization instruction,
// appended as a final user message that forbids further tool calls and
// demands a \boxed{} answer (spec.md §4.7 Finalization).
func BuildSummaryPrompt(role Role) string {
	base := "Do not call any more tools. Write your final answer now, wrapped exactly " +
		"as \\boxed{ANSWER}, with no tags or tool-call syntax."
	if role == RoleBrowsing {
		return "Summarize everything you have learned about the subtask so far. " + base
	}
	return "Using everything gathered so far, answer the user's original request. " + base
}

// PostMortemPrompt is the no-tools prompt used to collect a structured
// failure-experience summary after a failed finalization (spec.md §4.7
// "Retry with failure experience").
const PostMortemPrompt = `Your attempt did not produce a usable final answer. Without calling any
tools, write a short structured post-mortem as JSON with exactly these keys:
{"failure_type": "...", "what_happened": "...", "useful_findings": "..."}`

// FailureExperience is one prior attempt's post-mortem (spec.md §3).
type FailureExperience struct {
	FailureType    string `json:"failure_type"`
	WhatHappened   string `json:"what_happened"`
	UsefulFindings string `json:"useful_findings"`
}

// BuildFailureExperienceBlock renders the header + list of prior
// post-mortems + footer that the orchestrator prepends to a new attempt's
// system prompt.
func BuildFailureExperienceBlock(experiences []FailureExperience) string {
	if len(experiences) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("=== Previous Attempts Analysis ===\n")
	for i, e := range experiences {
		sb.WriteString(fmt.Sprintf("Attempt %d:\n  failure_type: %s\n  what_happened: %s\n  useful_findings: %s\n",
			i+1, e.FailureType, e.WhatHappened, e.UsefulFindings))
	}
	sb.WriteString("=== End Previous Attempts Analysis ===\n")
	return sb.String()
}
