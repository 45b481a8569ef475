package parser

import "testing"

func TestParseToolCallsSingleBlock(t *testing.T) {
	text := `I will search now.
<use_mcp_tool>
  <server_name>search</server_name>
  <tool_name>google_search</tool_name>
  <arguments>{"q": "golang semaphore"}</arguments>
</use_mcp_tool>`

	calls, multiple, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if multiple {
		t.Fatalf("expected multiple=false")
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ServerName != "search" || calls[0].ToolName != "google_search" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if string(calls[0].Arguments) != `{"q": "golang semaphore"}` {
		t.Fatalf("unexpected arguments: %s", calls[0].Arguments)
	}
}

func TestParseToolCallsMultipleBlocksTakesFirst(t *testing.T) {
	text := `<use_mcp_tool><server_name>a</server_name><tool_name>t1</tool_name><arguments>{}</arguments></use_mcp_tool>
<use_mcp_tool><server_name>b</server_name><tool_name>t2</tool_name><arguments>{}</arguments></use_mcp_tool>`

	calls, multiple, err := ParseToolCalls(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !multiple {
		t.Fatalf("expected multiple=true")
	}
	if calls[0].ToolName != "t1" {
		t.Fatalf("expected first block to win, got %s", calls[0].ToolName)
	}
}

func TestParseToolCallsMalformedJSON(t *testing.T) {
	text := `<use_mcp_tool><server_name>a</server_name><tool_name>t1</tool_name><arguments>{not json}</arguments></use_mcp_tool>`
	_, _, err := ParseToolCalls(text)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	var perr *ParseError
	if !isParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func isParseError(err error, target **ParseError) bool {
	if pe, ok := err.(*ParseError); ok {
		*target = pe
		return true
	}
	return false
}

func TestParseToolCallsNoBlock(t *testing.T) {
	calls, multiple, err := ParseToolCalls("just plain text with no tags")
	if err != nil || multiple || calls != nil {
		t.Fatalf("expected no calls, got %+v %v %v", calls, multiple, err)
	}
}

func TestHasProtocolTag(t *testing.T) {
	if !HasProtocolTag("here is a <server_name>partial</server_name> tag with no wrapper") {
		t.Fatalf("expected protocol tag detected")
	}
	if HasProtocolTag("no tags here at all") {
		t.Fatalf("expected no protocol tag")
	}
}

func TestExtractBoxed(t *testing.T) {
	got, ok := ExtractBoxed("reasoning...\n\\boxed{42}")
	if !ok || got != "42" {
		t.Fatalf("got %q %v", got, ok)
	}
	if _, ok := ExtractBoxed("no boxed answer"); ok {
		t.Fatalf("expected not found")
	}
}

func TestExtractBoxedStripsThinkTags(t *testing.T) {
	text := "<think>scratch work \\boxed{wrong}</think>final \\boxed{right}"
	got, ok := ExtractBoxed(text)
	if !ok || got != "right" {
		t.Fatalf("got %q %v", got, ok)
	}
}

func TestIsRefusal(t *testing.T) {
	if !IsRefusal("I'm sorry, but I can't help with that due to a time constraint.") {
		t.Fatalf("expected refusal detected")
	}
	if IsRefusal("Here is the answer you asked for.") {
		t.Fatalf("expected no refusal")
	}
}
