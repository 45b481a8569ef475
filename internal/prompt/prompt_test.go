package prompt

import (
	"strings"
	"testing"
	"time"

	"agentrunner/internal/toolclient"
)

func TestBuildSystemPromptIncludesCatalogAndDate(t *testing.T) {
	catalog := []toolclient.CatalogEntry{
		{ServerName: "search", ToolName: "google_search", Description: "search the web", InputSchema: map[string]any{"type": "object"}},
	}
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got := BuildSystemPrompt(RoleMain, catalog, now)
	if !strings.Contains(got, "google_search") {
		t.Fatalf("expected catalog entry in prompt, got %q", got)
	}
	if !strings.Contains(got, "2026-07-31") {
		t.Fatalf("expected current date in prompt, got %q", got)
	}
	if !strings.Contains(got, "<use_mcp_tool>") {
		t.Fatalf("expected protocol grammar in prompt")
	}
}

func TestBuildSystemPromptEmptyCatalog(t *testing.T) {
	got := BuildSystemPrompt(RoleMain, nil, time.Now())
	if !strings.Contains(got, "no tools available") {
		t.Fatalf("expected no-tools notice, got %q", got)
	}
}

func TestBuildSystemPromptRoleObjectiveDiffers(t *testing.T) {
	main := BuildSystemPrompt(RoleMain, nil, time.Now())
	sub := BuildSystemPrompt(RoleBrowsing, nil, time.Now())
	if main == sub {
		t.Fatalf("expected role objective to differ between main and sub_browsing")
	}
	if !strings.Contains(sub, "report back") {
		t.Fatalf("expected sub_browsing objective text, got %q", sub)
	}
}

func TestBuildSummaryPromptForbidsTools(t *testing.T) {
	got := BuildSummaryPrompt(RoleMain)
	if !strings.Contains(got, "Do not call any more tools") {
		t.Fatalf("expected no-tools instruction, got %q", got)
	}
	if !strings.Contains(got, "\\boxed{") {
		t.Fatalf("expected boxed-answer instruction, got %q", got)
	}
}

func TestBuildFailureExperienceBlockEmpty(t *testing.T) {
	if got := BuildFailureExperienceBlock(nil); got != "" {
		t.Fatalf("expected empty string for no experiences, got %q", got)
	}
}

func TestBuildFailureExperienceBlockRendersAttempts(t *testing.T) {
	experiences := []FailureExperience{
		{FailureType: "max_turns", WhatHappened: "ran out of turns", UsefulFindings: "found nothing"},
		{FailureType: "format_error", WhatHappened: "malformed tool call", UsefulFindings: "server name was wrong"},
	}
	got := BuildFailureExperienceBlock(experiences)
	if !strings.Contains(got, "Attempt 1:") || !strings.Contains(got, "Attempt 2:") {
		t.Fatalf("expected two numbered attempts, got %q", got)
	}
	if !strings.Contains(got, "max_turns") || !strings.Contains(got, "format_error") {
		t.Fatalf("expected failure types present, got %q", got)
	}
}
