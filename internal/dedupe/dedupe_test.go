package dedupe

import (
	"encoding/json"
	"testing"
)

func TestExtractQuerySearch(t *testing.T) {
	q, ok := ExtractQuery("google_search", json.RawMessage(`{"q": "  golang  "}`))
	if !ok || q != "golang" {
		t.Fatalf("got %q %v", q, ok)
	}
}

func TestExtractQueryFetch(t *testing.T) {
	q, ok := ExtractQuery("web_fetch", json.RawMessage(`{"url": "https://example.com"}`))
	if !ok || q != "https://example.com" {
		t.Fatalf("got %q %v", q, ok)
	}
}

func TestExtractQuerySubagent(t *testing.T) {
	q, ok := ExtractQuery("search_and_browse", json.RawMessage(`{"subtask": "find X"}`))
	if !ok || q != "find X" {
		t.Fatalf("got %q %v", q, ok)
	}
}

func TestExtractQueryNoKey(t *testing.T) {
	if _, ok := ExtractQuery("code_eval", json.RawMessage(`{"code": "1+1"}`)); ok {
		t.Fatalf("expected no dedup key for unrelated tool")
	}
}

func TestExtractQueryEmptyTrimmed(t *testing.T) {
	if _, ok := ExtractQuery("google_search", json.RawMessage(`{"q": "   "}`)); ok {
		t.Fatalf("expected no key for blank query")
	}
}

func TestIndexIncrementAndCount(t *testing.T) {
	idx := NewIndex()
	if idx.Count("main", "google_search", "x") != 0 {
		t.Fatalf("expected 0 before increment")
	}
	idx.Increment("main", "google_search", "x")
	if idx.Count("main", "google_search", "x") != 1 {
		t.Fatalf("expected 1 after increment")
	}
	idx.Increment("main", "google_search", "x")
	if idx.Count("main", "google_search", "x") != 2 {
		t.Fatalf("expected 2 after second increment")
	}
	if idx.Count("main", "google_search", "y") != 0 {
		t.Fatalf("expected distinct query to be isolated")
	}
	if idx.Count("sub", "google_search", "x") != 0 {
		t.Fatalf("expected distinct agent to be isolated")
	}
}

func TestIndexSumMonotonic(t *testing.T) {
	idx := NewIndex()
	if idx.Sum() != 0 {
		t.Fatalf("expected 0 sum initially")
	}
	idx.Increment("main", "google_search", "x")
	idx.Increment("main", "google_search", "y")
	idx.Increment("main", "web_fetch", "z")
	if idx.Sum() != 3 {
		t.Fatalf("expected sum 3, got %d", idx.Sum())
	}
}
