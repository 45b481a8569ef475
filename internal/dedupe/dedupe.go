// Package dedupe implements the Duplicate-Query Index (spec.md C5): a
// per-task mapping of (agent, tool) -> (query-string -> count), plus the
// tool-specific query-string extraction spec.md §4.5 defines. The default
// backend is in-memory, per spec "no cross-task state"; an optional Redis
// mirror is available for cross-process visibility, grounded on the
// teacher's internal/orchestrator/dedupe.go RedisDedupeStore.
package dedupe

import (
	"context"
	"encoding/json"
	"strings"
)

// ExtractQuery returns the dedup key for a tool call's arguments, per
// spec.md §4.5: web search -> "q", page fetch -> "url", sub-agent
// invocation -> "subtask", other tools -> ("", false) (no dedup key).
func ExtractQuery(tool string, args json.RawMessage) (string, bool) {
	var m map[string]any
	if len(args) == 0 {
		return "", false
	}
	if err := json.Unmarshal(args, &m); err != nil {
		return "", false
	}
	var raw any
	var ok bool
	switch tool {
	case "google_search", "web_search", "search":
		raw, ok = m["q"]
	case "web_fetch", "fetch_page", "browse", "web_browse", "scrape":
		raw, ok = m["url"]
	case "search_and_browse":
		raw, ok = m["subtask"]
	default:
		return "", false
	}
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// Index is a per-(agent, tool) map of query-string -> count, scoped to one
// task. It is never shared across tasks (spec.md §3 Lifecycle).
type Index struct {
	counts map[string]map[string]int
}

func NewIndex() *Index {
	return &Index{counts: map[string]map[string]int{}}
}

func bucket(agent, tool string) string { return agent + "\x00" + tool }

// Count returns the current count for (agent, tool, query); 0 if never seen.
func (i *Index) Count(agent, tool, query string) int {
	b, ok := i.counts[bucket(agent, tool)]
	if !ok {
		return 0
	}
	return b[query]
}

// Increment records one occurrence of (agent, tool, query). Per spec.md's
// invariant, callers must only call this after the tool call actually
// executes, never before or speculatively.
func (i *Index) Increment(agent, tool, query string) {
	b, ok := i.counts[bucket(agent, tool)]
	if !ok {
		b = map[string]int{}
		i.counts[bucket(agent, tool)] = b
	}
	b[query]++
}

// Sum returns the total number of increments recorded, for testable
// property S6 (monotonic non-decreasing, sum equals non-null-query tool
// calls).
func (i *Index) Sum() int {
	total := 0
	for _, b := range i.counts {
		for _, c := range b {
			total += c
		}
	}
	return total
}

// Mirror optionally publishes dedup counts to an external store for
// cross-process observability. It never feeds back into guard decisions;
// the Index above is always authoritative (spec.md §11 Redis entry).
type Mirror interface {
	Publish(ctx context.Context, taskID, agent, tool, query string, count int)
}

// NoopMirror discards every publish call; the default when
// DEDUP_INDEX_BACKEND is unset or "memory".
type NoopMirror struct{}

func (NoopMirror) Publish(ctx context.Context, taskID, agent, tool, query string, count int) {}
