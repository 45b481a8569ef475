package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// webFetchArgs is the JSON shape the LLM supplies for the fallback
// web_fetch tool: {"url": "..."}.
type webFetchArgs struct {
	URL string `json:"url"`
}

// WebFetchCatalogEntry describes the in-repo fetch tool, which is not backed
// by an MCP server; cmd/agentrunner-server always registers it.
var WebFetchCatalogEntry = CatalogEntry{
	ServerName:  "local",
	ToolName:    "web_fetch",
	Description: "Fetch a URL and return its page text with HTML tags stripped.",
	InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"url": map[string]any{"type": "string", "description": "absolute URL to fetch"}},
		"required":   []string{"url"},
	},
}

// NewWebFetchTool returns a call function for WebFetchCatalogEntry, grounded
// on the teacher's internal/tools/web.go fetch-then-strip-tags shape,
// trimmed of its chromedp/readability/markdown branches (none has a
// SPEC_FULL.md component to serve): a plain net/http GET followed by
// golang.org/x/net/html tag stripping.
func NewWebFetchTool(client *http.Client) func(ctx context.Context, raw json.RawMessage) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args webFetchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("web_fetch: invalid arguments: %w", err)
		}
		if strings.TrimSpace(args.URL) == "" {
			return "", fmt.Errorf("web_fetch: url is required")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("transport error fetching %s: %w", args.URL, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("server returned status %d for %s", resp.StatusCode, args.URL)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		if err != nil {
			return "", err
		}
		return stripTags(string(body)), nil
	}
}

// stripTags walks the parsed HTML tree and concatenates text nodes,
// collapsing whitespace, matching the teacher's plain-text extraction used
// as its last-resort fallback when readability parsing fails.
func stripTags(doc string) string {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			t := strings.TrimSpace(n.Data)
			if t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(sb.String())
}
