// Package toolclient implements the Tool Client (spec.md C1): it issues
// remote tool invocations over MCP, normalizes responses into a ToolResult,
// and classifies failures into the spec.md §7 error taxonomy. It is
// grounded on the teacher's internal/mcpclient/mcpclient.go: the same
// mcp.ClientSession wrapping (stdio CommandTransport and Streamable-HTTP
// transport), the same sanitizeSchema helper reused here for rendering a
// Tool Catalog Entry's input_schema for the Prompt Composer.
package toolclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/orchestrator/errkind"
)

// CatalogEntry is a Tool Catalog Entry (spec.md §3): one tool available to
// an agent, loaded once per task from its MCP server(s).
type CatalogEntry struct {
	ServerName  string
	ToolName    string
	Description string
	InputSchema map[string]any
}

// ToolResult is the normalized outcome of one tool invocation (spec.md §3).
type ToolResult struct {
	ToolName string
	Content  string
	IsError  bool
	ErrKind  errkind.Kind
}

// DemoTruncateLimit bounds large textual tool results when running in demo
// mode (spec.md §4.1); 0 disables truncation.
var DemoTruncateLimit = 0

// Registry is the C1 contract: invoke(server, tool, args) -> ToolResult,
// plus the catalog the Prompt Composer renders into the system prompt.
type Registry interface {
	Catalog() []CatalogEntry
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) ToolResult
}

type entry struct {
	catalog CatalogEntry
	call    func(ctx context.Context, args json.RawMessage) (string, error)
}

// MemRegistry is the default in-process Registry implementation: a fixed
// set of entries resolved at construction time (from MCP servers and/or
// local fallback tools), dispatched by (server, tool) name.
type MemRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry // key: server+"\x00"+tool
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{entries: map[string]*entry{}}
}

func key(server, tool string) string { return server + "\x00" + tool }

func (r *MemRegistry) register(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(e.catalog.ServerName, e.catalog.ToolName)] = e
}

func (r *MemRegistry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.catalog)
	}
	return out
}

func (r *MemRegistry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) ToolResult {
	r.mu.RLock()
	e, ok := r.entries[key(server, tool)]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{ToolName: tool, Content: fmt.Sprintf("unknown tool %s/%s", server, tool), IsError: true, ErrKind: errkind.Schema}
	}
	content, err := e.call(ctx, args)
	if err != nil {
		return ToolResult{ToolName: tool, Content: err.Error(), IsError: true, ErrKind: classify(err)}
	}
	if DemoTruncateLimit > 0 && len(content) > DemoTruncateLimit {
		content = content[:DemoTruncateLimit] + "... [truncated]"
	}
	return ToolResult{ToolName: tool, Content: content, IsError: false, ErrKind: errkind.None}
}

func classify(err error) errkind.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return errkind.RateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return errkind.Timeout
	case strings.Contains(msg, "schema") || strings.Contains(msg, "unknown tool"):
		return errkind.Schema
	case strings.Contains(msg, "connect") || strings.Contains(msg, "transport") || strings.Contains(msg, "eof"):
		return errkind.Transport
	default:
		return errkind.Server
	}
}

// ServerConfig describes one MCP server to connect to, either a stdio
// subprocess or a remote Streamable-HTTP endpoint.
type ServerConfig struct {
	Name            string
	Command         string
	Args            []string
	Env             map[string]string
	URL             string
	Headers         map[string]string
	BearerToken     string
	Origin          string
	ProtocolVersion string
	KeepAlive       time.Duration
}

// Manager owns live MCP sessions and registers their tools into a Registry.
type Manager struct {
	sessions map[string]*mcppkg.ClientSession
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*mcppkg.ClientSession{}}
}

func (m *Manager) Close() {
	for _, s := range m.sessions {
		_ = s.Close()
	}
}

// Connect dials one MCP server and registers its tools into reg under
// ServerConfig.Name.
func (m *Manager) Connect(ctx context.Context, reg *MemRegistry, srv ServerConfig) error {
	if strings.TrimSpace(srv.Name) == "" {
		return fmt.Errorf("toolclient: server name required")
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "agentrunner", Version: "dev"}, &mcppkg.ClientOptions{KeepAlive: srv.KeepAlive})

	var session *mcppkg.ClientSession
	var err error
	switch {
	case strings.TrimSpace(srv.Command) != "":
		cleanCmd := filepath.Clean(srv.Command)
		if cleanCmd != srv.Command || filepath.IsAbs(cleanCmd) {
			return fmt.Errorf("toolclient: invalid command path %q", srv.Command)
		}
		cmd := exec.Command(cleanCmd, srv.Args...)
		if len(srv.Env) > 0 {
			env := os.Environ()
			for k, v := range srv.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case strings.TrimSpace(srv.URL) != "":
		transport := &mcppkg.StreamableClientTransport{Endpoint: srv.URL, HTTPClient: buildHTTPClient(srv)}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return fmt.Errorf("toolclient: server %q has neither command nor url", srv.Name)
	}
	if err != nil {
		return fmt.Errorf("toolclient: connect %s: %w", srv.Name, err)
	}
	m.sessions[srv.Name] = session

	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("toolclient_list_tools_error")
			break
		}
		reg.register(mcpEntry(srv.Name, session, tool))
	}
	return nil
}

func mcpEntry(server string, session *mcppkg.ClientSession, tool *mcppkg.Tool) *entry {
	return &entry{
		catalog: CatalogEntry{
			ServerName:  server,
			ToolName:    tool.Name,
			Description: tool.Description,
			InputSchema: sanitizeInputSchema(tool.InputSchema),
		},
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args any
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &args)
			}
			if args == nil {
				args = map[string]any{}
			}
			res, err := session.CallTool(ctx, &mcppkg.CallToolParams{Name: tool.Name, Arguments: args})
			if err != nil {
				return "", err
			}
			var texts []string
			for _, c := range res.Content {
				if tc, ok := c.(*mcppkg.TextContent); ok {
					texts = append(texts, tc.Text)
				}
			}
			content := strings.Join(texts, "\n")
			if res.IsError {
				return content, fmt.Errorf("tool reported error: %s", content)
			}
			return content, nil
		},
	}
}

func sanitizeInputSchema(schema any) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema != nil {
		if b, err := json.Marshal(schema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					params[k] = v
				}
			}
		}
	}
	sanitizeSchema(params)
	return params
}

// sanitizeSchema normalizes a JSON schema map in place to meet the LLM
// function-tool requirement that object schemas always carry a properties
// map and array schemas always carry an items schema.
func sanitizeSchema(s map[string]any) {
	hasType := func(v any, want string) bool {
		switch tt := v.(type) {
		case string:
			return tt == want
		case []any:
			for _, x := range tt {
				if xs, ok := x.(string); ok && xs == want {
					return true
				}
			}
		}
		return false
	}
	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for _, v := range props {
			if m, ok := v.(map[string]any); ok {
				sanitizeSchema(m)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		sanitizeSchema(it)
	}
}

func buildHTTPClient(srv ServerConfig) *http.Client {
	tr := &http.Transport{TLSClientConfig: &tls.Config{}}
	rt := &headerRoundTripper{base: tr, headers: srv.Headers, bearer: srv.BearerToken, origin: srv.Origin, protocol: srv.ProtocolVersion}
	return &http.Client{Transport: rt}
}

type headerRoundTripper struct {
	base     http.RoundTripper
	headers  map[string]string
	bearer   string
	origin   string
	protocol string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	if t.origin != "" && r.Header.Get("Origin") == "" {
		r.Header.Set("Origin", t.origin)
	}
	if t.protocol != "" && r.Header.Get("MCP-Protocol-Version") == "" {
		r.Header.Set("MCP-Protocol-Version", t.protocol)
	}
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if t.bearer != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	return t.base.RoundTrip(r)
}

// RegisterLocal registers a locally-implemented tool (not backed by an MCP
// session) under the ServerName of its catalog entry, e.g. the web_fetch
// tool in internal/toolclient/webfetch.go, whose entry uses "local".
func (r *MemRegistry) RegisterLocal(c CatalogEntry, call func(ctx context.Context, args json.RawMessage) (string, error)) {
	r.register(&entry{catalog: c, call: call})
}
