// Package config loads the agent runner's configuration from the
// environment (and an optional .env file), following the env-var-first
// pattern used throughout the teacher codebase: every key is read via
// os.Getenv. No YAML or other config file is read.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// OpenAIConfig configures the OpenAI-compatible provider (also used for
// self-hosted OpenAI-compatible backends such as llama.cpp or mlx_lm).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// GoogleConfig configures the Google Gemini provider.
type GoogleConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// LLMClientConfig selects and configures the main chat-completions provider.
type LLMClientConfig struct {
	Provider  string // "openai" (default), "anthropic", "google"
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Google    GoogleConfig
}

// SummaryLLMConfig configures the (optionally distinct) summarizer endpoint
// used for finalization and periodic-compaction prompts.
type SummaryLLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// AgentConfig holds the per-role orchestrator tunables named in spec.md §6.
type AgentConfig struct {
	MaxTurns             int
	KeepToolResult        int  // -1 = none strategy, N>=0 = sliding window
	ContextCompressLimit  int  // 0 disables periodic compaction
	DedupSubagentSubtasks bool
}

// ToolConfig is a per-tool toggle/endpoint pair (spec.md `tools.<name>.*`).
type ToolConfig struct {
	Enabled  bool
	Endpoint string
}

// Config is the full process configuration.
type Config struct {
	LLMClient LLMClientConfig
	Summary   SummaryLLMConfig

	MainAgent     AgentConfig
	BrowsingAgent AgentConfig

	PipelinePoolSize      int
	MaxConcurrentRequests int
	MaxHistoryTokens      int
	ContextCompression    bool

	MaxAttempts int // outer retry-with-failure-experience attempts (typical: 2-3)

	Tools map[string]ToolConfig

	DedupBackend  string // "memory" (default) or "redis"
	RedisAddr     string
	TaskLogDSN    string // optional pgx DSN for async task_log persistence
	CompletionTopic string // optional kafka topic for task-completion fan-out
	KafkaBrokers    []string

	HTTPAddr string
	LogLevel string
	LogPath  string

	OTLPEndpoint    string
	ServiceName     string
	ServiceVersion  string
	Environment     string
}

// Load reads .env (if present) then populates Config from the environment,
// applying the defaults spec.md leaves unspecified.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Tools: map[string]ToolConfig{},
	}

	cfg.LLMClient.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	if cfg.LLMClient.Provider == "" {
		cfg.LLMClient.Provider = "openai"
	}
	cfg.LLMClient.OpenAI = OpenAIConfig{
		BaseURL: strings.TrimSpace(os.Getenv("BASE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("API_KEY")),
		Model:   strings.TrimSpace(os.Getenv("MODEL_NAME")),
	}
	cfg.LLMClient.Anthropic = AnthropicConfig{
		BaseURL: strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		Model:   firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), os.Getenv("MODEL_NAME")),
	}
	cfg.LLMClient.Google = GoogleConfig{
		BaseURL: strings.TrimSpace(os.Getenv("GOOGLE_BASE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		Model:   firstNonEmpty(os.Getenv("GOOGLE_MODEL"), os.Getenv("MODEL_NAME")),
	}

	cfg.Summary = SummaryLLMConfig{
		BaseURL: firstNonEmpty(os.Getenv("SUMMARY_LLM_BASE_URL"), cfg.LLMClient.OpenAI.BaseURL),
		APIKey:  firstNonEmpty(os.Getenv("SUMMARY_LLM_API_KEY"), cfg.LLMClient.OpenAI.APIKey),
		Model:   firstNonEmpty(os.Getenv("SUMMARY_LLM_MODEL_NAME"), cfg.LLMClient.OpenAI.Model),
	}

	cfg.MainAgent = AgentConfig{
		MaxTurns:              parseIntDefault(os.Getenv("AGENT_MAIN_AGENT_MAX_TURNS"), 8),
		KeepToolResult:        parseIntDefault(os.Getenv("AGENT_MAIN_AGENT_KEEP_TOOL_RESULT"), -1),
		ContextCompressLimit:  parseIntDefault(os.Getenv("AGENT_MAIN_AGENT_CONTEXT_COMPRESS_LIMIT"), 0),
		DedupSubagentSubtasks: parseBoolDefault(os.Getenv("AGENT_MAIN_AGENT_DEDUP_SUBAGENT_SUBTASKS"), true),
	}
	cfg.BrowsingAgent = AgentConfig{
		MaxTurns:             parseIntDefault(os.Getenv("AGENT_SUB_BROWSING_AGENT_MAX_TURNS"), cfg.MainAgent.MaxTurns),
		KeepToolResult:       parseIntDefault(os.Getenv("AGENT_SUB_BROWSING_AGENT_KEEP_TOOL_RESULT"), cfg.MainAgent.KeepToolResult),
		ContextCompressLimit: parseIntDefault(os.Getenv("AGENT_SUB_BROWSING_AGENT_CONTEXT_COMPRESS_LIMIT"), cfg.MainAgent.ContextCompressLimit),
	}

	cfg.PipelinePoolSize = parseIntDefault(os.Getenv("PIPELINE_POOL_SIZE"), 4)
	cfg.MaxConcurrentRequests = parseIntDefault(os.Getenv("MAX_CONCURRENT_REQUESTS"), max(cfg.PipelinePoolSize, 8))
	cfg.MaxHistoryTokens = parseIntDefault(os.Getenv("MAX_HISTORY_TOKENS"), 0)
	cfg.ContextCompression = parseBoolDefault(os.Getenv("CONTEXT_COMPRESSION_ENABLED"), false)
	cfg.MaxAttempts = parseIntDefault(os.Getenv("AGENT_MAX_ATTEMPTS"), 3)

	for _, name := range parseCommaSeparatedList(os.Getenv("TOOLS_ENABLED")) {
		upper := strings.ToUpper(name)
		cfg.Tools[name] = ToolConfig{
			Enabled:  parseBoolDefault(os.Getenv("TOOLS_"+upper+"_ENABLED"), true),
			Endpoint: strings.TrimSpace(os.Getenv("TOOLS_" + upper + "_ENDPOINT")),
		}
	}

	cfg.DedupBackend = strings.ToLower(firstNonEmpty(os.Getenv("DEDUP_INDEX_BACKEND"), "memory"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.TaskLogDSN = strings.TrimSpace(os.Getenv("TASK_LOG_DATABASE_URL"))
	cfg.CompletionTopic = strings.TrimSpace(os.Getenv("TASK_COMPLETION_TOPIC"))
	cfg.KafkaBrokers = parseCommaSeparatedList(os.Getenv("KAFKA_BROKERS"))

	cfg.HTTPAddr = firstNonEmpty(os.Getenv("HTTP_ADDR"), ":8080")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "agentrunner")
	cfg.ServiceVersion = firstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev")
	cfg.Environment = firstNonEmpty(os.Getenv("ENVIRONMENT"), "development")

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseIntDefault(v string, def int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseBoolDefault(v string, def bool) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseCommaSeparatedList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
