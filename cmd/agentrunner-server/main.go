// Command agentrunner-server is the only binary entrypoint (spec.md §6): it
// wires config, LLM providers, the tool registry, the context manager, the
// orchestrator pool, and the HTTP surface together and serves requests
// until terminated. Grounded on the teacher's cmd/agentd/main.go
// config-load-then-serve shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"agentrunner/internal/config"
	"agentrunner/internal/ctxmgr"
	"agentrunner/internal/dedupe"
	"agentrunner/internal/eventbus"
	"agentrunner/internal/httpserver"
	"agentrunner/internal/llm"
	"agentrunner/internal/llm/providers"
	"agentrunner/internal/observability"
	"agentrunner/internal/orchestrator"
	"agentrunner/internal/persistence"
	"agentrunner/internal/pool"
	"agentrunner/internal/prompt"
	"agentrunner/internal/toolclient"
)

// ShutdownGrace bounds how long in-flight tasks get to finish once a
// shutdown signal arrives (spec.md §4.10 "bounded grace period").
const ShutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitOTel(context.Background(), cfg)
		if err != nil {
			log.Warn().Err(err).Msg("otel_init_failed")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	provider, err := providers.Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build_provider_failed")
		os.Exit(1)
	}

	registry := buildRegistry(cfg)

	p, err := pool.New(cfg.PipelinePoolSize, int64(cfg.MaxConcurrentRequests), func() (*orchestrator.Orchestrator, error) {
		return buildOrchestrator(cfg, provider, registry), nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build_pool_failed")
		os.Exit(1)
	}

	var opts []httpserver.Option
	if cfg.TaskLogDSN != "" {
		store, err := persistence.Open(context.Background(), cfg.TaskLogDSN)
		if err != nil {
			log.Warn().Err(err).Msg("task_log_store_unavailable")
		} else {
			defer store.Close()
			opts = append(opts, httpserver.WithPersistence(store))
		}
	}
	if cfg.CompletionTopic != "" && len(cfg.KafkaBrokers) > 0 {
		bus := eventbus.New(cfg.KafkaBrokers, cfg.CompletionTopic)
		defer bus.Close()
		opts = append(opts, httpserver.WithEventBus(bus))
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpserver.New(p, opts...),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("agentrunner_server_listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen_failed")
		}
	}()

	waitForShutdown(srv, p)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains the pool and the
// HTTP server within ShutdownGrace (spec.md §4.10, §5 cancellation model).
func waitForShutdown(srv *http.Server, p *pool.Pool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown_signal_received")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	if err := p.Shutdown(ShutdownGrace); err != nil {
		log.Warn().Err(err).Msg("pool_shutdown_incomplete")
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_incomplete")
	}
}

// buildRegistry assembles the tool registry: it registers only the in-repo
// web_fetch tool. No MCP servers are connected here, and cfg.Tools is not
// read.
func buildRegistry(cfg config.Config) *toolclient.MemRegistry {
	reg := toolclient.NewMemRegistry()
	reg.RegisterLocal(toolclient.WebFetchCatalogEntry, toolclient.NewWebFetchTool(nil))
	return reg
}

// buildOrchestrator constructs one pool instance: a main-agent Orchestrator
// whose search_and_browse tool spawns a nested browsing-role Orchestrator
// (spec.md §4.7 sub-agent invocation), each with its own ctxmgr.Manager per
// Open Question decision (a) in SPEC_FULL.md §12.
func buildOrchestrator(cfg config.Config, provider llm.Provider, registry toolclient.Registry) *orchestrator.Orchestrator {
	mirror := newDedupMirror(cfg)
	mainCtxMgr := ctxmgr.New(agentCtxConfig(cfg.MainAgent, cfg), cfg.LLMClient.OpenAI.Model, provider)

	subAgent := func(subtask string) (*orchestrator.Orchestrator, error) {
		browsingCtxMgr := ctxmgr.New(agentCtxConfig(cfg.BrowsingAgent, cfg), cfg.LLMClient.OpenAI.Model, provider)
		return orchestrator.New(orchestrator.Config{
			Role:     prompt.RoleBrowsing,
			Model:    cfg.LLMClient.OpenAI.Model,
			MaxTurns: cfg.BrowsingAgent.MaxTurns,
			Mirror:   mirror,
		}, provider, registry, browsingCtxMgr, nil, nil), nil
	}

	return orchestrator.New(orchestrator.Config{
		Role:                    prompt.RoleMain,
		Model:                   cfg.LLMClient.OpenAI.Model,
		MaxTurns:                cfg.MainAgent.MaxTurns,
		MaxFinalizationAttempts: cfg.MaxAttempts,
		MaxTokens:               2048,
		SubAgentName:            "search_and_browse",
		Mirror:                  mirror,
	}, provider, registry, mainCtxMgr, nil, subAgent)
}

// agentCtxConfig translates an AgentConfig's keep_tool_result/
// context_compress_limit pair into a ctxmgr.Config's Strategy selection
// (spec.md §4.6: the three strategies are mutually exclusive).
func agentCtxConfig(agent config.AgentConfig, cfg config.Config) ctxmgr.Config {
	strategy := ctxmgr.StrategyNone
	switch {
	case agent.ContextCompressLimit > 0:
		strategy = ctxmgr.StrategyPeriodicCompaction
	case agent.KeepToolResult >= 0:
		strategy = ctxmgr.StrategySlidingWindow
	}
	return ctxmgr.Config{
		Strategy:         strategy,
		KeepToolResult:   agent.KeepToolResult,
		CompressLimit:    agent.ContextCompressLimit,
		MaxContextLength: maxContextLengthFromConfig(cfg),
	}
}

func maxContextLengthFromConfig(cfg config.Config) int {
	if cfg.MaxHistoryTokens > 0 {
		return cfg.MaxHistoryTokens
	}
	return 32000
}

// newDedupMirror builds the optional cross-process dedup-count mirror
// (spec.md §11), wired into every orchestrator instance's Config.Mirror; a
// no-op unless DEDUP_INDEX_BACKEND=redis and REDIS_ADDR are both set.
func newDedupMirror(cfg config.Config) dedupe.Mirror {
	if cfg.DedupBackend != "redis" || cfg.RedisAddr == "" {
		return dedupe.NoopMirror{}
	}
	mirror, err := dedupe.NewRedisMirror(cfg.RedisAddr, httpserver.TaskTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("dedup_redis_mirror_unavailable")
		return dedupe.NoopMirror{}
	}
	return mirror
}
