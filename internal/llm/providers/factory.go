// Package providers selects and constructs the configured llm.Provider
// backend, grounded on the teacher's internal/llm/providers/factory.go
// switch-on-name pattern, wrapping every concrete provider in
// llm.RetryingProvider so bounded retry (spec.md §4.2) applies uniformly.
package providers

import (
	"fmt"

	"agentrunner/internal/config"
	"agentrunner/internal/llm"
	"agentrunner/internal/llm/anthropic"
	"agentrunner/internal/llm/google"
	openaillm "agentrunner/internal/llm/openai"
)

// Build constructs an llm.Provider for the configured backend. "openai" also
// covers self-hosted OpenAI-compatible endpoints (llama.cpp, mlx_lm) via
// LLMClient.OpenAI.BaseURL.
func Build(cfg config.Config) (llm.Provider, error) {
	var inner llm.Provider
	switch cfg.LLMClient.Provider {
	case "", "openai":
		inner = openaillm.New(cfg.LLMClient.OpenAI)
	case "anthropic":
		inner = anthropic.New(cfg.LLMClient.Anthropic)
	case "google":
		g, err := google.New(cfg.LLMClient.Google)
		if err != nil {
			return nil, fmt.Errorf("build google provider: %w", err)
		}
		inner = g
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLMClient.Provider)
	}
	return llm.NewRetryingProvider(inner), nil
}
