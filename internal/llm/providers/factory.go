// Package providers wires the llm.Provider implementations together based on
// the configured provider kind.
package providers

import (
	"fmt"
	"net/http"

	"ailoy/internal/config"
	"ailoy/internal/engine"
	"ailoy/internal/llm"
	"ailoy/internal/llm/anthropic"
	openaillm "ailoy/internal/llm/openai"
)

// Build constructs an llm.Provider from the configured provider kind.
//   - local: runs the bundled tensor-VM engine against a cached model
//   - openai: OpenAI Chat Completions
//   - gemini: Gemini's OpenAI-compatible endpoint, same client as openai
//   - grok: x.ai's OpenAI-compatible endpoint, same client as openai
//   - claude: Anthropic's native Messages API
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.Provider.Kind {
	case "", "local":
		return engine.New(cfg.Provider.Local, cfg.Cache)
	case "openai":
		return openaillm.New(cfg.Provider.OpenAI, httpClient), nil
	case "gemini":
		oc := config.OpenAIConfig{
			APIKey:  cfg.Provider.Gemini.APIKey,
			Model:   cfg.Provider.Gemini.Model,
			BaseURL: cfg.Provider.Gemini.BaseURL,
		}
		if oc.BaseURL == "" {
			oc.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		return openaillm.New(oc, httpClient), nil
	case "grok":
		oc := config.OpenAIConfig{
			APIKey:  cfg.Provider.Grok.APIKey,
			Model:   cfg.Provider.Grok.Model,
			BaseURL: cfg.Provider.Grok.BaseURL,
		}
		if oc.BaseURL == "" {
			oc.BaseURL = "https://api.x.ai/v1"
		}
		return openaillm.New(oc, httpClient), nil
	case "claude":
		return anthropic.New(cfg.Provider.Anthropic, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", cfg.Provider.Kind)
	}
}
