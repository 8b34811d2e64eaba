// Package runtime provides the top-level Runtime value spec.md §9 calls for
// in place of the source's global broker/VM threads and cache-root state:
// "Represent as a Runtime value with explicit start/stop." One process may
// hold several Runtimes; each owns its own HTTP client and config, and
// defineAgent'd agents never reach back into it.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"ailoy/internal/agent"
	"ailoy/internal/config"
	"ailoy/internal/llm/providers"
	"ailoy/internal/modelcache"
	"ailoy/internal/observability"
)

// Runtime is the process-facing handle spec.md §6's public API surface
// builds on: `new_runtime()`, `define_agent(model)`, `runtime.stop()`.
type Runtime struct {
	cfg    config.Config
	client *http.Client
	cache  *modelcache.Store

	mu      sync.Mutex
	stopped bool
	otelFn  func(context.Context) error
}

// New starts a Runtime from cfg: it wires logging, starts OTel export only
// when cfg.Obs.OTLP names an endpoint, and prepares an HTTP client, handed to
// the remote-provider adapters it builds, and a model cache that backs
// ListLocalModels and RemoveModel.
func New(ctx context.Context, cfg config.Config) (*Runtime, error) {
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)
	var shutdownOTel func(context.Context) error
	if cfg.Obs.OTLP != "" {
		fn, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			return nil, fmt.Errorf("init otel: %w", err)
		}
		shutdownOTel = fn
	}
	client := observability.NewHTTPClient(nil)
	cache, err := modelcache.New(cfg.Cache, client)
	if err != nil {
		return nil, fmt.Errorf("init model cache: %w", err)
	}
	return &Runtime{
		cfg:    cfg,
		client: client,
		cache:  cache,
		otelFn: shutdownOTel,
	}, nil
}

// DefineAgent builds a provider from the runtime's configured provider kind
// and wraps it in an Agent (spec.md §6 "define_agent(model)"). system seeds
// the conversation; the agent's step bound is cfg.MaxSteps, and a value <= 0
// falls back to the agent package's own default.
func (r *Runtime) DefineAgent(system string) (*agent.Agent, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime: stopped")
	}
	r.mu.Unlock()

	provider, err := providers.Build(r.cfg, r.client)
	if err != nil {
		return nil, err
	}
	model := r.modelName()
	return agent.New(provider, model, system, r.cfg.MaxSteps), nil
}

func (r *Runtime) modelName() string {
	switch r.cfg.Provider.Kind {
	case "openai":
		return r.cfg.Provider.OpenAI.Model
	case "gemini":
		return r.cfg.Provider.Gemini.Model
	case "grok":
		return r.cfg.Provider.Grok.Model
	case "claude":
		return r.cfg.Provider.Anthropic.Model
	default:
		return r.cfg.Provider.Local.ModelID
	}
}

// ListLocalModels reports every locally cached model (spec.md §6
// "list_local_models()").
func (r *Runtime) ListLocalModels() ([]modelcache.Record, error) {
	return r.cache.ListLocal()
}

// RemoveModel deletes a cached model, or one quantization of it if
// quantization is non-empty (spec.md §6 "remove_model(id)").
func (r *Runtime) RemoveModel(modelID, quantization string) (bool, error) {
	return r.cache.Remove(modelID, quantization)
}

// Stop releases the runtime's ambient resources (spec.md §6 "runtime.stop()").
// Agents created via DefineAgent keep working after Stop; only the shared
// logging/tracing shutdown happens here.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	if r.otelFn != nil {
		return r.otelFn(ctx)
	}
	return nil
}
