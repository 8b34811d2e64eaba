// Package config loads Ailoy's runtime configuration: where the model cache
// lives, which provider backs the active agent, and how logging/tracing are
// wired. Values come from a YAML file, if any, overlaid with environment
// variables so a container deployment never has to ship a file at all.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceKind enumerates the device backends the tensor VM host can target.
type DeviceKind string

const (
	DeviceCPU    DeviceKind = "cpu"
	DeviceMetal  DeviceKind = "metal"
	DeviceVulkan DeviceKind = "vulkan"
	DeviceWebGPU DeviceKind = "webgpu"
)

// CacheConfig controls the content-addressed model cache (spec component A).
type CacheConfig struct {
	// RootDir overrides the cache root directory. Empty means "compute the
	// platform default" (see modelcache.ResolveRootDir).
	RootDir string `yaml:"root_dir,omitempty"`
	// ModelsURL is the base URL shards and manifests are fetched from.
	ModelsURL string `yaml:"models_url,omitempty"`
}

// DeviceConfig selects the device the local engine loads parameters onto.
type DeviceConfig struct {
	Kind    DeviceKind `yaml:"kind,omitempty"`
	Ordinal int        `yaml:"ordinal,omitempty"`
}

// LocalModelConfig names the model a local (on-device) agent should run.
type LocalModelConfig struct {
	ModelID      string       `yaml:"model_id"`
	Quantization string       `yaml:"quantization"`
	Device       DeviceConfig `yaml:"device,omitempty"`
}

// OpenAIConfig configures the OpenAI chat-completions adapter.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// GeminiConfig configures the Gemini adapter, which speaks the OpenAI-compatible
// chat-completions surface Google exposes at /v1beta/openai.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// GrokConfig configures the xAI Grok adapter, also OpenAI-compatible.
type GrokConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// AnthropicConfig configures the Claude adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	// DirectBrowserAccess opts into the
	// "anthropic-dangerous-direct-browser-access" header. Off by default:
	// only a browser/WASM embedding needs it, and sending it unconditionally
	// (as upstream examples do) leaks an implementation detail into every
	// server-side deployment. See SPEC_FULL.md / DESIGN.md.
	DirectBrowserAccess bool `yaml:"direct_browser_access,omitempty"`
}

// ProviderConfig selects and configures the active llm.Provider.
type ProviderConfig struct {
	// Kind is one of "local", "openai", "gemini", "claude", "grok".
	Kind      string           `yaml:"kind"`
	Local     LocalModelConfig `yaml:"local,omitempty"`
	OpenAI    OpenAIConfig     `yaml:"openai,omitempty"`
	Gemini    GeminiConfig     `yaml:"gemini,omitempty"`
	Grok      GrokConfig       `yaml:"grok,omitempty"`
	Anthropic AnthropicConfig  `yaml:"anthropic,omitempty"`
}

// ObsConfig controls the ambient logging/tracing stack.
type ObsConfig struct {
	LogLevel    string `yaml:"log_level,omitempty"`
	LogPath     string `yaml:"log_path,omitempty"`
	OTLP        string `yaml:"otlp,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// Config is the top-level configuration for an Ailoy runtime.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Obs      ObsConfig      `yaml:"obs"`
	// MaxSteps bounds the agent orchestrator's turn loop (spec 4.G).
	MaxSteps int `yaml:"max_steps,omitempty"`
}

// Default returns a Config with sane zero-config defaults: CPU device, the
// public model CDN, info logging.
func Default() Config {
	return Config{
		Cache:    CacheConfig{ModelsURL: "https://models.download.ailoy.co"},
		Obs:      ObsConfig{LogLevel: "info", ServiceName: "ailoy"},
		MaxSteps: 24,
	}
}

// LoadFile reads and parses a YAML config file on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load builds a Config from Default(), a YAML file (if configPath is
// non-empty), and environment variable overrides, in that order — the same
// layering the teacher's internal/config/loader.go uses for its own knobs.
func Load(configPath string) (Config, error) {
	cfg, err := LoadFile(configPath)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AILOY_CACHE_ROOT")); v != "" {
		cfg.Cache.RootDir = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_MODELS_URL")); v != "" {
		cfg.Cache.ModelsURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_PROVIDER")); v != "" {
		cfg.Provider.Kind = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_GEMINI_API_KEY")); v != "" {
		cfg.Provider.Gemini.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("XAI_API_KEY")); v != "" {
		cfg.Provider.Grok.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Provider.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_LOG_LEVEL")); v != "" {
		cfg.Obs.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_LOG_PATH")); v != "" {
		cfg.Obs.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_OTLP_ENDPOINT")); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := strings.TrimSpace(os.Getenv("AILOY_MAX_STEPS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSteps = n
		}
	}
}
