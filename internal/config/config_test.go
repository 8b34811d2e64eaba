package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "https://models.download.ailoy.co", cfg.Cache.ModelsURL)
	assert.Equal(t, "info", cfg.Obs.LogLevel)
	assert.Equal(t, 24, cfg.MaxSteps)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ailoy.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  kind: openai
  openai:
    model: gpt-4.1-mini
max_steps: 8
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider.Kind)
	assert.Equal(t, "gpt-4.1-mini", cfg.Provider.OpenAI.Model)
	assert.Equal(t, 8, cfg.MaxSteps)
	// untouched defaults survive the overlay
	assert.Equal(t, "https://models.download.ailoy.co", cfg.Cache.ModelsURL)
}

func TestApplyEnvOverridesCacheRoot(t *testing.T) {
	t.Setenv("AILOY_CACHE_ROOT", "/tmp/custom-ailoy-cache")
	t.Setenv("AILOY_MAX_STEPS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-ailoy-cache", cfg.Cache.RootDir)
	assert.Equal(t, 3, cfg.MaxSteps)
}
