package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCapabilities = `{
  "telemetry_window_hours": 24,
  "models": {
    "anthropic:claude-3-5-sonnet": {
      "provider": "anthropic",
      "skills": {"coding": 0.95, "reasoning": 0.9},
      "context_window": 200000,
      "cost_per_1k_tokens": 0.003,
      "avg_latency_ms": 1500,
      "error_rate": 0.02,
      "supports_streaming": true,
      "supports_function_calling": true,
      "max_output_tokens": 8192
    },
    "openai:gpt-4o": {
      "provider": "openai",
      "skills": {"coding": 0.9},
      "context_window": 128000,
      "cost_per_1k_tokens": 0.005,
      "avg_latency_ms": 1200,
      "error_rate": 0.03,
      "max_output_tokens": 4096
    }
  }
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCapabilities(t *testing.T) {
	path := writeTemp(t, "caps.json", sampleCapabilities)
	f, err := LoadCapabilities(path)
	require.NoError(t, err)
	assert.Equal(t, 24, f.TelemetryWindowHours)
	assert.Len(t, f.Models, 2)
	assert.Equal(t, "anthropic", f.Models["anthropic:claude-3-5-sonnet"].Provider)
}

func TestLoadCapabilities_InvalidIsConfigError(t *testing.T) {
	path := writeTemp(t, "caps.json", `{"models": {"bad": {"provider": "", "error_rate": 2}}}`)
	_, err := LoadCapabilities(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestModelOrder(t *testing.T) {
	path := writeTemp(t, "caps.json", sampleCapabilities)
	order, err := ModelOrder(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic:claude-3-5-sonnet", "openai:gpt-4o"}, order)
}
