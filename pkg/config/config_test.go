package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "chromium", cfg.Browser.Type)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 60*time.Second, cfg.Task.NavigateTimeout)
	assert.Equal(t, 30*time.Second, cfg.Task.StepTimeout)
	assert.Equal(t, 2, cfg.Task.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Task.BaseDelay)
	assert.Equal(t, 8*time.Second, cfg.Task.MaxDelay)
	assert.Equal(t, "json", cfg.Memory.Type)
	assert.Contains(t, cfg.Search.URL, "%s")
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
memory:
  type: sqlite
  path: /tmp/webpilot.db
  persist: true
task:
  step_timeout: 5s
providers:
  openai:
    api_key: sk-test
    model: gpt-4o-mini
    enabled: true
  local:
    model: llama
    enabled: false
gateways:
  telegram:
    token: abc
    enabled: true
`)
	t.Setenv("WEBPILOT_BROWSER_TYPE", "firefox")
	t.Setenv("WEBPILOT_TASK_MAX_RETRIES", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Memory.Type)
	assert.True(t, cfg.Memory.Persist)
	assert.Equal(t, 5*time.Second, cfg.Task.StepTimeout)
	assert.Equal(t, 60*time.Second, cfg.Task.NavigateTimeout)
	assert.Equal(t, "firefox", cfg.Browser.Type)
	assert.Equal(t, 4, cfg.Task.MaxRetries)

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	tg, ok := cfg.GetTelegramConfig()
	assert.True(t, ok)
	assert.Equal(t, "abc", tg.Token)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"memory": {"type": "none"}, "task": {"output_format": "csv"}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Memory.Type)
	assert.Equal(t, "csv", cfg.Task.OutputFormat)

	_, ok := cfg.GetTelegramConfig()
	assert.False(t, ok)
	name, _ := cfg.GetDefaultProvider()
	assert.Empty(t, name)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := writeConfig(t, "config.yaml", "memory:\n  type: redis\n")
	_, err = LoadConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory.type")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"browser":     func(c *Config) { c.Browser.Type = "lynx" },
		"format":      func(c *Config) { c.Task.OutputFormat = "xml" },
		"retries":     func(c *Config) { c.Task.MaxRetries = -1 },
		"concurrency": func(c *Config) { c.Task.Concurrency = 0 },
		"search url":  func(c *Config) { c.Search.URL = "https://example.com" },
		"memory path": func(c *Config) { c.Memory.Path = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
