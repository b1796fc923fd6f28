package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, time.Hour, cfg.Scheduler.RiskScanInterval)
	assert.True(t, cfg.SchedulerEnabled())
	assert.True(t, cfg.InboxEnabled())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Notifications.Webhooks)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: acme
scheduler:
  enabled: false
  risk_scan_interval: 15m
notifications:
  webhooks:
    - url: https://hooks.example.com/risk
      kinds: [task_at_risk]
      enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RiskScanInterval)
	assert.False(t, cfg.SchedulerEnabled())
	assert.True(t, cfg.InboxEnabled())
	assert.Equal(t, "text", cfg.Log.Format)
	require.Len(t, cfg.Notifications.Webhooks, 1)
	assert.False(t, cfg.Notifications.Webhooks[0].IsEnabled())
	assert.Equal(t, []string{"task_at_risk"}, cfg.Notifications.Webhooks[0].Kinds)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"short interval": "scheduler:\n  risk_scan_interval: 10ms\n",
		"bad format":     "log:\n  format: xml\n",
		"bad level":      "log:\n  level: chatty\n",
		"base path":      "server:\n  base_path: v0\n",
		"webhook scheme": "notifications:\n  webhooks:\n    - url: ftp://example.com\n",
		"webhook url":    "notifications:\n  webhooks:\n    - url: \"\"\n",
		"timeout":        "notifications:\n  webhooks:\n    - url: http://example.com\n      timeout_seconds: -1\n",
		"empty project":  "project:\n  id: \"\"\n",
		"not yaml":       "project: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "riskline init")

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Project.ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("ops")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Project.Name)

	cfg, err = FromFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Project.ID)
}

func TestSlogLevel(t *testing.T) {
	cfg := Default("acme")
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	cfg.Log.Level = "debug"
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.Log.Level = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
