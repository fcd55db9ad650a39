package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  root_path: /var/lib/cwnd
capture:
  source: replay
  replay_path: tuples.jsonl
  duration: 30s
live:
  poll_interval: 250ms
aggregator:
  groupings:
    - name: per_dst
      key_fields: ["daddr", "dport"]
exporters:
  - type: sqlite
    enabled: true
alerter:
  enabled: true
  rules:
    - name: tiny windows
      metric: min_cwnd
      operator: "<"
      threshold: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cwnd", cfg.Storage.RootPath)
	assert.Equal(t, "replay", cfg.Capture.Source)
	assert.Equal(t, 30*time.Second, MustDuration(cfg.Capture.Duration))
	assert.Equal(t, 250*time.Millisecond, MustDuration(cfg.Live.PollInterval))
	assert.Equal(t, []string{"daddr", "dport"}, cfg.Aggregator.Groupings[0].KeyFields)
	require.Len(t, cfg.Exporters, 1)
	assert.Equal(t, "sqlite", cfg.Exporters[0].Type)

	// Untouched sections keep their defaults.
	assert.True(t, cfg.Capture.Fsync)
	assert.Equal(t, 1000, cfg.Live.MaxRecords)
	assert.Equal(t, ":8080", cfg.API.HTTPListenAddr)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad duration":     "capture:\n  duration: soon\n",
		"unknown source":   "capture:\n  source: pcap\n",
		"zero bucket":      "report:\n  bucket_width: 0s\n",
		"bad operator":     "alerter:\n  rules:\n    - name: x\n      metric: records\n      operator: '!='\n",
		"grouping no keys": "aggregator:\n  groupings:\n    - name: x\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "ebpf", cfg.Capture.Source)
	assert.Len(t, cfg.Exporters, 2)
	assert.True(t, cfg.Detect.Enabled)
	assert.NotEmpty(t, cfg.Alerter.Rules)
}
