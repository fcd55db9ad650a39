package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger(&buf, "auto", slog.LevelInfo, false)
	require.NoError(t, err)
	logger.Info("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger, err = NewLogger(&buf, "auto", slog.LevelInfo, true)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("hello")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = NewLogger(&buf, "xml", slog.LevelInfo, false)
	assert.Error(t, err)
}

func TestCommon_Flags(t *testing.T) {
	var c Common
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.AddFlags(fs)
	require.NoError(t, Parse(fs, []string{"--log-format", "json", "-o", "/tmp/sessions"}))

	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "info", c.LogLevel)

	// No configs/ directory next to the test binary: defaults apply.
	cfg, err := c.Config()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sessions", cfg.Storage.RootPath)
	assert.Equal(t, "1s", cfg.Report.BucketWidth)
}

func TestCommon_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root_path: data\nreport:\n  top_n: 3\n"), 0o644))

	c := Common{ConfigPath: path}
	cfg, err := c.Config()
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.Storage.RootPath)
	assert.Equal(t, 3, cfg.Report.TopN)

	c.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = c.Config()
	assert.Error(t, err, "an explicit config path must exist")
}
