// Package cli holds the flags and setup shared by the cwnd-* binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// DefaultConfigPath is read when --config is not given. A missing file at
// this path is not an error.
const DefaultConfigPath = "configs/config.yaml"

// Common are the flags every binary accepts.
type Common struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
	OutputDir  string
}

// AddFlags registers the common flags on fs.
func (c *Common) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigPath, "config", "c", "", "path to the YAML config (default "+DefaultConfigPath+" when present)")
	fs.StringVar(&c.LogFormat, "log-format", "auto", "log format: auto, text or json")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVarP(&c.OutputDir, "output-dir", "o", "", "session root directory (overrides storage.root_path)")
}

// Logger builds the process logger. "auto" picks text on a terminal and
// JSON otherwise.
func (c *Common) Logger(w *os.File) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level '%s'", c.LogLevel)
	}
	return NewLogger(w, c.LogFormat, level, term.IsTerminal(int(w.Fd())))
}

// NewLogger builds a logger writing to w in format.
func NewLogger(w io.Writer, format string, level slog.Level, terminal bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "auto", "":
		if terminal {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format '%s'", format)
}

// Config loads the configuration named by --config, falling back to
// DefaultConfigPath and then to config.Default. --output-dir is applied on
// top.
func (c *Common) Config() (*config.Config, error) {
	cfg, err := loadConfig(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.OutputDir != "" {
		cfg.Storage.RootPath = c.OutputDir
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	cfg, err := config.LoadConfig(DefaultConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Parse parses args, listing flags in declaration order in the usage text.
func Parse(fs *pflag.FlagSet, args []string) error {
	fs.SortFlags = false
	return fs.Parse(args)
}

// Exit reports err and terminates the process. pflag.ErrHelp exits 0.
func Exit(name string, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "%s: error: %v\n", name, err)
	os.Exit(1)
}
