package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig locates the session store.
type StorageConfig struct {
	RootPath string `yaml:"root_path"`
}

// CaptureConfig controls a capture run.
type CaptureConfig struct {
	// Source is one of "ebpf", "nats" or "replay".
	Source           string `yaml:"source"`
	ReplayPath       string `yaml:"replay_path"`
	Duration         string `yaml:"duration"`
	Fsync            bool   `yaml:"fsync"`
	ProgressInterval string `yaml:"progress_interval"`
	// Republish mirrors every accepted record to the probe NATS subject.
	Republish bool `yaml:"republish"`
}

// ProbeConfig describes where raw tuples come from.
type ProbeConfig struct {
	NATSURL         string `yaml:"nats_url"`
	Subject         string `yaml:"subject"`
	BPFObject       string `yaml:"bpf_object"`
	PerfBufferPages int    `yaml:"perf_buffer_pages"`
}

// LiveConfig controls the live tail monitor.
type LiveConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Duration     string `yaml:"duration"`
	// MaxRecords caps the rolling window kept for live statistics.
	MaxRecords int `yaml:"max_records"`
}

// ReportConfig holds defaults for report assembly.
type ReportConfig struct {
	Title       string `yaml:"title"`
	BucketWidth string `yaml:"bucket_width"`
	TopN        int    `yaml:"top_n"`
}

// GroupingDef defines an extra aggregation over arbitrary record fields.
type GroupingDef struct {
	Name      string   `yaml:"name"`
	KeyFields []string `yaml:"key_fields"`
}

// AggregatorConfig holds the configurable groupings of the aggregator.
type AggregatorConfig struct {
	Groupings []GroupingDef `yaml:"groupings"`
}

// SQLiteConfig holds the configuration for the SQLite exporter.
type SQLiteConfig struct {
	// Path overrides the default export_<stamp>.db inside the session directory.
	Path string `yaml:"path"`
}

// ClickHouseConfig holds the configuration for the ClickHouse exporter.
type ClickHouseConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Table     string `yaml:"table"`
	BatchSize int    `yaml:"batch_size"`
}

// ExporterDef defines a single exporter and its settings.
type ExporterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// DetectConfig enables Sigma rule evaluation over records.
type DetectConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RulesDir string `yaml:"rules_dir"`
}

// AlerterRule defines a single threshold over a summary metric.
type AlerterRule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
}

// AlerterConfig holds the configuration for the alerter.
type AlerterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rules   []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the configuration for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig holds the listen addresses of the query API.
type APIConfig struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Capture    CaptureConfig    `yaml:"capture"`
	Probe      ProbeConfig      `yaml:"probe"`
	Live       LiveConfig       `yaml:"live"`
	Report     ReportConfig     `yaml:"report"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Exporters  []ExporterDef    `yaml:"exporters"`
	Detect     DetectConfig     `yaml:"detect"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	API        APIConfig        `yaml:"api"`
}

// Default returns the configuration used when no file is given. Values read
// from a file override these field by field.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{RootPath: "out"},
		Capture: CaptureConfig{
			Source:           "ebpf",
			Fsync:            true,
			ProgressInterval: "10s",
		},
		Probe: ProbeConfig{
			NATSURL:         "nats://127.0.0.1:4222",
			Subject:         "cwnd.tuples.raw",
			BPFObject:       "bpf/tcp_cwnd.bpf.o",
			PerfBufferPages: 8,
		},
		Live: LiveConfig{
			PollInterval: "1s",
			MaxRecords:   1000,
		},
		Report: ReportConfig{
			Title:       "TCP congestion window report",
			BucketWidth: "1s",
			TopN:        10,
		},
		API: APIConfig{
			HTTPListenAddr: ":8080",
			GRPCListenAddr: ":50051",
		},
	}
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by the YAML decoder.
func (c *Config) Validate() error {
	if c.Storage.RootPath == "" {
		return fmt.Errorf("storage.root_path must not be empty")
	}
	switch c.Capture.Source {
	case "ebpf", "nats", "replay":
	default:
		return fmt.Errorf("unknown capture.source '%s'", c.Capture.Source)
	}

	durations := map[string]string{
		"capture.duration":          c.Capture.Duration,
		"capture.progress_interval": c.Capture.ProgressInterval,
		"live.poll_interval":        c.Live.PollInterval,
		"live.duration":             c.Live.Duration,
		"report.bucket_width":       c.Report.BucketWidth,
	}
	for field, value := range durations {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
	}
	if d, _ := ParseDuration(c.Report.BucketWidth); d <= 0 {
		return fmt.Errorf("report.bucket_width must be a positive duration")
	}
	if d, _ := ParseDuration(c.Live.PollInterval); d <= 0 {
		return fmt.Errorf("live.poll_interval must be a positive duration")
	}

	for _, g := range c.Aggregator.Groupings {
		if g.Name == "" || len(g.KeyFields) == 0 {
			return fmt.Errorf("aggregator grouping needs a name and at least one key field")
		}
	}
	for _, r := range c.Alerter.Rules {
		switch r.Operator {
		case ">", "<", "=", ">=", "<=":
		default:
			return fmt.Errorf("alerter rule '%s' has unknown operator '%s'", r.Name, r.Operator)
		}
	}
	return nil
}

// ParseDuration parses a duration string; the empty string means zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// MustDuration returns the parsed value of a duration that Validate already accepted.
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
