// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MuzeenMir/sentinel-sub000/internal/detect"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/firewall"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

// Config is the full daemon configuration.
type Config struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Detection DetectionConfig `yaml:"detection"`
	Policy    PolicyConfig    `yaml:"policy"`
	Firewall  firewall.Config `yaml:"firewall"`
	Publish   PublishConfig   `yaml:"publish"`
	Stats     StatsConfig     `yaml:"stats"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig is the YAML view of the logger settings.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"` // "text" or "json"
	SyslogServer string `yaml:"syslog_server"`
	SyslogPort   int    `yaml:"syslog_port"`
}

// ToLogging converts to the logging package's config.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(l.Level)
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.SyslogServer != "" {
		cfg.Syslog.Enabled = true
		cfg.Syslog.Host = l.SyslogServer
		if l.SyslogPort != 0 {
			cfg.Syslog.Port = l.SyslogPort
		}
	}
	return cfg
}

// IngestConfig configures the event sources.
type IngestConfig struct {
	NetFlowListen string `yaml:"netflow_listen"` // empty disables
	SFlowListen   string `yaml:"sflow_listen"`
	PcapFile      string `yaml:"pcap_file"`
	Interface     string `yaml:"interface"` // live capture; "any" binds all
	PushEnabled   bool   `yaml:"push_enabled"`
	QueueSize     int    `yaml:"queue_size"`
}

// PipelineConfig sizes the processing stages.
type PipelineConfig struct {
	Parallelism     int           `yaml:"parallelism"` // 0 = NumCPU
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DetectionConfig carries the detector thresholds.
type DetectionConfig struct {
	SYNFloodThreshold int           `yaml:"syn_flood_threshold"`
	PortScanThreshold int           `yaml:"port_scan_threshold"`
	LargePayloadBytes int64         `yaml:"large_payload_bytes"`
	RateSpikePPS      float64       `yaml:"rate_spike_pps"`
	EntropyZScore     float64       `yaml:"entropy_zscore"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
}

// ToDetect converts to the detector's config.
func (d DetectionConfig) ToDetect() detect.Config {
	return detect.Config{
		SYNFloodThreshold:     d.SYNFloodThreshold,
		PortScanThreshold:     d.PortScanThreshold,
		LargePayloadThreshold: d.LargePayloadBytes,
		RateThreshold:         d.RateSpikePPS,
		EntropyZScore:         d.EntropyZScore,
		DedupTTL:              d.DedupTTL,
	}
}

// PolicyConfig configures the orchestrator and its store.
type PolicyConfig struct {
	RedisAddr     string `yaml:"redis_addr"` // empty selects the in-memory store
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// PublishConfig selects the output sink.
type PublishConfig struct {
	Backend   string `yaml:"backend"` // memory (default) or pubsub
	ProjectID string `yaml:"project_id"`
	QueueSize int    `yaml:"queue_size"`
}

// StatsConfig configures the hot statistics recorder.
type StatsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig configures the firewall counter scrape.
type MetricsConfig struct {
	ScrapeInterval time.Duration `yaml:"scrape_interval"`
}

// Default returns a runnable configuration: push ingest and the API on
// localhost, memory-backed everything, detector defaults.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			PushEnabled: true,
			QueueSize:   65536,
		},
		Pipeline: PipelineConfig{
			BatchSize:       256,
			FlushInterval:   time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Detection: DetectionConfig{
			SYNFloodThreshold: 100,
			PortScanThreshold: 50,
			LargePayloadBytes: 10000,
			RateSpikePPS:      1000,
			EntropyZScore:     3.0,
			DedupTTL:          60 * time.Minute,
		},
		Publish: PublishConfig{
			Backend:   "memory",
			QueueSize: 4096,
		},
		API: APIConfig{
			Listen:       "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			ScrapeInterval: 15 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parse config %s", path)
	}
	return cfg, nil
}

// ValidationError is one configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the configuration for problems.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	for field, addr := range map[string]string{
		"ingest.netflow_listen": c.Ingest.NetFlowListen,
		"ingest.sflow_listen":   c.Ingest.SFlowListen,
	} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(field, fmt.Sprintf("%q is not host:port", addr))
		}
	}
	if c.Ingest.PcapFile != "" {
		if _, err := os.Stat(c.Ingest.PcapFile); err != nil {
			add("ingest.pcap_file", fmt.Sprintf("%q not readable", c.Ingest.PcapFile))
		}
		if c.Ingest.Interface != "" {
			add("ingest.interface", "mutually exclusive with ingest.pcap_file")
		}
	}
	if c.Ingest.QueueSize < 1 {
		add("ingest.queue_size", "must be at least 1")
	}

	if c.Pipeline.Parallelism < 0 {
		add("pipeline.parallelism", "must not be negative")
	}
	if c.Pipeline.BatchSize < 1 {
		add("pipeline.batch_size", "must be at least 1")
	}
	if c.Pipeline.ShutdownTimeout <= 0 {
		add("pipeline.shutdown_timeout", "must be positive")
	}

	if c.Detection.SYNFloodThreshold < 1 {
		add("detection.syn_flood_threshold", "must be at least 1")
	}
	if c.Detection.PortScanThreshold < 1 {
		add("detection.port_scan_threshold", "must be at least 1")
	}
	if c.Detection.LargePayloadBytes < 1 {
		add("detection.large_payload_bytes", "must be at least 1")
	}
	if c.Detection.RateSpikePPS <= 0 {
		add("detection.rate_spike_pps", "must be positive")
	}
	if c.Detection.EntropyZScore <= 0 {
		add("detection.entropy_zscore", "must be positive")
	}
	if c.Detection.DedupTTL <= 0 {
		add("detection.dedup_ttl", "must be positive")
	}

	switch c.Publish.Backend {
	case "", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" {
			add("publish.project_id", "required for the pubsub backend")
		}
	default:
		add("publish.backend", fmt.Sprintf("unknown backend %q", c.Publish.Backend))
	}

	if c.Stats.Enabled && c.Stats.RedisAddr == "" {
		add("stats.redis_addr", "required when stats are enabled")
	}

	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			add("api.listen", fmt.Sprintf("%q is not host:port", c.API.Listen))
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	if c.Metrics.ScrapeInterval < 0 {
		add("metrics.scrape_interval", "must not be negative")
	}

	return errs
}
