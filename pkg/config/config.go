// Package config defines the runtime configuration structs and parsing
// helpers for the daemon: the store address, the services it binds and
// filters, the forwarder list, and the optional threat-feed ingester.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration, decoded from YAML.
type Config struct {
	DaemonID    string         `yaml:"daemon_id"`
	StoreAddr   string         `yaml:"store_addr"`
	Services    []Service      `yaml:"services"`
	Forwarders  []string       `yaml:"forwarders"`
	MispAPIConf *MispAPIConf   `yaml:"misp_api_conf"`
	Logging     LoggingConfig  `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Service is one named bundle of bind points and the filters applied to
// queries that arrive on them.
type Service struct {
	Name    string   `yaml:"name"`
	Filters []string `yaml:"filters"`
	Binds   []Bind   `yaml:"binds"`
}

// Bind is a single socket address and the wire protocols the Bind Manager
// should listen with on it.
type Bind struct {
	SocketAddress string   `yaml:"socket_address"`
	Protocols     []string `yaml:"protocols"` // subset of {"udp", "tcp"}
}

// MispAPIConf configures the threat-feed ingester (pkg/feed). Optional:
// a nil MispAPIConf means the ingester is not started.
type MispAPIConf struct {
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	UpdateFreqSecs    uint64 `yaml:"update_freq_secs"`
	RequestTimestamp  string `yaml:"request_timestamp"`   // duration-abbreviation, e.g. "7d"
	RequestItemLimit  int    `yaml:"request_item_limit"`  // page size
	RetentionTimeSecs int64  `yaml:"retention_time_secs"` // store key TTL
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds the observability sink settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	// #nosec G304 - path is provided by the operator via CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindConfigMissing, "read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, dnserr.Wrap(dnserr.KindConfigMalformed, "parse config YAML", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, dnserr.Wrap(dnserr.KindConfigMalformed, "validate config", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DaemonID == "" {
		c.DaemonID = "dnsblrsd"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.DaemonID
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
	if c.MispAPIConf != nil {
		if c.MispAPIConf.RequestTimestamp == "" {
			c.MispAPIConf.RequestTimestamp = "7d"
		}
		if c.MispAPIConf.RequestItemLimit == 0 {
			c.MispAPIConf.RequestItemLimit = 1000
		}
		if c.MispAPIConf.RetentionTimeSecs == 0 {
			c.MispAPIConf.RetentionTimeSecs = 30 * 24 * 3600
		}
	}
}

// Validate checks the fatal invariants spec.md §6 lists: a store address,
// at least one service, and at least one forwarder. A config that fails
// this is a bootstrap error (exit code 78), never a runtime one.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreAddr) == "" {
		return fmt.Errorf("store_addr cannot be empty")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	if len(c.Forwarders) == 0 {
		return fmt.Errorf("at least one forwarder must be configured")
	}

	for _, fwd := range c.Forwarders {
		if _, _, err := net.SplitHostPort(fwd); err != nil {
			return fmt.Errorf("forwarder %q is not a valid host:port", fwd)
		}
	}

	for _, svc := range c.Services {
		if strings.TrimSpace(svc.Name) == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		if len(svc.Binds) == 0 {
			return fmt.Errorf("service %q must declare at least one bind", svc.Name)
		}
		for _, b := range svc.Binds {
			if strings.TrimSpace(b.SocketAddress) == "" {
				return fmt.Errorf("service %q has a bind with an empty socket_address", svc.Name)
			}
			if len(b.Protocols) == 0 {
				return fmt.Errorf("service %q bind %q must declare at least one protocol", svc.Name, b.SocketAddress)
			}
			for _, proto := range b.Protocols {
				if proto != "udp" && proto != "tcp" {
					return fmt.Errorf("service %q bind %q has invalid protocol %q (must be udp or tcp)", svc.Name, b.SocketAddress, proto)
				}
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.MispAPIConf != nil {
		if strings.TrimSpace(c.MispAPIConf.URL) == "" {
			return fmt.Errorf("misp_api_conf.url cannot be empty")
		}
		if _, err := ParseDurationAbbrev(c.MispAPIConf.RequestTimestamp); err != nil {
			return fmt.Errorf("misp_api_conf.request_timestamp: %w", err)
		}
		if c.MispAPIConf.RequestItemLimit <= 0 {
			return fmt.Errorf("misp_api_conf.request_item_limit must be > 0")
		}
	}

	return nil
}

// AllFilters returns the de-duplicated union of every service's filter
// list, in first-seen order. The bootstrap path builds the single policy
// engine from this list, so every query, whichever service's bind it
// arrived on, is checked against the filters of all services.
func (c *Config) AllFilters() []string {
	seen := make(map[string]bool)
	var out []string
	for _, svc := range c.Services {
		for _, f := range svc.Filters {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// ParseDurationAbbrev parses strings of the form "7d", "12h", "30m", "45s"
// (a single integer followed by one of d/h/m/s) into a time.Duration. This
// is the grammar the threat-feed ingester's request_timestamp field uses;
// it is not Go's time.ParseDuration grammar, which doesn't accept "d".
func ParseDurationAbbrev(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	var n int
	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q (must be d, h, m, or s)", s)
	}
}
