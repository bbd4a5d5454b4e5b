package gocapnweb

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wireproto/capnweb/internal/logging"
)

// Config holds every recognized server option (§6). LoadFromFile starts
// from DefaultConfig's values and overlays the YAML file on them;
// LoadFromEnv overlays environment overrides on whatever Config it is
// given. Zero values are not replaced by defaults.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	DispatchTimeoutMs int           `yaml:"dispatch_timeout_ms"`
	MaxPipelineDepth  int           `yaml:"max_pipeline_depth"`
	LogLevel          string        `yaml:"log_level"`

	DispatchTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Host:              "127.0.0.1",
		Port:              9000,
		MaxBodyBytes:      4 << 20,
		DispatchTimeoutMs: 30000,
		MaxPipelineDepth:  64,
		LogLevel:          "info",
	}
	cfg.DispatchTimeout = time.Duration(cfg.DispatchTimeoutMs) * time.Millisecond
	return cfg
}

// LoadFromFile loads a YAML config file on top of DefaultConfig's values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.DispatchTimeout = time.Duration(cfg.DispatchTimeoutMs) * time.Millisecond
	logging.SetLevelFromString(cfg.LogLevel)
	return cfg, nil
}

// LoadFromEnv applies CAPNWEB_*-prefixed environment overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CAPNWEB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CAPNWEB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("CAPNWEB_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("CAPNWEB_DISPATCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchTimeoutMs = n
		}
	}
	if v := os.Getenv("CAPNWEB_MAX_PIPELINE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPipelineDepth = n
		}
	}
	if v := os.Getenv("CAPNWEB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.DispatchTimeout = time.Duration(cfg.DispatchTimeoutMs) * time.Millisecond
	logging.SetLevelFromString(cfg.LogLevel)
}
