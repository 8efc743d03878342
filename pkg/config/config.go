// Package config implements the Config Surface: the node's validated,
// immutable runtime parameters, assembled once per boot from defaults, an
// optional YAML file, environment variables and process flags, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meshcore/meshnode/pkg/errkind"
)

const (
	minListenPort = 1024
	maxListenPort = 65535

	minMaxPeers = 1
	maxMaxPeers = 256

	minMaxMemory = 128 * 1024 * 1024        // 128 MiB
	maxMaxMemory = 16 * 1024 * 1024 * 1024  // 16 GiB

	// DefaultMaxConcurrentTasks sizes the Worker Pool when unset.
	DefaultMaxConcurrentTasks = 4
)

// Config is the immutable snapshot of runtime parameters a node boots with.
// Once built by Load, nothing mutates it; there is no live reload.
type Config struct {
	ListenPort          int
	ControlPort         int
	MetricsPort         int
	MaxPeers            int
	MaxConcurrentTasks  int
	StoragePath         string
	HealthCheckInterval durationSeconds
	MaxMemory           int64
	LogLevel            string
	BootstrapAddresses  []string
}

// durationSeconds keeps the YAML/env form a plain integer number of
// seconds. It has no time.Duration accessor; callers convert Seconds()
// themselves.
type durationSeconds int

// Seconds returns the interval as a plain int, for callers that want it raw.
func (d durationSeconds) Seconds() int { return int(d) }

// fileForm mirrors Config for YAML decoding; zero values mean "not set in
// this layer" so Load can tell a present-but-zero value apart from absence.
type fileForm struct {
	ListenPort          *int     `yaml:"listen_port"`
	ControlPort         *int     `yaml:"control_port"`
	MetricsPort         *int     `yaml:"metrics_port"`
	MaxPeers            *int     `yaml:"max_peers"`
	MaxConcurrentTasks  *int     `yaml:"max_concurrent_tasks"`
	StoragePath         *string  `yaml:"storage_path"`
	HealthCheckInterval *int     `yaml:"health_check_interval"`
	MaxMemory           *int64   `yaml:"max_memory"`
	LogLevel            *string  `yaml:"log_level"`
	BootstrapAddresses  []string `yaml:"bootstrap_addresses"`
}

// defaults returns the built-in default layer (spec §4.C2 / §6).
func defaults() Config {
	return Config{
		ListenPort:          7946,
		ControlPort:         7947,
		MetricsPort:         7948,
		MaxPeers:            64,
		MaxConcurrentTasks:  DefaultMaxConcurrentTasks,
		StoragePath:         "./data",
		HealthCheckInterval: 10,
		MaxMemory:           512 * 1024 * 1024,
		LogLevel:            "info",
		BootstrapAddresses:  nil,
	}
}

// Overrides is the process-flag layer, highest precedence. A nil field
// means "flag not set"; cobra callers populate only the flags the user
// actually passed (cmd.Flags().Changed(...)).
type Overrides struct {
	ListenPort          *int
	ControlPort         *int
	MetricsPort         *int
	MaxPeers            *int
	MaxConcurrentTasks  *int
	StoragePath         *string
	HealthCheckInterval *int
	MaxMemory           *int64
	LogLevel            *string
	BootstrapAddresses  []string
}

// Load builds the immutable Config snapshot: defaults, then configPath's
// YAML file (if non-empty and present), then MESHNODE_* environment
// variables, then flagOverrides. Every validation rule is checked and all
// violations are returned together in one ConfigInvalid error.
func Load(configPath string, flagOverrides Overrides) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	applyOverrides(&cfg, flagOverrides)

	if violations := validate(cfg); len(violations) > 0 {
		return nil, errkind.WithViolations(violations)
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(errkind.ConfigInvalid, err)
	}

	var f fileForm
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errkind.Wrap(errkind.ConfigInvalid, err)
	}

	if f.ListenPort != nil {
		cfg.ListenPort = *f.ListenPort
	}
	if f.ControlPort != nil {
		cfg.ControlPort = *f.ControlPort
	}
	if f.MetricsPort != nil {
		cfg.MetricsPort = *f.MetricsPort
	}
	if f.MaxPeers != nil {
		cfg.MaxPeers = *f.MaxPeers
	}
	if f.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *f.MaxConcurrentTasks
	}
	if f.StoragePath != nil {
		cfg.StoragePath = *f.StoragePath
	}
	if f.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = durationSeconds(*f.HealthCheckInterval)
	}
	if f.MaxMemory != nil {
		cfg.MaxMemory = *f.MaxMemory
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.BootstrapAddresses != nil {
		cfg.BootstrapAddresses = f.BootstrapAddresses
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MESHNODE_LISTEN_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_CONTROL_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlPort = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_METRICS_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_MAX_PEERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPeers = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_MAX_CONCURRENT_TASKS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_STORAGE_PATH"); ok {
		cfg.StoragePath = v
	}
	if v, ok := os.LookupEnv("MESHNODE_HEALTH_CHECK_INTERVAL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckInterval = durationSeconds(n)
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_MAX_MEMORY"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMemory = n
		}
	}
	if v, ok := os.LookupEnv("MESHNODE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("MESHNODE_BOOTSTRAP_ADDRESSES"); ok && v != "" {
		cfg.BootstrapAddresses = strings.Split(v, ",")
	}
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.ListenPort != nil {
		cfg.ListenPort = *o.ListenPort
	}
	if o.ControlPort != nil {
		cfg.ControlPort = *o.ControlPort
	}
	if o.MetricsPort != nil {
		cfg.MetricsPort = *o.MetricsPort
	}
	if o.MaxPeers != nil {
		cfg.MaxPeers = *o.MaxPeers
	}
	if o.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *o.MaxConcurrentTasks
	}
	if o.StoragePath != nil {
		cfg.StoragePath = *o.StoragePath
	}
	if o.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = durationSeconds(*o.HealthCheckInterval)
	}
	if o.MaxMemory != nil {
		cfg.MaxMemory = *o.MaxMemory
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.BootstrapAddresses != nil {
		cfg.BootstrapAddresses = o.BootstrapAddresses
	}
}

// validate checks every rule in spec §4.C2 atomically and returns every
// violation found, rather than failing fast on the first one.
func validate(cfg Config) []string {
	var violations []string

	if cfg.ListenPort < minListenPort || cfg.ListenPort > maxListenPort {
		violations = append(violations, fmt.Sprintf("listen_port %d out of range [%d, %d]", cfg.ListenPort, minListenPort, maxListenPort))
	}
	if cfg.ControlPort < minListenPort || cfg.ControlPort > maxListenPort {
		violations = append(violations, fmt.Sprintf("control_port %d out of range [%d, %d]", cfg.ControlPort, minListenPort, maxListenPort))
	}
	if cfg.MetricsPort < minListenPort || cfg.MetricsPort > maxListenPort {
		violations = append(violations, fmt.Sprintf("metrics_port %d out of range [%d, %d]", cfg.MetricsPort, minListenPort, maxListenPort))
	}
	if cfg.MaxPeers < minMaxPeers || cfg.MaxPeers > maxMaxPeers {
		violations = append(violations, fmt.Sprintf("max_peers %d out of range [%d, %d]", cfg.MaxPeers, minMaxPeers, maxMaxPeers))
	}
	if cfg.MaxMemory < minMaxMemory || cfg.MaxMemory > maxMaxMemory {
		violations = append(violations, fmt.Sprintf("max_memory %d out of range [%d, %d]", cfg.MaxMemory, minMaxMemory, maxMaxMemory))
	}

	return violations
}
