package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/tcpping/internal/options"
	"github.com/pingsantohq/tcpping/internal/queue"
	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	envConfigPath     = "TCPPING_CONFIG"
	DefaultConfigPath = "/etc/tcpping/tcpping.yaml"

	DefaultKind         = 1
	DefaultDataDir      = "/var/lib/tcpping"
	DefaultListen       = "127.0.0.1:9780"
	DefaultLogLevel     = "info"
	DefaultMemItemsCap  = 1024
	DefaultDiskBytesCap = "512MiB"
)

type Config struct {
	Agent   AgentConfig         `yaml:"agent"`
	Targets types.TargetOptions `yaml:"targets"`
	Queue   QueueConfig         `yaml:"queue"`
	Run     RunConfig           `yaml:"run"`
	Sinks   SinksConfig         `yaml:"sinks"`
}

type AgentConfig struct {
	Kind     int32  `yaml:"kind"`
	DataDir  string `yaml:"data_dir"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

type QueueConfig struct {
	MemItemsCap  int    `yaml:"mem_items_cap"`
	SpillToDisk  bool   `yaml:"spill_to_disk"`
	DiskBytesCap string `yaml:"disk_bytes_cap"`
}

// DiskBytes is the spill cap in bytes.
func (q QueueConfig) DiskBytes() (int64, error) {
	return queue.ParseSize(q.DiskBytesCap, 512<<20)
}

type RunConfig struct {
	// MaxInFlight bounds concurrent probes; zero picks a default from NumCPU.
	MaxInFlight int `yaml:"max_inflight"`
	// AttemptsPerSec caps connection attempts across all targets; zero disables the cap.
	AttemptsPerSec float64 `yaml:"attempts_per_sec"`
}

type SinksConfig struct {
	Datafile    bool   `yaml:"datafile"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Broadcast   bool   `yaml:"broadcast"`
	// UplinkURL is the base URL of a collector that receives batches over HTTP.
	UplinkURL    string            `yaml:"uplink_url"`
	UplinkLabels map[string]string `yaml:"uplink_labels"`
	UplinkCert   string            `yaml:"uplink_cert"`
	UplinkKey    string            `yaml:"uplink_key"`
	UplinkCA     string            `yaml:"uplink_ca"`
}

// Default returns the configuration used when a file leaves fields unset.
func Default() Config {
	cfg := Config{Sinks: SinksConfig{Datafile: true, Broadcast: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Agent.Kind == 0 {
		c.Agent.Kind = DefaultKind
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = DefaultDataDir
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = DefaultListen
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = DefaultLogLevel
	}
	if c.Targets.IntervalMillis == 0 {
		c.Targets.IntervalMillis = options.DefaultIntervalMillis
	}
	if c.Targets.AvgAcross == 0 {
		c.Targets.AvgAcross = options.DefaultAvgAcross
	}
	if c.Queue.MemItemsCap == 0 {
		c.Queue.MemItemsCap = DefaultMemItemsCap
	}
	if c.Queue.DiskBytesCap == "" {
		c.Queue.DiskBytesCap = DefaultDiskBytesCap
	}
}

// Validate reports the first setting the worker cannot start with.
func (c Config) Validate() error {
	if c.Agent.DataDir == "" {
		return errors.New("agent.data_dir is required")
	}
	if _, err := options.Normalize(c.Targets); err != nil {
		return fmt.Errorf("targets: %w", err)
	}
	if c.Queue.MemItemsCap < 0 {
		return fmt.Errorf("queue.mem_items_cap must not be negative, got %d", c.Queue.MemItemsCap)
	}
	if c.Queue.SpillToDisk {
		if _, err := c.Queue.DiskBytes(); err != nil {
			return fmt.Errorf("queue.disk_bytes_cap: %w", err)
		}
	}
	if c.Run.MaxInFlight < 0 {
		return fmt.Errorf("run.max_inflight must not be negative, got %d", c.Run.MaxInFlight)
	}
	if c.Run.AttemptsPerSec < 0 {
		return fmt.Errorf("run.attempts_per_sec must not be negative, got %g", c.Run.AttemptsPerSec)
	}
	return nil
}

// Load reads path, applies defaults and validates the result.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %q: %w", path, err)
	}

	return cfg, nil
}

// Path resolves the config file location from the environment.
func Path() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	return Load(ctx, Path())
}

// Write stores cfg as YAML at path through a temp file.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure config dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit config %q: %w", path, err)
	}
	return nil
}
