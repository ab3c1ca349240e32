package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
agent:
  kind: 7
  data_dir: /var/lib/tcpping
  listen: 127.0.0.1:9000
targets:
  interval_ms: 1000
  avg_across: 2
  pause_ms: 50
  addrs: ["1.1.1.1:443", "example.com:80"]
queue:
  mem_items_cap: 200
  spill_to_disk: true
  disk_bytes_cap: 2GiB
run:
  max_inflight: 16
  attempts_per_sec: 100
sinks:
  datafile: true
  postgres_dsn: postgres://tcpping@localhost/tcpping
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcpping.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Agent.Kind != 7 {
		t.Fatalf("unexpected kind: %d", cfg.Agent.Kind)
	}
	if cfg.Agent.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level, got %q", cfg.Agent.LogLevel)
	}
	if cfg.Targets.IntervalMillis != 1000 || cfg.Targets.AvgAcross != 2 || cfg.Targets.PauseMillis != 50 {
		t.Fatalf("unexpected targets: %+v", cfg.Targets)
	}
	if len(cfg.Targets.Addrs) != 2 || cfg.Targets.Addrs[1] != "example.com:80" {
		t.Fatalf("unexpected addrs: %#v", cfg.Targets.Addrs)
	}
	if bytes, err := cfg.Queue.DiskBytes(); err != nil || bytes != 2<<30 {
		t.Fatalf("unexpected disk cap %d (%v)", bytes, err)
	}
	if cfg.Run.MaxInFlight != 16 || cfg.Run.AttemptsPerSec != 100 {
		t.Fatalf("unexpected run section: %+v", cfg.Run)
	}
	if cfg.Sinks.Broadcast || !cfg.Sinks.Datafile || cfg.Sinks.PostgresDSN == "" {
		t.Fatalf("unexpected sinks: %+v", cfg.Sinks)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, "targets:\n  addrs: [\"127.0.0.1:22\"]\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.Kind != DefaultKind || cfg.Agent.DataDir != DefaultDataDir {
		t.Fatalf("agent defaults not applied: %+v", cfg.Agent)
	}
	if cfg.Targets.IntervalMillis != 3000 || cfg.Targets.AvgAcross != 3 {
		t.Fatalf("target defaults not applied: %+v", cfg.Targets)
	}
	if cfg.Queue.MemItemsCap != DefaultMemItemsCap {
		t.Fatalf("queue default not applied: %+v", cfg.Queue)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate": "targets:\n  addrs: [\"a:1\", \"a:1\"]\n",
		"interval":  "targets:\n  interval_ms: -5\n",
		"disk":      "queue:\n  spill_to_disk: true\n  disk_bytes_cap: lots\n",
		"inflight":  "run:\n  max_inflight: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv(envConfigPath, path)

	if Path() != path {
		t.Fatalf("expected env path, got %q", Path())
	}
	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Agent.Listen != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen: %s", cfg.Agent.Listen)
	}
}

func TestWriteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "tcpping.yaml")
	cfg := Default()
	cfg.Targets.Addrs = []string{"127.0.0.1:80"}
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "interval_ms: 3000") {
		t.Fatalf("expected interval in output:\n%s", data)
	}
	got, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Targets.Addrs[0] != "127.0.0.1:80" || !got.Sinks.Datafile {
		t.Fatalf("unexpected round trip %+v", got)
	}
}
