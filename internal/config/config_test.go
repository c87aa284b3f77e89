package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"icc.tech/flowsync/pkg/timesync"
)

// helper to write a tmp YAML file and return its path.
func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

// ── Load & validate round-trip ──

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
flowsync:
  sync:
    window: "20ms"
    buffer_size: 8
    drop_policy: "reject_new"
    staleness:
      enabled: true
      preset: "high_frequency"
  source:
    type: "synthetic"
    synthetic:
      streams:
        - name: "camera"
          period: "33ms"
          jitter: "2ms"
        - name: "lidar"
          period: "100ms"
          message_timeout: "250ms"
  sinks:
    - type: "console"
      options:
        compact: true
  log:
    level: "debug"
    format: "text"
  api:
    enabled: true
    listen: ":9700"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Window != "20ms" {
		t.Errorf("Sync.Window = %q, want 20ms", cfg.Sync.Window)
	}
	if cfg.Sync.BufferSize != 8 {
		t.Errorf("Sync.BufferSize = %d, want 8", cfg.Sync.BufferSize)
	}
	if !cfg.Sync.Staleness.Enabled || cfg.Sync.Staleness.Preset != "high_frequency" {
		t.Errorf("Staleness = %+v, want enabled high_frequency", cfg.Sync.Staleness)
	}

	names := cfg.StreamNames()
	if len(names) != 2 || names[0] != "camera" || names[1] != "lidar" {
		t.Errorf("StreamNames = %v, want [camera lidar]", names)
	}

	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "console" {
		t.Errorf("Sinks = %+v, want one console sink", cfg.Sinks)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.API.Listen != ":9700" {
		t.Errorf("API.Listen = %q, want :9700", cfg.API.Listen)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
flowsync:
  source:
    synthetic:
      streams:
        - name: "a"
          period: "10ms"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Window != "50ms" {
		t.Errorf("default window = %q, want 50ms", cfg.Sync.Window)
	}
	if cfg.Sync.BufferSize != 16 {
		t.Errorf("default buffer_size = %d, want 16", cfg.Sync.BufferSize)
	}
	if cfg.Sync.DropPolicy != "drop_oldest" {
		t.Errorf("default drop_policy = %q, want drop_oldest", cfg.Sync.DropPolicy)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	// An omitted sink list falls back to a console sink.
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "console" {
		t.Errorf("default sinks = %+v", cfg.Sinks)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Validation errors ──

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "buffer too small",
			yaml: `
flowsync:
  sync:
    buffer_size: 1
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`,
			want: "buffer_size",
		},
		{
			name: "bad drop policy",
			yaml: `
flowsync:
  sync:
    drop_policy: "newest"
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`,
			want: "drop_policy",
		},
		{
			name: "bad window",
			yaml: `
flowsync:
  sync:
    window: "fast"
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`,
			want: "window",
		},
		{
			name: "no streams",
			yaml: `
flowsync:
  source:
    type: "synthetic"
`,
			want: "streams",
		},
		{
			name: "duplicate streams",
			yaml: `
flowsync:
  source:
    synthetic:
      streams:
        - {name: "a", period: "10ms"}
        - {name: "a", period: "20ms"}
`,
			want: "duplicate",
		},
		{
			name: "bad staleness preset",
			yaml: `
flowsync:
  sync:
    staleness: {enabled: true, preset: "turbo"}
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`,
			want: "preset",
		},
		{
			name: "pcap without path",
			yaml: `
flowsync:
  source:
    type: "pcap"
    pcap:
      streams: [{name: "a", port: 4000}]
`,
			want: "path",
		},
		{
			name: "unknown sink",
			yaml: `
flowsync:
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
  sinks:
    - type: "carrier-pigeon"
`,
			want: "sink",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTmpConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

// ── Engine config conversion ──

func TestToSyncConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
flowsync:
  sync:
    window: "80ms"
    start_time: "1s"
    buffer_size: 4
    drop_policy: "reject_new"
    staleness: {enabled: true, preset: "batch"}
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sc, err := cfg.ToSyncConfig()
	if err != nil {
		t.Fatalf("ToSyncConfig failed: %v", err)
	}
	if sc.WindowSize != 80*time.Millisecond {
		t.Errorf("WindowSize = %v, want 80ms", sc.WindowSize)
	}
	if sc.StartTime == nil || *sc.StartTime != time.Second {
		t.Errorf("StartTime = %v, want 1s", sc.StartTime)
	}
	if sc.BufSize != 4 {
		t.Errorf("BufSize = %d, want 4", sc.BufSize)
	}
	if sc.DropPolicy != timesync.RejectNew {
		t.Errorf("DropPolicy = %v, want RejectNew", sc.DropPolicy)
	}
	if sc.Staleness == nil || sc.Staleness.HeapMaxSize != 64 {
		t.Errorf("Staleness = %+v, want batch preset", sc.Staleness)
	}
}

func TestToSyncConfigInfiniteWindow(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
flowsync:
  sync:
    window: "0s"
  source:
    synthetic:
      streams: [{name: "a", period: "10ms"}]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sc, err := cfg.ToSyncConfig()
	if err != nil {
		t.Fatalf("ToSyncConfig failed: %v", err)
	}
	if sc.WindowSize != 0 {
		t.Errorf("WindowSize = %v, want 0 (infinite)", sc.WindowSize)
	}
	if sc.Staleness != nil {
		t.Errorf("Staleness = %+v, want nil", sc.Staleness)
	}
}
