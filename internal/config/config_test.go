package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/postpilot.db
poller:
  enabled: true
  schedule: 60s
  stale_after: 5m
autopilot:
  enabled: true
  min_lead_time: 30m
  intervals:
    instagram: 6h
    twitter: 3h
platforms:
  telegram:
    adapter: telegram
    telegram:
      token: "123:abc"
accounts:
  - owner: acme
    platform: telegram
    channel_id: "-1001"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Autopilot.Intervals["twitter"] != "3h" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"poller":{"nope":1}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty is valid", cfg: Config{}},
		{name: "bad driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, wantErr: "storage.driver"},
		{name: "sqlite needs path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, wantErr: "storage.path"},
		{name: "bad duration", cfg: Config{Poller: PollerConfig{StaleAfter: "five minutes"}}, wantErr: "poller.stale_after"},
		{name: "bad interval", cfg: Config{Autopilot: AutopilotConfig{Intervals: map[string]string{"x": "-1h"}}}, wantErr: "autopilot.intervals.x"},
		{name: "webhook needs url", cfg: Config{Platforms: map[string]PlatformConfig{"twitter": {Adapter: "webhook"}}}, wantErr: "webhook.url"},
		{name: "public ops needs token", cfg: Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:8086"}}, wantErr: "ops.token"},
		{name: "loopback ops ok", cfg: Config{Ops: OpsConfig{Enabled: true, Addr: "127.0.0.1:8086"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "45s", time.Minute)
	if err != nil || d != 45*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	var ds Durations
	ds.Get("a", "1m", 0)
	ds.Get("b", "bogus", 0)
	ds.Get("c", "also bogus", 0)
	if ds.Err() == nil || !strings.Contains(ds.Err().Error(), "b:") {
		t.Fatalf("Durations should keep the first error, got %v", ds.Err())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Autopilot: AutopilotConfig{MinLeadTime: "30m"}, ReplyGenerator: ReplyGeneratorConfig{Token: "a"}}
	newCfg := &Config{Autopilot: AutopilotConfig{MinLeadTime: "45m"}, ReplyGenerator: ReplyGeneratorConfig{Token: "b"}}
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) != 1 || sections[0] != "autopilot" {
		t.Fatalf("sections = %v (token rotation alone must not be reported)", sections)
	}
	if got := RestartRequired([]string{"autopilot", "storage"}); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"poller":{"schedule":"60s"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatal("unchanged content must not publish")
	}

	if err := os.WriteFile(path, []byte(`{"poller":{"stale_after":"soon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatal("invalid config must not publish")
	}

	if err := os.WriteFile(path, []byte(`{"poller":{"schedule":"30s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatal("valid change should publish")
	}
	select {
	case got := <-sub:
		if got.Poller.Schedule != "30s" {
			t.Fatalf("published schedule = %q", got.Poller.Schedule)
		}
	default:
		t.Fatal("subscriber did not receive the new config")
	}
}
