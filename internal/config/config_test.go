package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskgraph/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKGRAPH_HOME", home)
	return home
}

func TestLoad_FromTaskgraphHome(t *testing.T) {
	home := writeConfig(t, `
bind_addr: 127.0.0.1:9000
workflow:
  max_clarify_rounds: 2
  generator_timeout_seconds: 5
  session_store: memory
precedents:
  limit: 3
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.NeedsGenesis {
		t.Fatalf("unexpected home %q genesis=%v", cfg.HomeDir, cfg.NeedsGenesis)
	}
	if cfg.BindAddr != "127.0.0.1:9000" || cfg.Workflow.MaxClarifyRounds != 2 || cfg.Precedents.Limit != 3 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.GeneratorTimeout() != 5*time.Second || cfg.Workflow.SessionStore != config.SessionStoreMemory {
		t.Fatalf("unexpected workflow config %+v", cfg.Workflow)
	}
	if cfg.DBPath != filepath.Join(home, "graph.db") {
		t.Fatalf("db path should default under home, got %q", cfg.DBPath)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKGRAPH_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("missing config.yaml should ask for genesis")
	}
	if cfg.LogLevel != "info" || cfg.Workflow.MaxClarifyRounds != 4 || cfg.Retention() != 72*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Workflow.RetentionSchedule != "*/15 * * * *" || cfg.Workflow.SessionStore != config.SessionStoreSQL {
		t.Fatalf("unexpected workflow defaults %+v", cfg.Workflow)
	}
	if cfg.OTel.Enabled || cfg.OTel.Exporter != "none" {
		t.Fatalf("otel should be off by default: %+v", cfg.OTel)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:9000\nlog_level: info\n")
	t.Setenv("TASKGRAPH_BIND_ADDR", "0.0.0.0:7000")
	t.Setenv("TASKGRAPH_LOG_LEVEL", "DEBUG")
	t.Setenv("TASKGRAPH_MAX_CLARIFY_ROUNDS", "6")
	t.Setenv("TASKGRAPH_RATE_LIMIT_RPM", "not-a-number")
	t.Setenv("TASKGRAPH_AUTH_TOKEN", "s3cret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:7000" || cfg.LogLevel != "debug" || cfg.Workflow.MaxClarifyRounds != 6 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 {
		t.Fatalf("unparseable env values are ignored, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.AuthToken != "s3cret" {
		t.Fatalf("auth token not applied")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"session store", "workflow:\n  session_store: redis\n", "session_store"},
		{"min score", "precedents:\n  min_score: 1.5\n", "min_score"},
		{"exporter", "otel:\n  exporter: zipkin\n", "otel.exporter"},
		{"yaml", "bind_addr: [\n", "parse config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.body)
			if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:9000\n")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.AuthToken = "rotated"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("auth token must not change the fingerprint")
	}
	b.Workflow.MaxClarifyRounds++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("workflow settings must change the fingerprint")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}
}

func TestWriteDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKGRAPH_HOME", home)
	t.Setenv("TASKGRAPH_AUTH_TOKEN", "never-on-disk")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := config.WriteDefaults(cfg); err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "never-on-disk") {
		t.Fatal("auth token must not be written")
	}
	if !strings.Contains(string(data), "max_clarify_rounds: 4") {
		t.Fatalf("expected workflow defaults in file:\n%s", data)
	}

	again, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.NeedsGenesis || again.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("written defaults should load back to the same config")
	}
}
