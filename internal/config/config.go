package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskgraph/internal/otel"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreSQL    = "sql"
)

type StoreConfig struct {
	// ConflictRetries bounds re-reads of a node whose version moved while a
	// merge update was in flight.
	ConflictRetries int `yaml:"conflict_retries"`
	BusyRetries     int `yaml:"busy_retries"`
}

type WorkflowConfig struct {
	MaxClarifyRounds        int    `yaml:"max_clarify_rounds"`
	GeneratorTimeoutSeconds int    `yaml:"generator_timeout_seconds"`
	RetentionHours          int    `yaml:"retention_hours"`
	RetentionSchedule       string `yaml:"retention_schedule"`
	// SessionStore is "sql" (sessions live in the graph database) or "memory".
	SessionStore string `yaml:"session_store"`
}

type PrecedentConfig struct {
	Limit    int     `yaml:"limit"`
	MinScore float64 `yaml:"min_score"`
}

// RateLimitConfig controls the per-client gateway limiter. Zero
// RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AuthToken, when set, is required as a Bearer token on every API call.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists the Origin headers accepted from browsers. Empty
	// means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Store      StoreConfig     `yaml:"store"`
	Workflow   WorkflowConfig  `yaml:"workflow"`
	Precedents PrecedentConfig `yaml:"precedents"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	OTel       otel.Config     `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

func (c Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Workflow.GeneratorTimeoutSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.Workflow.RetentionHours) * time.Hour
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. The auth token
// is not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|store=%+v|workflow=%+v|precedents=%+v|rate=%+v|otel=%+v",
		c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins, c.Store, c.Workflow, c.Precedents, c.RateLimit, c.OTel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Store: StoreConfig{
			ConflictRetries: 3,
			BusyRetries:     5,
		},
		Workflow: WorkflowConfig{
			MaxClarifyRounds:        4,
			GeneratorTimeoutSeconds: 30,
			RetentionHours:          72,
			RetentionSchedule:       "*/15 * * * *",
			SessionStore:            SessionStoreSQL,
		},
		Precedents: PrecedentConfig{
			Limit:    5,
			MinScore: 0.05,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "taskgraph",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKGRAPH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskgraph")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskgraph home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefaults writes cfg to config.yaml unless the file already exists.
func WriteDefaults(cfg Config) error {
	path := ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg.AuthToken = ""
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "graph.db")
	}
	if cfg.Store.ConflictRetries <= 0 {
		cfg.Store.ConflictRetries = def.Store.ConflictRetries
	}
	if cfg.Store.BusyRetries <= 0 {
		cfg.Store.BusyRetries = def.Store.BusyRetries
	}
	w := &cfg.Workflow
	if w.MaxClarifyRounds <= 0 {
		w.MaxClarifyRounds = def.Workflow.MaxClarifyRounds
	}
	if w.GeneratorTimeoutSeconds <= 0 {
		w.GeneratorTimeoutSeconds = def.Workflow.GeneratorTimeoutSeconds
	}
	if w.RetentionHours <= 0 {
		w.RetentionHours = def.Workflow.RetentionHours
	}
	if strings.TrimSpace(w.RetentionSchedule) == "" {
		w.RetentionSchedule = def.Workflow.RetentionSchedule
	}
	w.SessionStore = strings.ToLower(strings.TrimSpace(w.SessionStore))
	if w.SessionStore == "" {
		w.SessionStore = def.Workflow.SessionStore
	}
	if cfg.Precedents.Limit <= 0 {
		cfg.Precedents.Limit = def.Precedents.Limit
	}
	if cfg.Precedents.MinScore <= 0 {
		cfg.Precedents.MinScore = def.Precedents.MinScore
	}
	if cfg.RateLimit.RequestsPerMinute > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = max(1, cfg.RateLimit.RequestsPerMinute/10)
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Workflow.SessionStore {
	case SessionStoreMemory, SessionStoreSQL:
	default:
		return fmt.Errorf("workflow.session_store %q: want %s or %s", cfg.Workflow.SessionStore, SessionStoreSQL, SessionStoreMemory)
	}
	if cfg.Precedents.MinScore > 1 {
		return fmt.Errorf("precedents.min_score %v must be at most 1", cfg.Precedents.MinScore)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if !slices.Contains(otel.Exporters(), cfg.OTel.Exporter) {
		return fmt.Errorf("otel.exporter %q: want one of %v", cfg.OTel.Exporter, otel.Exporters())
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKGRAPH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKGRAPH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKGRAPH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKGRAPH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKGRAPH_SESSION_STORE"); raw != "" {
		cfg.Workflow.SessionStore = raw
	}
	envInt("TASKGRAPH_MAX_CLARIFY_ROUNDS", &cfg.Workflow.MaxClarifyRounds)
	envInt("TASKGRAPH_GENERATOR_TIMEOUT_SECONDS", &cfg.Workflow.GeneratorTimeoutSeconds)
	envInt("TASKGRAPH_RETENTION_HOURS", &cfg.Workflow.RetentionHours)
	envInt("TASKGRAPH_RATE_LIMIT_RPM", &cfg.RateLimit.RequestsPerMinute)
	if raw := os.Getenv("TASKGRAPH_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("TASKGRAPH_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
