package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WORKFLOW_SERVICE"

// WorkflowDefinition is one entry of the workflow catalog file.
type WorkflowDefinition struct {
	Name        string         `yaml:"name"`
	Definition  string         `yaml:"definition"`
	InputSchema map[string]any `yaml:"inputSchema"`
}

// Schema returns the input schema as JSON, or nil when none is declared.
func (d WorkflowDefinition) Schema() (json.RawMessage, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema of %s: %w", d.Name, err)
	}
	return b, nil
}

type WorkflowsConfig struct {
	Workflows []WorkflowDefinition `yaml:"workflows"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	PublicURL string `mapstructure:"public_url"`
}

type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	MutexTTL      time.Duration `mapstructure:"mutex_ttl"`
}

type EngineConfig struct {
	Backend          string `mapstructure:"backend"`
	Region           string `mapstructure:"region"`
	Endpoint         string `mapstructure:"endpoint"`
	CloudRunAddr     string `mapstructure:"cloudrun_addr"`
	CloudRunInsecure bool   `mapstructure:"cloudrun_insecure"`
}

type TriggerConfig struct {
	Backend  string        `mapstructure:"backend"`
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
	Settle   time.Duration `mapstructure:"settle"`
}

type ReconcileConfig struct {
	LockName     string        `mapstructure:"lock_name"`
	Concurrency  int           `mapstructure:"concurrency"`
	PassTimeout  time.Duration `mapstructure:"pass_timeout"`
	MinRemaining time.Duration `mapstructure:"min_remaining"`

	ProgressNotifyTimeout time.Duration `mapstructure:"progress_notify_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

type Config struct {
	Log           LogConfig       `mapstructure:"log"`
	Server        ServerConfig    `mapstructure:"server"`
	Store         StoreConfig     `mapstructure:"store"`
	Engine        EngineConfig    `mapstructure:"engine"`
	Trigger       TriggerConfig   `mapstructure:"trigger"`
	Reconcile     ReconcileConfig `mapstructure:"reconcile"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry"`
	WorkflowsFile string          `mapstructure:"workflows_file"`

	Workflows *WorkflowsConfig `mapstructure:"-"`
}

// Loader reads configuration from defaults, an optional config file and
// WORKFLOW_SERVICE_* environment variables, in increasing precedence.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v)

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("workflow-service")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	workflows, err := loadWorkflowsConfig(cfg.WorkflowsFile)
	if err != nil {
		return nil, fmt.Errorf("loading workflows config: %w", err)
	}
	cfg.Workflows = workflows

	return &cfg, nil
}

// Load reads the configuration with the default loader.
func Load() (*Config, error) {
	return NewLoader().Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/workflow-service.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.mutex_ttl", "10m")

	v.SetDefault("engine.backend", "stepfunctions")
	v.SetDefault("engine.region", "us-east-1")
	v.SetDefault("engine.endpoint", "")
	v.SetDefault("engine.cloudrun_addr", "localhost:8123")
	v.SetDefault("engine.cloudrun_insecure", true)

	v.SetDefault("trigger.backend", "local")
	v.SetDefault("trigger.name", "workflow-service-periodic-checker")
	v.SetDefault("trigger.interval", "1m")
	v.SetDefault("trigger.settle", "2s")

	v.SetDefault("reconcile.lock_name", "workflow-service-reconciler")
	v.SetDefault("reconcile.concurrency", 1)
	v.SetDefault("reconcile.pass_timeout", "5m")
	v.SetDefault("reconcile.min_remaining", "15s")
	v.SetDefault("reconcile.progress_notify_timeout", "5s")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("workflows_file", "./workflows.yaml")
}

// LeaseMargin is how much longer than reconcile.pass_timeout a mutex lease
// must last. It covers re-enabling the trigger after the pass budget is spent.
const LeaseMargin = time.Minute

// Validate checks backend names and numeric ranges.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return errors.New("store.postgres_dsn is required for the postgres backend")
	}
	switch c.Engine.Backend {
	case "stepfunctions", "cloudrun":
	default:
		return fmt.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	switch c.Trigger.Backend {
	case "local", "eventbridge":
	default:
		return fmt.Errorf("unknown trigger backend %q", c.Trigger.Backend)
	}
	if c.Trigger.Interval <= 0 {
		return fmt.Errorf("trigger.interval must be positive, got %s", c.Trigger.Interval)
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("reconcile.concurrency must be at least 1, got %d", c.Reconcile.Concurrency)
	}
	if c.Reconcile.PassTimeout <= 0 {
		return fmt.Errorf("reconcile.pass_timeout must be positive, got %s", c.Reconcile.PassTimeout)
	}
	// Mutex leases are not renewed, so one must outlive a whole pass.
	if ttl := c.Store.MutexTTL; ttl != 0 && ttl < c.Reconcile.PassTimeout+LeaseMargin {
		return fmt.Errorf("store.mutex_ttl (%s) must exceed reconcile.pass_timeout (%s) by at least %s",
			ttl, c.Reconcile.PassTimeout, LeaseMargin)
	}
	return nil
}

// LogLevel parses log.level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadWorkflowsConfig(path string) (*WorkflowsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No catalog is fine - workflows can be registered later
			return &WorkflowsConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg WorkflowsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, w := range cfg.Workflows {
		if w.Name == "" || w.Definition == "" {
			return nil, fmt.Errorf("parsing %s: workflow %d needs a name and a definition", path, i)
		}
	}

	return &cfg, nil
}
