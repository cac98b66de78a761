package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Store.MutexTTL)
	assert.Equal(t, "stepfunctions", cfg.Engine.Backend)
	assert.True(t, cfg.Engine.CloudRunInsecure)
	assert.Equal(t, "local", cfg.Trigger.Backend)
	assert.Equal(t, time.Minute, cfg.Trigger.Interval)
	assert.Equal(t, 2*time.Second, cfg.Trigger.Settle)
	assert.Equal(t, "workflow-service-reconciler", cfg.Reconcile.LockName)
	assert.Equal(t, 1, cfg.Reconcile.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.PassTimeout)
	assert.Equal(t, 15*time.Second, cfg.Reconcile.MinRemaining)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.ProgressNotifyTimeout)
	assert.False(t, cfg.Telemetry.Enabled)
	require.NotNil(t, cfg.Workflows)
	assert.Empty(t, cfg.Workflows.Workflows)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("WORKFLOW_SERVICE_LOG_LEVEL", "debug")
	t.Setenv("WORKFLOW_SERVICE_STORE_BACKEND", "memory")
	t.Setenv("WORKFLOW_SERVICE_RECONCILE_CONCURRENCY", "4")
	t.Setenv("WORKFLOW_SERVICE_TRIGGER_INTERVAL", "30s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Trigger.Interval)
}

func TestLoader_ConfigFileAndWorkflows(t *testing.T) {
	dir := t.TempDir()
	workflows := writeFile(t, dir, "workflows.yaml", `
workflows:
  - name: test1
    definition: arn:aws:states:us-east-1:000000000000:stateMachine:test1
    inputSchema:
      type: object
      required: [inputFile]
  - name: test2
    definition: arn:aws:states:us-east-1:000000000000:stateMachine:test2
`)
	cfgFile := writeFile(t, dir, "config.yaml", `
engine:
  backend: cloudrun
  cloudrun_addr: localhost:9000
reconcile:
  min_remaining: 1m
workflows_file: `+workflows+`
`)

	cfg, err := NewLoader().WithConfigFile(cfgFile).Load()
	require.NoError(t, err)

	assert.Equal(t, "cloudrun", cfg.Engine.Backend)
	assert.Equal(t, "localhost:9000", cfg.Engine.CloudRunAddr)
	assert.Equal(t, time.Minute, cfg.Reconcile.MinRemaining)

	require.Len(t, cfg.Workflows.Workflows, 2)
	w := cfg.Workflows.Workflows[0]
	assert.Equal(t, "test1", w.Name)
	schema, err := w.Schema()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","required":["inputFile"]}`, string(schema))

	schema, err = cfg.Workflows.Workflows[1].Schema()
	require.NoError(t, err)
	assert.Nil(t, schema)
}

func TestLoader_InvalidWorkflowEntry(t *testing.T) {
	dir := t.TempDir()
	workflows := writeFile(t, dir, "workflows.yaml", "workflows:\n  - name: broken\n")
	t.Setenv("WORKFLOW_SERVICE_WORKFLOWS_FILE", workflows)

	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "loading workflows config")
}

func TestLoader_MissingConfigFileIsAnError(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store:     StoreConfig{Backend: "memory"},
			Engine:    EngineConfig{Backend: "stepfunctions"},
			Trigger:   TriggerConfig{Backend: "local", Interval: time.Minute},
			Reconcile: ReconcileConfig{Concurrency: 1, PassTimeout: time.Minute},
		}
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Store.MutexTTL = c.Reconcile.PassTimeout + LeaseMargin
	require.NoError(t, c.Validate(), "lease covering the pass and margin")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"store backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"engine backend", func(c *Config) { c.Engine.Backend = "temporal" }},
		{"trigger backend", func(c *Config) { c.Trigger.Backend = "cron" }},
		{"interval", func(c *Config) { c.Trigger.Interval = 0 }},
		{"concurrency", func(c *Config) { c.Reconcile.Concurrency = 0 }},
		{"pass timeout", func(c *Config) { c.Reconcile.PassTimeout = 0 }},
		{"mutex ttl shorter than pass", func(c *Config) { c.Store.MutexTTL = 30 * time.Second }},
		{"mutex ttl equal to pass", func(c *Config) { c.Store.MutexTTL = time.Minute }},
		{"mutex ttl without margin", func(c *Config) { c.Store.MutexTTL = time.Minute + LeaseMargin/2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	} {
		c := &Config{Log: LogConfig{Level: in}}
		assert.Equal(t, want, c.LogLevel(), in)
	}
}
