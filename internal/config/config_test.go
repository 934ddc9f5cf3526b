package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
addr = "127.0.0.1:9000"
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Runtime.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, cfg.Runtime.PulseInterval())
	assert.Equal(t, 3, cfg.Runtime.OfflineFactor)
	assert.Equal(t, "default", cfg.Plans.Default)
	assert.False(t, cfg.Plans.CascadeFailures)
	assert.Contains(t, cfg.Workspace.Exclude, "**/.git/**")
}

func TestLoadReadsSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[runtime]
heartbeat_interval_ms = 1000
offline_factor = 5
queue_size = 4

[audit]
db_path = "data/audit.db"

[workspace]
root = "/srv/ws"
command_timeout_ms = 2500

[[workspace.rules]]
effect = "deny"
operation = "delete"
pattern = "**"

[plans]
path = "plans.yaml"
cascade_failures = true

[logging]
level = "debug"
format = "json"

[formatters.javascript]
command = "prettier --stdin-filepath {path}"
extensions = [".js", ".ts"]
`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Runtime.HeartbeatInterval())
	assert.Equal(t, 5, cfg.Runtime.OfflineFactor)
	assert.Equal(t, 4, cfg.Runtime.QueueSize)
	assert.Equal(t, "data/audit.db", cfg.Audit.DBPath)
	assert.Equal(t, 2500*time.Millisecond, cfg.Workspace.CommandTimeout())
	require.Len(t, cfg.Workspace.Rules, 1)
	assert.Equal(t, "deny", cfg.Workspace.Rules[0].Effect)
	assert.True(t, cfg.Plans.CascadeFailures)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.Contains(t, cfg.Formatters, "javascript")
	assert.Equal(t, []string{".js", ".ts"}, cfg.Formatters["javascript"].Extensions)
	assert.NotNil(t, cfg.Raw["runtime"])
}

func TestLoadRejectsBadRule(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[workspace.rules]]
effect = "maybe"
pattern = "**"
`))
	require.Error(t, err)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadMissingDefaultFileYieldsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8091", cfg.Server.Addr)
}
