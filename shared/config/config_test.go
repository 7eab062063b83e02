package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  url: "http://localhost:9090"
  api_key: "secret-key"
  log_level: "debug"
  listen: ":9090"
watch:
  poll_interval: 500ms
  backstop_interval: 5s
  max_poll_attempts: 30
simulator:
  database_url: "postgres://localhost/taskdeck"
  step_delay: 50ms
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := New(writeConfig(t, testYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9090", cfg.ServerURL())
	assert.Equal(t, "secret-key", cfg.APIKey())
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.Equal(t, ":9090", cfg.ListenAddr())
	assert.Equal(t, "postgres://localhost/taskdeck", cfg.DatabaseURL())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.BackstopInterval())
	assert.Equal(t, 30, cfg.MaxPollAttempts())
	assert.Equal(t, 50*time.Millisecond, cfg.StepDelay())
}

func TestDefaults(t *testing.T) {
	cfg, err := New(writeConfig(t, "server:\n  url: http://localhost:1234\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel())
	assert.Equal(t, ":8080", cfg.ListenAddr())
	assert.Empty(t, cfg.APIKey())
	assert.Empty(t, cfg.DatabaseURL())
	assert.Zero(t, cfg.PollInterval())
	assert.Zero(t, cfg.MaxPollAttempts())
}

func TestMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestInvalidYAML(t *testing.T) {
	_, err := New(writeConfig(t, "server: [not a mapping"), nil)
	require.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, testYAML)
	cfg, err := New(path, nil)
	require.NoError(t, err)

	stop, err := cfg.Watch()
	require.NoError(t, err)
	defer stop()

	updated := `
server:
  url: "http://localhost:7070"
  log_level: "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	deadline := time.After(5 * time.Second)
	for cfg.ServerURL() != "http://localhost:7070" {
		select {
		case <-deadline:
			t.Fatalf("config never reloaded, url still %q", cfg.ServerURL())
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, "warn", cfg.LogLevel())
}
