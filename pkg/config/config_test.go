package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_concurrent_tasks: 42
  resource_allocation_strategy: performance
queue:
  max_size: 100
  visibility_timeout: 90s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, StrategyPerformance, cfg.Scheduler.ResourceAllocationStrategy)
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 90*time.Second, cfg.Queue.VisibilityTimeout)
	// Untouched fields keep defaults.
	assert.Equal(t, Default().Queue.MaxRetries, cfg.Queue.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  resource_allocation_strategy: cheapest
`), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("AP_REDIS_ADDR", "redis:6379")

	out := ExpandEnv([]byte("addr: ${AP_REDIS_ADDR}\nport: ${AP_UNSET:-8080}\nempty: ${AP_GONE}"))
	assert.Equal(t, "addr: redis:6379\nport: 8080\nempty: ", string(out))
}

func TestValidateCrossFields(t *testing.T) {
	cfg := Default()
	cfg.Scaling.MinAgents = 5
	cfg.Scaling.MaxAgents = 2
	err := Validate(cfg)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "auto_scaling.max_agents", verr.Field)
}
