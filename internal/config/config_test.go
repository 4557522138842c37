package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(Dir(), "stepflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "tint", cfg.LogFormat)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Empty(t, cfg.AI.BaseURL)
}

func TestLoad_FileThenEnv(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/tmp/flow.db",
		"pool_size": 3,
		"step_timeout": "45s",
		"ai": {"base_url": "https://llm.example/v1", "model": "small"}
	}`), 0o600))

	t.Setenv("STEPFLOW_POOL_SIZE", "7")
	t.Setenv("STEPFLOW_AI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flow.db", cfg.DBPath)
	assert.Equal(t, 7, cfg.PoolSize, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.StepTimeout)
	assert.Equal(t, "https://llm.example/v1", cfg.AI.BaseURL)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)

	b := cfg.Backends()
	assert.Equal(t, "small", b.AI.Model)
	assert.Empty(t, b.Search.BaseURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolateHome(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolateHome(t)
	t.Setenv("STEPFLOW_POOL_SIZE", "0")
	t.Setenv("STEPFLOW_LOG_FORMAT", "xml")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}
