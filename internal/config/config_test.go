package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(zap.NewNop().Sugar(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4840, cfg.Endpoint.Port)
	assert.Equal(t, "0.0.0.0", cfg.Endpoint.Host)
	assert.Equal(t, 100, cfg.Endpoint.MaxConnections)
	assert.Equal(t, "10s", cfg.Endpoint.HelloTimeout)
	assert.Equal(t, uint32(65536), cfg.Channel.ReceiveBufferSize)
	assert.Equal(t, uint32(16777216), cfg.Channel.MaxMessageSize)
	assert.Equal(t, uint32(4096), cfg.Channel.MaxChunkCount)
	assert.Equal(t, []string{"None"}, cfg.Channel.SecurityPolicies)
	assert.Equal(t, "None", cfg.Channel.SecurityMode)
	assert.Equal(t, 100, cfg.Backoff.MaxRetry)
	assert.Equal(t, "20s", cfg.Backoff.MaxDelay)
	assert.InDelta(t, 0.1, cfg.Backoff.RandomisationFactor, 1e-9)
	assert.Equal(t, "INFO", cfg.LoggerConfig.Level)
	assert.True(t, cfg.EnablePrometheus)
	assert.Equal(t, ":8080", cfg.MetricsAddr)
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := `{
		"endpoint": {"port": 48010, "application_name": "plant-gateway"},
		"channel": {"security_policies": ["Basic256Sha256", "None"]}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(file), 0o600))
	t.Setenv("UASC_CHANNEL_SECURITY_MODE", "SignAndEncrypt")
	t.Setenv("UASC_LOGGER_LEVEL", "DEBUG")

	cfg, err := load(zap.NewNop().Sugar(), dir)
	require.NoError(t, err)

	assert.Equal(t, 48010, cfg.Endpoint.Port)
	assert.Equal(t, "plant-gateway", cfg.Endpoint.ApplicationName)
	assert.Equal(t, "urn:uasc:server", cfg.Endpoint.ApplicationURI)
	assert.Equal(t, []string{"Basic256Sha256", "None"}, cfg.Channel.SecurityPolicies)
	assert.Equal(t, "SignAndEncrypt", cfg.Channel.SecurityMode)
	assert.Equal(t, "DEBUG", cfg.LoggerConfig.Level)
	assert.Equal(t, "1h", cfg.Channel.TokenLifetime)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"endpoint": `), 0o600))

	_, err := load(zap.NewNop().Sugar(), dir)
	assert.Error(t, err)
}
