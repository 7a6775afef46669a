package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECORDING_OUTPUT_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "streamlink", cfg.Recording.CaptureBinary)
	assert.Equal(t, int64(188*1024), cfg.Recording.MinOutputBytes)
	assert.Equal(t, 300*time.Second, cfg.Recovery.StaleHeartbeat)
	assert.Equal(t, 24*time.Hour, cfg.Recovery.StuckCeiling)
	assert.True(t, cfg.Proxy.FallbackToDirect)
	assert.Equal(t, 10, cfg.Defaults.ConcurrencyCap)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECORDING_OUTPUT_DIR", "/data/rec")
	t.Setenv("RECORDING_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("PROXY_ENABLED", "true")
	t.Setenv("PIPELINE_WORKERS", "4")
	t.Setenv("DEFAULT_CONCURRENCY_CAP", "not-a-number")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/rec", cfg.Recording.OutputDir)
	assert.Equal(t, 45*time.Second, cfg.Recording.HeartbeatInterval)
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 10, cfg.Defaults.ConcurrencyCap, "unparsable values fall back")
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.Database.DSN())
}

func TestValidate(t *testing.T) {
	t.Setenv("RECORDING_HEARTBEAT_INTERVAL", "100ms")
	_, err := Load()
	assert.ErrorContains(t, err, "RECORDING_HEARTBEAT_INTERVAL")

	t.Setenv("RECORDING_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("PIPELINE_WORKERS", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "PIPELINE_WORKERS")
}

func TestDSNFromComponents(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.DSN())
}
