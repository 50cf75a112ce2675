package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojodoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  filename: /var/lib/gojodoc/app.db
  timeout: 5s
  limit_size: 1048576
  cache_max_pages: 256
logger:
  level: debug
  components:
    locker: warn
telemetry:
  enabled: true
  prometheus_port: 9100
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gojodoc/app.db", cfg.Engine.Filename)
	require.Equal(t, 5*time.Second, cfg.Engine.Timeout)
	require.Equal(t, int64(1<<20), cfg.Engine.LimitSize)
	require.Equal(t, 256, cfg.Engine.CacheMaxPages)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, map[string]string{"locker": "warn"}, cfg.Logger.Components)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9100, cfg.Telemetry.PrometheusPort)

	// untouched keys keep their defaults
	require.Equal(t, Default().Engine.CacheSegmentSizes, cfg.Engine.CacheSegmentSizes)
	require.Equal(t, "json", cfg.Logger.Format)
	require.Equal(t, 1000, cfg.Engine.CheckpointSize)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("engine:\n  filename: \"\"\n  initial_size: -1\n"))
	require.ErrorContains(t, err, "engine.filename is required")
	require.ErrorContains(t, err, "must not be negative")

	_, err = Parse([]byte("engine: [unclosed"))
	require.ErrorContains(t, err, "parse config")

	_, err = Parse([]byte("engine:\n  cache_segment_sizes: [10, 0]\n"))
	require.ErrorContains(t, err, "cache_segment_sizes")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
