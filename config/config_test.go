package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagejournal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/pagejournal
  page_size: 4096
  checkpoint_interval: 30s
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/pagejournal", cfg.Storage.DataDir)
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, 30*time.Second, cfg.Storage.CheckpointInterval)
	require.True(t, cfg.Storage.Logging, "unset keys keep their defaults")
	require.True(t, cfg.Storage.WriteThrough)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "stderr", cfg.Logger.OutputFile)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
	require.NoError(t, cfg.Storage.Validate())
}

func TestLoad_EmptyFileAndPath(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(""), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(""), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  page_sise: 10\n"))
	require.ErrorContains(t, err, "page_sise")
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	cfg := Default("/data")
	cfg.Storage.CheckpointInterval = time.Minute
	data, err := cfg.Marshal()
	require.NoError(t, err)

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
