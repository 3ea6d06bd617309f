package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Controller.DefaultTimeout)
	assert.Equal(t, "localhost", cfg.Controller.RMS)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: DEBUG
  format: json
controller:
  default_timeout: 90s
  rms: slurm
  zones:
    - online:/etc/odc/online.cfg:/etc/odc/online.env
    - calib:/etc/odc/calib.cfg:/etc/odc/calib.env
metrics:
  enabled: true
  port: 9123
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 90*time.Second, cfg.Controller.DefaultTimeout)
	assert.Equal(t, "slurm", cfg.Controller.RMS)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9123, cfg.Metrics.Port)

	zones, err := cfg.ZoneConfigs()
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "/etc/odc/online.cfg", zones["online"].ConfigFile)
	assert.Equal(t, "/etc/odc/calib.env", zones["calib"].EnvFile)
}

func TestLoadRejectsInvalidLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: LOUD\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedZone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("controller:\n  zones:\n    - onlyname\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
