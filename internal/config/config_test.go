package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, "127.0.0.1", cfg.HubHost)
	require.Equal(t, 9527, cfg.HubPort)
	require.Equal(t, 20, cfg.QueueBatchSize)
	require.Equal(t, 200*1_000_000, int(cfg.QueueFlushInterval))
}

func TestLoadBundleFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadBundleFile(filepath.Join(t.TempDir(), "nope.yaml"), Default())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadBundleFileOverlays(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debugprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hubHost: 10.0.0.5\nhubPort: 9000\n"), 0o600))

	cfg, err := LoadBundleFile(path, Default())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.HubHost)
	require.Equal(t, 9000, cfg.HubPort)
	require.Equal(t, 20, cfg.QueueBatchSize) // untouched default preserved
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DEBUGPROBE_HUB_HOST", "192.168.1.1")
	t.Setenv("DEBUGPROBE_HUB_PORT", "4242")
	t.Setenv("DEBUGPROBE_TOKEN", "secret-token")

	cfg := ApplyEnv(Default())
	require.Equal(t, "192.168.1.1", cfg.HubHost)
	require.Equal(t, 4242, cfg.HubPort)
	require.Equal(t, "secret-token", cfg.Token)
}

func TestApplyURL(t *testing.T) {
	cfg, err := ApplyURL("debughub://10.1.1.1:8888?token=abc123", Default())
	require.NoError(t, err)
	require.Equal(t, "10.1.1.1", cfg.HubHost)
	require.Equal(t, 8888, cfg.HubPort)
	require.Equal(t, "abc123", cfg.Token)
}

func TestApplyURLRejectsWrongScheme(t *testing.T) {
	_, err := ApplyURL("http://10.1.1.1:8888", Default())
	require.Error(t, err)
}
