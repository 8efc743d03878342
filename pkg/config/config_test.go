package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/errkind"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 7946, cfg.ListenPort)
	assert.Equal(t, 64, cfg.MaxPeers)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_port: 9000\nmax_peers: 10\n"), 0o644))

	cfg, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 10, cfg.MaxPeers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_port: 9000\n"), 0o644))

	t.Setenv("MESHNODE_LISTEN_PORT", "9500")

	cfg, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.ListenPort)
}

func TestLoad_FlagOverridesEverything(t *testing.T) {
	t.Setenv("MESHNODE_LISTEN_PORT", "9500")

	port := 9999
	cfg, err := Load("", Overrides{ListenPort: &port})
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ListenPort)
}

func TestLoad_InvalidReportsAllViolations(t *testing.T) {
	port := 80
	peers := 0
	mem := int64(1024)

	_, err := Load("", Overrides{ListenPort: &port, MaxPeers: &peers, MaxMemory: &mem})
	require.Error(t, err)

	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errkind.ConfigInvalid, e.Kind)
	assert.Len(t, e.Violations, 3)
}
