package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splinterd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.NodeKeyHex)
	require.Equal(t, "sqlite", cfg.DatabaseBackend)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadDecodesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splinterd.toml")
	contents := `NodeID = "alpha"
NetworkEndpoint = "tcps://0.0.0.0:9044"
DatabaseBackend = "postgres"
DatabaseDSN = "postgres://localhost/splinter"
HeartbeatSecs = 15
AdminTimeoutSecs = 45
StateDir = "/var/lib/splinterd"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "alpha", cfg.NodeID)
	require.Equal(t, "tcps://0.0.0.0:9044", cfg.NetworkEndpoint)
	require.Equal(t, "postgres", cfg.DatabaseBackend)
	require.Equal(t, int64(15), cfg.HeartbeatSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splinterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`NodeID = "alpha"`+"\n"), 0o644))

	t.Setenv("SPLINTER_NODE_ID", "beta")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "beta", cfg.NodeID)
}

func TestLoadOverrideWinsOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splinterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`NodeID = "alpha"`+"\n"), 0o644))

	t.Setenv("SPLINTER_NODE_ID", "beta")
	cfg, err := Load(path, WithNodeID("gamma"))
	require.NoError(t, err)
	require.Equal(t, "gamma", cfg.NodeID)
}

func TestLoadRejectsUnknownDatabaseBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splinterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`DatabaseBackend = "mysql"`+"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsRegistryWithBothPathAndURL(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	cfg.Registries = []RegistryConfig{{Path: "local.yaml", URL: "https://example.com/registry.yaml"}}

	err = Validate(cfg)
	require.Error(t, err)
}
