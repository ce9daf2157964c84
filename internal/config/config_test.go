package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := ServerConfig{
		DataDir:    dir,
		ListenAddr: "127.0.0.1:4433",
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NoError(t, Save(dir, &cfg))

	loaded, err := Load[ServerConfig](dir)
	require.NoError(t, err)
	require.Equal(t, cfg.ListenAddr, loaded.ListenAddr)
	require.Equal(t, cfg.CredentialPath, loaded.CredentialPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load[ServerConfig](t.TempDir())
	require.Error(t, err)
}

func TestServerConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := ServerConfig{DataDir: dir}
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, "0.0.0.0:4433", cfg.ListenAddr)
	require.Equal(t, "0.0.0.0", cfg.PublicHost)
	require.Equal(t, filepath.Join(dir, "server.credential"), cfg.CredentialPath)
	require.Equal(t, filepath.Join(dir, "root.cert"), cfg.RootCertPath)
	require.Equal(t, filepath.Join(dir, "svalin.db"), cfg.StorePath)
}

func TestServerConfigRequiresDataDir(t *testing.T) {
	cfg := ServerConfig{}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestAgentConfigDefaultsAndRequiredFields(t *testing.T) {
	dir := t.TempDir()

	missingAddr := AgentConfig{DataDir: dir}
	require.Error(t, missingAddr.CheckAndSetDefaults())

	cfg := AgentConfig{DataDir: dir, ServerAddr: "broker.example:4433"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, filepath.Join(dir, "agent.credential"), cfg.CredentialPath)
	require.Equal(t, filepath.Join(dir, "root.cert"), cfg.RootCertPath)
	require.Equal(t, "localhost:22", cfg.RelayTarget)
}

func TestClientConfigDefaultsAndRequiredFields(t *testing.T) {
	dir := t.TempDir()

	missingAddr := ClientConfig{DataDir: dir}
	require.Error(t, missingAddr.CheckAndSetDefaults())

	cfg := ClientConfig{DataDir: dir, ServerAddr: "broker.example:4433"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, filepath.Join(dir, "devices.json"), cfg.DeviceCachePath)
	require.Equal(t, filepath.Join(dir, "root.cert"), cfg.RootCertPath)
}
