// Package config loads and saves the per-role JSON configuration files
// used by cmd/svalin-server, cmd/svalin-agent, and cmd/svalinctl, storing
// the role's credentials and network settings in its data directory, the
// layout the teacher's service packages use for on-disk state.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

const configFileName = "config.json"

// ServerConfig is the broker's on-disk configuration.
type ServerConfig struct {
	DataDir        string `json:"-"`
	ListenAddr     string `json:"listen_addr"`
	PublicHost     string `json:"public_host"`
	CredentialPath string `json:"credential_path"`
	RootCertPath   string `json:"root_cert_path"`
	StorePath      string `json:"store_path"`
}

// CheckAndSetDefaults fills in derived paths relative to DataDir.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("config: DataDir is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:4433"
	}
	if c.PublicHost == "" {
		c.PublicHost = "0.0.0.0"
	}
	if c.CredentialPath == "" {
		c.CredentialPath = filepath.Join(c.DataDir, "server.credential")
	}
	if c.RootCertPath == "" {
		c.RootCertPath = filepath.Join(c.DataDir, "root.cert")
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "svalin.db")
	}
	return nil
}

// AgentConfig is an agent's on-disk configuration.
type AgentConfig struct {
	DataDir        string `json:"-"`
	ServerAddr     string `json:"server_addr"`
	CredentialPath string `json:"credential_path"`
	RootCertPath   string `json:"root_cert_path"`
	// RelayTarget is the local address this agent relays forwarded
	// tunnels to once a caller has been routed to it (spec.md §4.H).
	RelayTarget string `json:"relay_target"`
}

// CheckAndSetDefaults fills in derived paths relative to DataDir.
func (c *AgentConfig) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("config: DataDir is required")
	}
	if c.ServerAddr == "" {
		return trace.BadParameter("config: ServerAddr is required")
	}
	if c.CredentialPath == "" {
		c.CredentialPath = filepath.Join(c.DataDir, "agent.credential")
	}
	if c.RootCertPath == "" {
		c.RootCertPath = filepath.Join(c.DataDir, "root.cert")
	}
	if c.RelayTarget == "" {
		c.RelayTarget = "localhost:22"
	}
	return nil
}

// ClientConfig is a user device's on-disk configuration. A client never
// holds a long-lived certificate of its own: every login runs AuCPace
// over the broker's anonymous PSK listener and trades its result for an
// ephemeral per-login connection (package sessionlink). It does pin the
// trust root, though: the agent list's signed items (agentlist's
// AgentListItemTransport) are only meaningful if verified against it.
type ClientConfig struct {
	DataDir         string `json:"-"`
	ServerAddr      string `json:"server_addr"`
	DeviceCachePath string `json:"device_cache_path"`
	RootCertPath    string `json:"root_cert_path"`
}

// CheckAndSetDefaults fills in derived paths relative to DataDir.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("config: DataDir is required")
	}
	if c.ServerAddr == "" {
		return trace.BadParameter("config: ServerAddr is required")
	}
	if c.DeviceCachePath == "" {
		c.DeviceCachePath = filepath.Join(c.DataDir, "devices.json")
	}
	if c.RootCertPath == "" {
		c.RootCertPath = filepath.Join(c.DataDir, "root.cert")
	}
	return nil
}

// Load reads and decodes a JSON config file of type T from dataDir.
func Load[T any](dataDir string) (*T, error) {
	var cfg T
	path := filepath.Join(dataDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %q", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}
	return &cfg, nil
}

// Save writes cfg as JSON into dataDir, creating it if necessary.
func Save(dataDir string, cfg any) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return trace.Wrap(err, "creating data directory %q", dataDir)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return trace.Wrap(err, "marshaling config")
	}
	path := filepath.Join(dataDir, configFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return trace.Wrap(err, "writing config file %q", path)
	}
	return nil
}
