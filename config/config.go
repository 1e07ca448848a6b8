package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "offgrid-messenger"
	// DefaultListeningPort is the TCP port peers connect to.
	DefaultListeningPort = 8765
	// DefaultDiscoveryPort is the UDP port for discovery datagrams.
	DefaultDiscoveryPort = 8766
	// ProtocolVersion is advertised in discovery datagrams.
	ProtocolVersion = "1.0.0"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ErrMissingSharedSecret indicates the node cannot encrypt without a configured secret.
var ErrMissingSharedSecret = errors.New("config: shared secret is required")

// DefaultCapabilities is advertised when the config carries none.
var DefaultCapabilities = []string{"chat", "file_transfer", "calls", "group_calls", "clipboard"}

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	Hostname         string   `json:"hostname"`
	SharedSecret     string   `json:"shared_secret"`
	AccessCode       string   `json:"access_code"`
	ListeningPort    int      `json:"listening_port"`
	DiscoveryPort    int      `json:"discovery_port"`
	GatewayAddresses []string `json:"gateway_addresses"`
	Capabilities     []string `json:"capabilities"`
	DownloadsDir     string   `json:"downloads_dir"`
}

// Validate checks the fields the core cannot run without.
func (c *NodeConfig) Validate() error {
	if c.SharedSecret == "" {
		return ErrMissingSharedSecret
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("config: invalid listening port %d", c.ListeningPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("config: invalid discovery port %d", c.DiscoveryPort)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If OFFGRID_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("OFFGRID_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	hostname := "offgrid-node"
	if host, err := os.Hostname(); err == nil && host != "" {
		hostname = host
	}

	return &NodeConfig{
		Hostname:      hostname,
		ListeningPort: DefaultListeningPort,
		DiscoveryPort: DefaultDiscoveryPort,
		Capabilities:  append([]string(nil), DefaultCapabilities...),
		DownloadsDir:  filepath.Join(dataDir, "downloads"),
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.Hostname == "" {
		hostname := "offgrid-node"
		if host, err := os.Hostname(); err == nil && host != "" {
			hostname = host
		}
		cfg.Hostname = hostname
		updated = true
	}

	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = append([]string(nil), DefaultCapabilities...)
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	// The access code defaults to the shared secret: one preconfigured
	// value both encrypts traffic and authorizes peers.
	if cfg.AccessCode == "" && cfg.SharedSecret != "" {
		cfg.AccessCode = cfg.SharedSecret
		updated = true
	}

	return updated
}
