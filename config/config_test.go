package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("OFFGRID_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfgPath != filepath.Join(dataDir, "config.json") {
		t.Fatalf("unexpected config path %q", cfgPath)
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("listening port = %d, want %d", cfg.ListeningPort, DefaultListeningPort)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("discovery port = %d, want %d", cfg.DiscoveryPort, DefaultDiscoveryPort)
	}
	if cfg.Hostname == "" {
		t.Fatal("hostname not defaulted")
	}
	if len(cfg.Capabilities) == 0 {
		t.Fatal("capabilities not defaulted")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "downloads")); err != nil {
		t.Fatalf("downloads directory not created: %v", err)
	}

	// Second call must load the persisted file, not regenerate it.
	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if again.Hostname != cfg.Hostname {
		t.Fatalf("hostname changed between loads: %q != %q", again.Hostname, cfg.Hostname)
	}
}

func TestNormalizeFillsAccessCodeFromSecret(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("OFFGRID_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	cfg.SharedSecret = "lan-secret"
	cfg.AccessCode = ""
	if err := Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.AccessCode != "lan-secret" {
		t.Fatalf("access code = %q, want shared secret fallback", loaded.AccessCode)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     NodeConfig
		wantErr error
	}{
		{
			name:    "missing secret",
			cfg:     NodeConfig{ListeningPort: 8765, DiscoveryPort: 8766},
			wantErr: ErrMissingSharedSecret,
		},
		{
			name: "valid",
			cfg:  NodeConfig{SharedSecret: "s", ListeningPort: 8765, DiscoveryPort: 8766},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("got err %v, want %v", err, tc.wantErr)
			}
		})
	}

	bad := NodeConfig{SharedSecret: "s", ListeningPort: 0, DiscoveryPort: 8766}
	if err := bad.Validate(); err == nil {
		t.Fatal("zero listening port accepted")
	}
}
