package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	tc := DefaultTOMLConfig()
	cfg := tc.ToServerConfig()
	defaults := DefaultConfig()

	if cfg != defaults {
		t.Fatalf("expected round trip through TOML defaults to be lossless, got %+v", cfg)
	}

	if defaults.SSHPort != 0 {
		t.Fatalf("expected SSH to be disabled by default, got port %d", defaults.SSHPort)
	}

	if defaults.MaxFrameSize != 1048576 {
		t.Fatalf("expected default max frame size 1048576, got %d", defaults.MaxFrameSize)
	}
}

func TestToServerConfigMapsSSHSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = 2222
	cfg.Server.SSHHostKey = "/tmp/host_key"

	serverCfg := cfg.ToServerConfig()

	if serverCfg.SSHPort != 2222 {
		t.Fatalf("expected SSHPort 2222, got %d", serverCfg.SSHPort)
	}

	if serverCfg.SSHHostKeyPath != "/tmp/host_key" {
		t.Fatalf("expected SSHHostKeyPath /tmp/host_key, got %s", serverCfg.SSHHostKeyPath)
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	if serverCfg.SSHHostKeyPath != defaults.SSHHostKeyPath {
		t.Fatalf("expected fallback SSHHostKeyPath %s, got %s", defaults.SSHHostKeyPath, serverCfg.SSHHostKeyPath)
	}

	if serverCfg.MaxFrameSize != defaults.MaxFrameSize {
		t.Fatalf("expected fallback MaxFrameSize %d, got %d", defaults.MaxFrameSize, serverCfg.MaxFrameSize)
	}

	if serverCfg.MaxUsernameLength != defaults.MaxUsernameLength {
		t.Fatalf("expected fallback MaxUsernameLength %d, got %d", defaults.MaxUsernameLength, serverCfg.MaxUsernameLength)
	}

	if serverCfg.WriteTimeout() != 5*time.Second {
		t.Fatalf("expected fallback write timeout 5s, got %v", serverCfg.WriteTimeout())
	}

	if serverCfg.HandshakeTimeout() != 30*time.Second {
		t.Fatalf("expected fallback handshake timeout 30s, got %v", serverCfg.HandshakeTimeout())
	}

	// Zero means "off" for these, not "use default"
	if serverCfg.TCPPort != 0 || serverCfg.HTTPPort != 0 || serverCfg.MaxClients != 0 || serverCfg.MessageRateLimit != 0 {
		t.Fatalf("expected zero ports and limits to stay zero, got %+v", serverCfg)
	}
}

func TestLoadConfigWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg != DefaultTOMLConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}

	// Reading it back yields the same values
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig on written file failed: %v", err)
	}
	if again != cfg {
		t.Fatalf("expected %+v, got %+v", cfg, again)
	}
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000

[limits]
max_clients = 50
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	serverCfg := cfg.ToServerConfig()
	if serverCfg.TCPPort != 7000 {
		t.Fatalf("expected TCPPort 7000, got %d", serverCfg.TCPPort)
	}
	if serverCfg.MaxClients != 50 {
		t.Fatalf("expected MaxClients 50, got %d", serverCfg.MaxClients)
	}
	if serverCfg.HTTPPort != 6061 {
		t.Fatalf("expected default HTTPPort 6061, got %d", serverCfg.HTTPPort)
	}
	if serverCfg.MessageRateLimit != 20 {
		t.Fatalf("expected default MessageRateLimit 20, got %d", serverCfg.MessageRateLimit)
	}
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server\ntcp_port = "), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg := DefaultTOMLConfig()
	cfg.Server.DatabasePath = "~/.roomchat/sessions.db"

	path, err := cfg.GetDatabasePath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(home, ".roomchat", "sessions.db") {
		t.Fatalf("unexpected path %s", path)
	}
}
