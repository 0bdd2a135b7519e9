package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort                 int    // 0 picks an ephemeral port
	SSHPort                 int    // 0 disables the SSH transport
	SSHHostKeyPath          string // generated on first use
	HTTPPort                int    // 0 disables health, metrics, /ws and admin
	DatabasePath            string // empty disables the session audit log
	MaxFrameSize            uint32
	MaxUsernameLength       int
	MaxClients              int // 0 = unlimited
	WriteTimeoutMs          int
	HandshakeTimeoutSeconds int
	MessageRateLimit        int // frames per second, 0 disables
	MessageBurst            int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                 6060,
		SSHPort:                 0,
		SSHHostKeyPath:          "~/.roomchat/ssh_host_key",
		HTTPPort:                6061,
		DatabasePath:            "",
		MaxFrameSize:            1048576,
		MaxUsernameLength:       32,
		MaxClients:              0,
		WriteTimeoutMs:          5000,
		HandshakeTimeoutSeconds: 30,
		MessageRateLimit:        20,
		MessageBurst:            40,
	}
}

// WriteTimeout is the per-recipient send bound
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// HandshakeTimeout is how long a connection may stay in AWAITING_HELLO
func (c ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxFrameSize            int `toml:"max_frame_size"`
	MaxUsernameLength       int `toml:"max_username_length"`
	MaxClients              int `toml:"max_clients"`
	WriteTimeoutMs          int `toml:"write_timeout_ms"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	MessageRateLimit        int `toml:"message_rate_limit"`
	MessageBurst            int `toml:"message_burst"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      d.TCPPort,
			SSHPort:      d.SSHPort,
			SSHHostKey:   d.SSHHostKeyPath,
			HTTPPort:     d.HTTPPort,
			DatabasePath: d.DatabasePath,
		},
		Limits: LimitsSection{
			MaxFrameSize:            int(d.MaxFrameSize),
			MaxUsernameLength:       d.MaxUsernameLength,
			MaxClients:              d.MaxClients,
			WriteTimeoutMs:          d.WriteTimeoutMs,
			HandshakeTimeoutSeconds: d.HandshakeTimeoutSeconds,
			MessageRateLimit:        d.MessageRateLimit,
			MessageBurst:            d.MessageBurst,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# RoomChat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# Ports set to 0 disable SSH and HTTP; an empty database_path disables the session log

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero ports are kept
// as zero because they mean "disabled" (or "ephemeral" for TCP); zero
// limits fall back to defaults except max_clients and message_rate_limit,
// where zero means unlimited.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	cfg.DatabasePath = strings.TrimSpace(c.Server.DatabasePath)

	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = uint32(c.Limits.MaxFrameSize)
	}
	if c.Limits.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.MaxClients >= 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	if c.Limits.WriteTimeoutMs > 0 {
		cfg.WriteTimeoutMs = c.Limits.WriteTimeoutMs
	}
	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeoutSeconds = c.Limits.HandshakeTimeoutSeconds
	}
	if c.Limits.MessageRateLimit >= 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(strings.TrimSpace(c.Server.DatabasePath))
}

// GetSSHHostKeyPath returns the SSH host key path with ~ expanded
func (c *TOMLConfig) GetSSHHostKeyPath() (string, error) {
	return expandHome(c.ToServerConfig().SSHHostKeyPath)
}
