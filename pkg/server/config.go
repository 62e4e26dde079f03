package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/minichat/pkg/store"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Accounts AccountsSection `toml:"accounts"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	WSPort      int    `toml:"ws_port"`
	SSHPort     int    `toml:"ssh_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	MaxFrameSize   int `toml:"max_frame_size"`
	ReadBufferSize int `toml:"read_buffer_size"`
	WriteChunkSize int `toml:"write_chunk_size"`
}

type AccountsSection struct {
	DuplicatePolicy string `toml:"duplicate_policy"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     50051,
			WSPort:      50052,
			SSHPort:     50053,
			MetricsPort: 9090,
			SSHHostKey:  "~/.minichat/ssh_host_key",
		},
		Limits: LimitsSection{
			MaxFrameSize:   1024 * 1024,
			ReadBufferSize: 4096,
			WriteChunkSize: 4096,
		},
		Accounts: AccountsSection{
			DuplicatePolicy: string(store.DuplicateReissue),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	var config TOMLConfig

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, run on defaults and write a documented copy.
		// A write failure (permissions, read-only fs) is not fatal.
		config = DefaultTOMLConfig()
		_ = writeDefaultConfig(path)
	} else {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config = applyEnvOverrides(config)

	// An unknown policy string is a configuration error, not something to
	// silently fall back from
	if config.Accounts.DuplicatePolicy != "" {
		if _, err := store.ParseDuplicatePolicy(config.Accounts.DuplicatePolicy); err != nil {
			return TOMLConfig{}, fmt.Errorf("invalid [accounts].duplicate_policy: %w", err)
		}
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: MINICHAT_SECTION_KEY
// Example: MINICHAT_SERVER_TCP_PORT=50051
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("MINICHAT_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("MINICHAT_SERVER_WS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.WSPort = port
		}
	}
	if val := os.Getenv("MINICHAT_SERVER_SSH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.SSHPort = port
		}
	}
	if val := os.Getenv("MINICHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("MINICHAT_SERVER_SSH_HOST_KEY"); val != "" {
		config.Server.SSHHostKey = val
	}

	// Limits section
	if val := os.Getenv("MINICHAT_LIMITS_MAX_FRAME_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxFrameSize = limit
		}
	}
	if val := os.Getenv("MINICHAT_LIMITS_READ_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadBufferSize = size
		}
	}
	if val := os.Getenv("MINICHAT_LIMITS_WRITE_CHUNK_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteChunkSize = size
		}
	}

	// Accounts section
	if val := os.Getenv("MINICHAT_ACCOUNTS_DUPLICATE_POLICY"); val != "" {
		config.Accounts.DuplicatePolicy = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Build config file manually so every option carries its documentation
	content := `# MiniChat Server Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change server behavior
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# MINICHAT_SECTION_KEY (e.g., MINICHAT_SERVER_TCP_PORT=50051)

[server]
# Port for raw TCP connections
tcp_port = 50051

# Port for the WebSocket endpoint (/ws)
# Set to 0 to disable
ws_port = 50052

# Port for SSH connections
# Set to 0 to disable
ssh_port = 50053

# Port for the internal metrics server (/metrics, /health)
# Never expose this publicly. Set to 0 to disable
metrics_port = 9090

# Path to SSH host key file (generated on first start if missing)
ssh_host_key = "~/.minichat/ssh_host_key"

[limits]
# Maximum frame length in bytes; a connection announcing a larger frame
# is closed immediately
max_frame_size = 1048576

# Bytes read from a connection per read call
# Uncomment to change from default (4096):
# read_buffer_size = 4096

# Bytes flushed to a connection per write call
# Uncomment to change from default (4096):
# write_chunk_size = 4096

[accounts]
# What CREATE_ACCOUNT does when the username already exists:
#   "reissue" - issue a fresh session token, keep the stored password hash
#   "reject"  - respond with an all-zero token, change nothing
#   "update"  - overwrite the stored password hash, issue a fresh token
duplicate_policy = "reissue"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	cfg.WSPort = c.Server.WSPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = uint32(c.Limits.MaxFrameSize)
	}

	if c.Limits.ReadBufferSize > 0 {
		cfg.ReadBufferSize = c.Limits.ReadBufferSize
	}

	if c.Limits.WriteChunkSize > 0 {
		cfg.WriteChunkSize = c.Limits.WriteChunkSize
	}

	if strings.TrimSpace(c.Accounts.DuplicatePolicy) != "" {
		if policy, err := store.ParseDuplicatePolicy(c.Accounts.DuplicatePolicy); err == nil {
			cfg.DuplicatePolicy = policy
		}
	}

	return cfg
}
