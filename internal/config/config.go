// Package config loads and saves the bridge server's configuration.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults for the Unity bridge endpoint, overridable at build time with
// -ldflags "-X .../config.DefaultBridgeHost=..." the way the wider
// toolchain already overrides backend URLs for this codebase.
var (
	DefaultBridgeHost = "localhost"
	DefaultBridgePort = 58000
)

// Config holds everything the server reads at startup. Every field also
// has an environment-variable override applied by Load via viper.
type Config struct {
	BridgeHost         string `yaml:"bridge_host" mapstructure:"bridge_host"`
	BridgePort         int    `yaml:"bridge_port" mapstructure:"bridge_port"`
	ReconnectIntervalMS int   `yaml:"reconnect_interval_ms" mapstructure:"reconnect_interval_ms"`
	BridgeToken        string `yaml:"bridge_token,omitempty" mapstructure:"bridge_token"`
	BatchStateFile     string `yaml:"batch_state_file" mapstructure:"batch_state_file"`
	LogLevel           string `yaml:"log_level" mapstructure:"log_level"`
}

var (
	configPath string
	configDir  string
)

func init() {
	var home string
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			home = u.HomeDir
		}
	}
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
	}

	configDir = filepath.Join(home, ".unity-mcp-bridge")
	configPath = filepath.Join(configDir, "config.yaml")
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() string { return configPath }

// GetConfigDir returns the config directory.
func GetConfigDir() string { return configDir }

func defaultConfig() *Config {
	return &Config{
		BridgeHost:          DefaultBridgeHost,
		BridgePort:          DefaultBridgePort,
		ReconnectIntervalMS: 2000,
		BatchStateFile:      filepath.Join(configDir, ".batch_queue_state.json"),
		LogLevel:            "info",
	}
}

// Load reads the configuration from file, applying environment variable
// overrides (UNITY_MCP_BRIDGE_HOST, UNITY_MCP_BRIDGE_PORT,
// UNITY_MCP_BRIDGE_RECONNECT_MS, UNITY_MCP_BRIDGE_TOKEN). Creates a
// default file on first run.
func Load() (*Config, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("UNITY_MCP_BRIDGE")
	v.AutomaticEnv()
	v.BindEnv("bridge_host", "UNITY_MCP_BRIDGE_HOST")
	v.BindEnv("bridge_port", "UNITY_MCP_BRIDGE_PORT")
	v.BindEnv("reconnect_interval_ms", "UNITY_MCP_BRIDGE_RECONNECT_MS")
	v.BindEnv("bridge_token", "UNITY_MCP_BRIDGE_TOKEN")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		def := defaultConfig()
		if err := Save(def); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to file with secure permissions.
func Save(cfg *Config) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// BridgeURL returns the ws:// endpoint the reconnect supervisor dials.
func (c *Config) BridgeURL() string {
	return fmt.Sprintf("ws://%s:%d/bridge", c.BridgeHost, c.BridgePort)
}

// ReconnectInterval returns the configured reconnect poll interval as a
// Duration, for the supervisor's redial timing.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// Path returns the path to the config file.
func Path() string { return configPath }
