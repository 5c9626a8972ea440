package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "iothing"
	configFile = "config.yaml"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid configuration")

// serviceTypePattern matches DNS-SD service types such as "_iothing._tcp"
var serviceTypePattern = regexp.MustCompile(`^_[A-Za-z0-9-]{1,15}\._(tcp|udp)$`)

// Mutex for thread-safe file operations
var fileMutex sync.Mutex

// GetConfigDir returns the OS-appropriate configuration directory for the application.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/iothing or $HOME/.config/iothing
//   - macOS: $HOME/.config/iothing
//   - Windows: %LOCALAPPDATA%\iothing
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, appName), nil
		}
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(userProfile, "AppData", "Local", appName), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil

	default:
		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, appName), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil
	}
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// resolvePath returns path, or the default config path when empty.
func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	configPath, err := GetConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to get config path: %w", err)
	}
	return configPath, nil
}

// Load reads the configuration at path (the default location when empty).
// A missing file yields Default(). Fields left out of the file keep their
// default values.
func Load(path string) (*Config, error) {
	configPath, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// parse decodes data over the defaults and validates the result.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", cfg.Version, CurrentVersion)
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]*DeviceMeta)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	d := c.Discovery
	if !serviceTypePattern.MatchString(d.ServiceType) {
		return fmt.Errorf("%w: discovery.service_type %q is not a DNS-SD service type", ErrInvalid, d.ServiceType)
	}
	if d.Domain == "" {
		return fmt.Errorf("%w: discovery.domain is empty", ErrInvalid)
	}
	if d.ScanWindow <= 0 {
		return fmt.Errorf("%w: discovery.scan_window must be positive", ErrInvalid)
	}
	if d.MissedSweeps < 1 {
		return fmt.Errorf("%w: discovery.missed_sweeps must be at least 1", ErrInvalid)
	}
	if d.ResolveTimeout <= 0 {
		return fmt.Errorf("%w: discovery.resolve_timeout must be positive", ErrInvalid)
	}
	if d.ResolveRetries < 0 {
		return fmt.Errorf("%w: discovery.resolve_retries cannot be negative", ErrInvalid)
	}

	if c.Connectivity.PollInterval <= 0 {
		return fmt.Errorf("%w: connectivity.poll_interval must be positive", ErrInvalid)
	}

	if _, _, err := net.SplitHostPort(c.Feed.Listen); err != nil {
		return fmt.Errorf("%w: feed.listen %q: %w", ErrInvalid, c.Feed.Listen, err)
	}

	if c.LogLevel != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
		}
	}
	return nil
}

// Save writes the configuration to path (the default location when empty).
// Performs an atomic write to prevent corruption on crash.
func (c *Config) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	configPath, err := resolvePath(path)
	if err != nil {
		return err
	}

	// Create directory with user-only permissions (0700)
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := marshalConfig(c)
	if err != nil {
		return err
	}

	header := []byte(`# IoThing Configuration File
# Discovery, connectivity and feed settings plus remembered devices.
# Durations are in seconds.
#
# Location: ` + configPath + `

`)
	data = append(header, data...)

	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func marshalConfig(c *Config) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Marshal returns the YAML form of the configuration without the file header.
func (c *Config) Marshal() ([]byte, error) {
	return marshalConfig(c)
}
