// SPDX-License-Identifier: MPL-2.0

// Package config loads the agentbox configuration from a TOML file, the
// environment, and built-in defaults, in ascending precedence order:
// defaults, then the config file, then AGENTBOX_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name, used for config paths and env prefix.
	AppName = "agentbox"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "toml"
)

// configDirOverride lets tests redirect config resolution.
var configDirOverride string

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:         BackendLocal,
		ContainerEngine: EngineAuto,
		Sandbox: SandboxConfig{
			Image:                 "ghcr.io/agentbox/sandbox:latest",
			WorkDir:               "/workspace",
			AliveDeadlineSeconds:  120,
			DefaultTimeoutSeconds: 120,
			Namespace:             "default",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 0,
		},
		Pool: PoolConfig{
			Enabled:                    false,
			InitialWarm:                1,
			TargetWarm:                 2,
			MaintenanceIntervalSeconds: 10,
		},
	}
}

// ConfigDir returns the agentbox configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(configDir, AppName), nil
}

// LoadOptions controls configuration loading.
type LoadOptions struct {
	// ConfigFilePath, when set, is used exclusively and must exist.
	ConfigFilePath string
	// ConfigDirPath overrides the platform config directory.
	ConfigDirPath string
}

// Load reads the configuration. A missing config file is not an error: the
// defaults (plus environment overrides) apply.
// The resolved config file path is returned for diagnostics ("" when none).
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("backend", string(defaults.Backend))
	v.SetDefault("container_engine", string(defaults.ContainerEngine))
	v.SetDefault("sandbox.image", defaults.Sandbox.Image)
	v.SetDefault("sandbox.workdir", defaults.Sandbox.WorkDir)
	v.SetDefault("sandbox.alive_deadline_seconds", defaults.Sandbox.AliveDeadlineSeconds)
	v.SetDefault("sandbox.default_timeout_seconds", defaults.Sandbox.DefaultTimeoutSeconds)
	v.SetDefault("sandbox.remote_url", defaults.Sandbox.RemoteURL)
	v.SetDefault("sandbox.namespace", defaults.Sandbox.Namespace)
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", int(defaults.Server.Port))
	v.SetDefault("server.restrict_file_ops", defaults.Server.RestrictFileOps)
	v.SetDefault("pool.enabled", defaults.Pool.Enabled)
	v.SetDefault("pool.initial_warm", defaults.Pool.InitialWarm)
	v.SetDefault("pool.target_warm", defaults.Pool.TargetWarm)
	v.SetDefault("pool.maintenance_interval_seconds", defaults.Pool.MaintenanceIntervalSeconds)

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""
	switch {
	case opts.ConfigFilePath != "":
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		v.SetConfigFile(opts.ConfigFilePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config file %s: %w", opts.ConfigFilePath, err)
		}
		resolvedPath = opts.ConfigFilePath
	default:
		cfgDir := opts.ConfigDirPath
		if cfgDir == "" {
			var err error
			cfgDir, err = ConfigDir()
			if err != nil {
				return nil, "", err
			}
		}
		tomlPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		if fileExists(tomlPath) {
			v.SetConfigFile(tomlPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, "", fmt.Errorf("failed to read config file %s: %w", tomlPath, err)
			}
			resolvedPath = tomlPath
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, resolvedPath, nil
}

// WriteDefault writes the default configuration as TOML to path, creating
// parent directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if fileExists(path) {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal renders a configuration as TOML, for `agentbox config show`.
func Marshal(cfg *Config) (string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(data), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
