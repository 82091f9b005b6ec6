// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"agentbox/pkg/types"
)

const (
	// BackendLocal runs the sandbox as a local subprocess.
	BackendLocal Backend = "local"
	// BackendContainer runs the sandbox inside a Docker/Podman container.
	BackendContainer Backend = "container"
	// BackendRemote attaches to an already-running execution server.
	BackendRemote Backend = "remote"
	// BackendOrchestrated runs the sandbox in a cluster-scheduled pod.
	BackendOrchestrated Backend = "orchestrated"
	// BackendCLI runs the shell in-process, without an HTTP hop.
	BackendCLI Backend = "cli"
	// BackendPooled draws pre-warmed sandboxes from the runtime pool.
	BackendPooled Backend = "pooled"

	// EngineDocker selects Docker for container sandboxes.
	EngineDocker ContainerEngine = "docker"
	// EnginePodman selects Podman for container sandboxes.
	EnginePodman ContainerEngine = "podman"
	// EngineAuto picks whichever engine is available, Docker first.
	EngineAuto ContainerEngine = "auto"
)

var (
	// ErrInvalidBackend is the sentinel error wrapped by InvalidBackendError.
	ErrInvalidBackend = errors.New("invalid runtime backend")
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidConfig is returned when cross-field configuration validation fails.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// Backend selects how sandboxes are provisioned.
	Backend string

	// InvalidBackendError is returned when a Backend value is not recognized.
	// It wraps ErrInvalidBackend for errors.Is() compatibility.
	InvalidBackendError struct {
		Value Backend
	}

	// ContainerEngine specifies which container runtime provisions sandboxes.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is
	// not recognized. It wraps ErrInvalidContainerEngine for errors.Is().
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// SandboxConfig describes one sandbox instance.
	SandboxConfig struct {
		// Image is the container image for container sandboxes.
		Image string `mapstructure:"image" toml:"image"`
		// WorkDir is the working directory inside the sandbox.
		WorkDir string `mapstructure:"workdir" toml:"workdir"`
		// AliveDeadlineSeconds bounds how long to wait for a sandbox to boot.
		AliveDeadlineSeconds int `mapstructure:"alive_deadline_seconds" toml:"alive_deadline_seconds"`
		// DefaultTimeoutSeconds applies to actions without an explicit timeout.
		DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds"`
		// RemoteURL is the execution server URL for the remote backend.
		RemoteURL string `mapstructure:"remote_url" toml:"remote_url"`
		// Namespace is the cluster namespace for orchestrated sandboxes.
		Namespace string `mapstructure:"namespace" toml:"namespace"`
	}

	// ServerConfig describes the in-sandbox execution server.
	ServerConfig struct {
		// Host is the bind address.
		Host string `mapstructure:"host" toml:"host"`
		// Port is the listen port (0 = auto-select).
		Port types.ListenPort `mapstructure:"port" toml:"port"`
		// RestrictFileOps confines file actions to the workspace directory.
		RestrictFileOps bool `mapstructure:"restrict_file_ops" toml:"restrict_file_ops"`
	}

	// PoolConfig describes the warm runtime pool.
	PoolConfig struct {
		// Enabled toggles pooling; when false, pooled acquisition degrades to
		// on-demand creation.
		Enabled bool `mapstructure:"enabled" toml:"enabled"`
		// InitialWarm is how many sandboxes to create synchronously at startup.
		InitialWarm int `mapstructure:"initial_warm" toml:"initial_warm"`
		// TargetWarm is the queue depth the maintenance loop replenishes to.
		TargetWarm int `mapstructure:"target_warm" toml:"target_warm"`
		// MaintenanceIntervalSeconds is the replenishment check period.
		MaintenanceIntervalSeconds int `mapstructure:"maintenance_interval_seconds" toml:"maintenance_interval_seconds"`
	}

	// Config is the root agentbox configuration.
	Config struct {
		// Backend selects sandbox provisioning for `agentbox run`.
		Backend Backend `mapstructure:"backend" toml:"backend"`
		// ContainerEngine selects Docker or Podman for container sandboxes.
		ContainerEngine ContainerEngine `mapstructure:"container_engine" toml:"container_engine"`
		// Sandbox describes sandbox instances.
		Sandbox SandboxConfig `mapstructure:"sandbox" toml:"sandbox"`
		// Server describes the in-sandbox execution server.
		Server ServerConfig `mapstructure:"server" toml:"server"`
		// Pool describes the warm runtime pool.
		Pool PoolConfig `mapstructure:"pool" toml:"pool"`
	}
)

// Error implements the error interface.
func (e *InvalidBackendError) Error() string {
	return fmt.Sprintf("invalid runtime backend %q (valid: %s, %s, %s, %s, %s, %s)",
		e.Value, BackendLocal, BackendContainer, BackendOrchestrated, BackendRemote, BackendCLI, BackendPooled)
}

// Unwrap returns ErrInvalidBackend so callers can use errors.Is for programmatic detection.
func (e *InvalidBackendError) Unwrap() error { return ErrInvalidBackend }

// Error implements the error interface.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: %s, %s, %s)",
		e.Value, EngineDocker, EnginePodman, EngineAuto)
}

// Unwrap returns ErrInvalidContainerEngine so callers can use errors.Is for programmatic detection.
func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

// String returns the string representation of the Backend.
func (b Backend) String() string { return string(b) }

// Validate returns nil if the Backend is one of the defined backends.
func (b Backend) Validate() error {
	switch b {
	case BackendLocal, BackendContainer, BackendOrchestrated, BackendRemote, BackendCLI, BackendPooled:
		return nil
	default:
		return &InvalidBackendError{Value: b}
	}
}

// String returns the string representation of the ContainerEngine.
func (e ContainerEngine) String() string { return string(e) }

// Validate returns nil if the ContainerEngine is one of the defined engines.
func (e ContainerEngine) Validate() error {
	switch e {
	case EngineDocker, EnginePodman, EngineAuto:
		return nil
	default:
		return &InvalidContainerEngineError{Value: e}
	}
}

// AliveDeadline returns the sandbox boot deadline as a duration.
func (s SandboxConfig) AliveDeadline() time.Duration {
	return time.Duration(s.AliveDeadlineSeconds) * time.Second
}

// DefaultTimeout returns the default action timeout as a duration.
func (s SandboxConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutSeconds) * time.Second
}

// MaintenanceInterval returns the pool replenishment period as a duration.
func (p PoolConfig) MaintenanceInterval() time.Duration {
	return time.Duration(p.MaintenanceIntervalSeconds) * time.Second
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.ContainerEngine.Validate(); err != nil {
		return err
	}
	if err := c.Server.Port.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Sandbox.WorkDir) == "" {
		return fmt.Errorf("%w: sandbox.workdir must not be empty", ErrInvalidConfig)
	}
	if (c.Backend == BackendContainer || c.Backend == BackendOrchestrated) &&
		strings.TrimSpace(c.Sandbox.Image) == "" {
		return fmt.Errorf("%w: sandbox.image is required for the %s backend", ErrInvalidConfig, c.Backend)
	}
	if c.Backend == BackendRemote {
		if _, err := url.ParseRequestURI(c.Sandbox.RemoteURL); err != nil {
			return fmt.Errorf("%w: sandbox.remote_url is not a valid URL: %v", ErrInvalidConfig, err)
		}
	}
	if c.Sandbox.AliveDeadlineSeconds <= 0 {
		return fmt.Errorf("%w: sandbox.alive_deadline_seconds must be positive", ErrInvalidConfig)
	}
	if c.Sandbox.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: sandbox.default_timeout_seconds must be positive", ErrInvalidConfig)
	}
	if c.Pool.InitialWarm < 0 || c.Pool.TargetWarm < 0 {
		return fmt.Errorf("%w: pool sizes must not be negative", ErrInvalidConfig)
	}
	if c.Pool.Enabled && c.Pool.InitialWarm > c.Pool.TargetWarm {
		return fmt.Errorf("%w: pool.initial_warm (%d) must not exceed pool.target_warm (%d)",
			ErrInvalidConfig, c.Pool.InitialWarm, c.Pool.TargetWarm)
	}
	if c.Pool.Enabled && c.Pool.MaintenanceIntervalSeconds <= 0 {
		return fmt.Errorf("%w: pool.maintenance_interval_seconds must be positive when pooling is enabled", ErrInvalidConfig)
	}
	return nil
}
