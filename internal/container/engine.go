// SPDX-License-Identifier: MPL-2.0

// Package container abstracts the container engines (Docker/Podman) used to
// provision sandboxes. Sandbox containers run detached with the action
// execution server as PID 1 and a published control port.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	// EngineTypeDocker selects the Docker CLI engine.
	EngineTypeDocker EngineType = "docker"
	// EngineTypePodman selects the Podman CLI engine.
	EngineTypePodman EngineType = "podman"
	// EngineTypeAuto picks whichever engine is available, Docker first.
	EngineTypeAuto EngineType = "auto"
)

// ErrNoEngineAvailable is returned when neither Docker nor Podman responds.
var ErrNoEngineAvailable = errors.New("no container engine available")

type (
	// EngineType identifies a container engine.
	EngineType string

	// Engine is the operation surface sandbox provisioning needs. Both
	// implementations shell out to the engine CLI; no daemon API client is
	// required for this small surface.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine binary exists and its daemon
		// (or socket) answers.
		Available() bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)
		// RunDetached starts a long-lived container and returns its ID.
		RunDetached(ctx context.Context, opts SandboxOptions) (string, error)
		// Exec runs a command inside a running container.
		Exec(ctx context.Context, containerID string, command []string) (string, int, error)
		// Logs streams the container's combined output into w.
		Logs(ctx context.Context, containerID string, w io.Writer) error
		// Remove force-removes a container.
		Remove(ctx context.Context, containerID string) error
		// ImageExists reports whether the image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)
		// Pull fetches an image from its registry.
		Pull(ctx context.Context, image string) error
	}

	// SandboxOptions describes one detached sandbox container.
	SandboxOptions struct {
		// Image is the sandbox image reference.
		Image string
		// Name is the container name (empty lets the engine pick one).
		Name string
		// Command overrides the image entrypoint arguments.
		Command []string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// Env contains environment variables.
		Env map[string]string
		// HostPort/ContainerPort publish the execution server's control port.
		HostPort      int
		ContainerPort int
		// Volumes are bind mounts in "host:container[:mode]" form.
		Volumes []string
		// Labels tag the container for discovery and cleanup.
		Labels map[string]string
	}

	// EngineUnavailableError reports an engine that exists in principle but
	// cannot be used right now.
	EngineUnavailableError struct {
		Engine EngineType
		Reason string
	}
)

// Error implements the error interface.
func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("container engine %q is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrNoEngineAvailable so callers can use errors.Is.
func (e *EngineUnavailableError) Unwrap() error { return ErrNoEngineAvailable }

// String returns the string representation of the EngineType.
func (t EngineType) String() string { return string(t) }

// Validate returns nil if the EngineType is one of the defined engines.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeDocker, EngineTypePodman, EngineTypeAuto:
		return nil
	default:
		return fmt.Errorf("unknown container engine %q (valid: docker, podman, auto)", t)
	}
}

// NewEngine selects a container engine. With EngineTypeAuto, Docker is
// preferred and Podman is the fallback; an explicit preference never falls
// back, so a misconfigured environment fails loudly instead of silently
// using the other engine.
func NewEngine(preferred EngineType) (Engine, error) {
	switch preferred {
	case EngineTypeDocker:
		e := NewDockerEngine()
		if !e.Available() {
			return nil, &EngineUnavailableError{Engine: EngineTypeDocker, Reason: "binary missing or daemon not responding"}
		}
		return e, nil
	case EngineTypePodman:
		e := NewPodmanEngine()
		if !e.Available() {
			return nil, &EngineUnavailableError{Engine: EngineTypePodman, Reason: "binary missing or socket not responding"}
		}
		return e, nil
	case EngineTypeAuto, "":
		if docker := NewDockerEngine(); docker.Available() {
			return docker, nil
		}
		if podman := NewPodmanEngine(); podman.Available() {
			return podman, nil
		}
		return nil, fmt.Errorf("%w: tried docker and podman", ErrNoEngineAvailable)
	default:
		return nil, fmt.Errorf("unknown container engine %q", preferred)
	}
}
