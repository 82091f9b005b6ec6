// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agentbox/internal/container"
	"agentbox/pkg/types"

	"github.com/charmbracelet/log"
)

// BackendContainer runs the execution server inside a Docker/Podman
// container with a published control port.
const BackendContainer Backend = "container"

const (
	// containerControlPort is the fixed port the execution server listens on
	// inside sandbox containers; each container publishes it to a distinct
	// host port.
	containerControlPort = 8000

	containerLabel = "agentbox.sandbox"

	pullAttempts    = 3
	pullBaseBackoff = 2 * time.Second
)

type (
	// ContainerOptions configures the container backend.
	ContainerOptions struct {
		// Image is the sandbox image. It must carry the agentbox binary as
		// its entrypoint (or accept the serve command below).
		Image string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
		// AliveDeadline bounds how long Connect waits for the sandbox to boot.
		AliveDeadline time.Duration
		// Env is injected into the container environment at creation.
		Env map[string]string
	}

	// ContainerRuntime provisions one sandbox container per instance.
	ContainerRuntime struct {
		httpBase
		opts        ContainerOptions
		engine      container.Engine
		containerID string
	}
)

// NewContainerRuntime creates a container runtime bound to the given engine.
func NewContainerRuntime(engine container.Engine, opts ContainerOptions, logger *log.Logger) (*ContainerRuntime, error) {
	if engine == nil {
		return nil, errors.New("container engine must not be nil")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return nil, errors.New("sandbox image must not be empty")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/workspace"
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "runtime"})
	}
	return &ContainerRuntime{
		httpBase: newHTTPBase(BackendContainer, opts.WorkDir, opts.DefaultTimeout, opts.AliveDeadline, logger),
		opts:     opts,
		engine:   engine,
	}, nil
}

// ContainerID returns the provisioned container's ID (empty before Connect).
func (r *ContainerRuntime) ContainerID() string { return r.containerID }

// Connect pulls the image if needed, starts a detached sandbox container
// with the control port published, and waits for the server inside it.
func (r *ContainerRuntime) Connect(ctx context.Context) error {
	if r.closed {
		return ErrRuntimeClosed
	}

	exists, err := r.engine.ImageExists(ctx, r.opts.Image)
	if err != nil {
		return err
	}
	if !exists {
		r.logger.Info("pulling sandbox image", "image", r.opts.Image)
		pullErr := container.RetryWithBackoff(ctx, pullAttempts, pullBaseBackoff,
			func(attempt int) (bool, error) {
				if err := r.engine.Pull(ctx, r.opts.Image); err != nil {
					r.logger.Warn("image pull failed", "attempt", attempt+1, "error", err)
					return true, err
				}
				return false, nil
			})
		if pullErr != nil {
			return fmt.Errorf("failed to pull sandbox image %s: %w", r.opts.Image, pullErr)
		}
	}

	hostPort, err := types.FindFreePort()
	if err != nil {
		return fmt.Errorf("failed to pick a host port for the sandbox: %w", err)
	}

	id, err := r.engine.RunDetached(ctx, container.SandboxOptions{
		Image:   r.opts.Image,
		Name:    "agentbox-" + r.SessionID()[:8],
		WorkDir: r.opts.WorkDir,
		Env:     r.opts.Env,
		Command: []string{
			"agentbox", "serve",
			"--host", "0.0.0.0",
			"--port", strconv.Itoa(containerControlPort),
			"--workdir", r.opts.WorkDir,
		},
		HostPort:      int(hostPort),
		ContainerPort: containerControlPort,
		Labels:        map[string]string{containerLabel: "true"},
	})
	if err != nil {
		return err
	}
	r.containerID = id
	r.logger.Debug("sandbox container started",
		"engine", r.engine.Name(), "container", shortID(id), "host_port", hostPort)

	if err := r.attach(ctx, "http://127.0.0.1:"+hostPort.String()); err != nil {
		r.captureBootLogs()
		r.removeContainer(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Close removes the sandbox container. It is idempotent.
func (r *ContainerRuntime) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.markClosed()
	return r.removeContainerErr(context.WithoutCancel(ctx))
}

// captureBootLogs surfaces the container's output when it never became
// alive; without this the failure is just a liveness timeout.
func (r *ContainerRuntime) captureBootLogs() {
	if r.containerID == "" {
		return
	}
	var logs strings.Builder
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.engine.Logs(logCtx, r.containerID, &logs); err == nil && logs.Len() > 0 {
		r.logger.Error("sandbox container never became alive",
			"container", shortID(r.containerID), "logs", strings.TrimSpace(logs.String()))
	}
}

func (r *ContainerRuntime) removeContainer(ctx context.Context) {
	if err := r.removeContainerErr(ctx); err != nil {
		r.logger.Warn("failed to remove sandbox container",
			"container", shortID(r.containerID), "error", err)
	}
}

func (r *ContainerRuntime) removeContainerErr(ctx context.Context) error {
	if r.containerID == "" {
		return nil
	}
	rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.engine.Remove(rmCtx, r.containerID); err != nil {
		return err
	}
	r.containerID = ""
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Interface conformance for the HTTP-backed runtimes.
var (
	_ Runtime = (*LocalRuntime)(nil)
	_ Runtime = (*ContainerRuntime)(nil)
)
