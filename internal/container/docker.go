// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DockerEngine drives sandbox containers through the Docker CLI.
type DockerEngine struct {
	cliEngine
}

// NewDockerEngine creates a Docker engine. Availability is probed lazily.
func NewDockerEngine() *DockerEngine {
	path, _ := exec.LookPath("docker")
	return &DockerEngine{cliEngine{name: string(EngineTypeDocker), binaryPath: path}}
}

// Available checks that the docker binary exists and the daemon answers.
func (e *DockerEngine) Available() bool {
	if e.binaryPath == "" {
		return false
	}
	cmd := e.command(context.Background(), "version", "--format", "{{.Server.Version}}")
	return cmd.Run() == nil
}

// Version returns the Docker server version.
func (e *DockerEngine) Version(ctx context.Context) (string, error) {
	out, err := e.output(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get docker version: %w", err)
	}
	return strings.TrimSpace(out), nil
}
