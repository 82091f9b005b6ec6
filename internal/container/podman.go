// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PodmanEngine drives sandbox containers through the Podman CLI.
type PodmanEngine struct {
	cliEngine
}

// NewPodmanEngine creates a Podman engine. Availability is probed lazily.
func NewPodmanEngine() *PodmanEngine {
	path, _ := exec.LookPath("podman")
	return &PodmanEngine{cliEngine{name: string(EngineTypePodman), binaryPath: path}}
}

// Available checks that the podman binary exists and responds. Podman is
// daemonless, so a version probe is sufficient.
func (e *PodmanEngine) Available() bool {
	if e.binaryPath == "" {
		return false
	}
	cmd := e.command(context.Background(), "version", "--format", "{{.Client.Version}}")
	return cmd.Run() == nil
}

// Version returns the Podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.output(ctx, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}
