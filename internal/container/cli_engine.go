// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// cliEngine implements the Engine operations shared by Docker and Podman,
// whose CLI surfaces are compatible for everything sandbox provisioning
// needs. The concrete engines contribute only their binary and probe logic.
type cliEngine struct {
	name       string
	binaryPath string
}

func (e *cliEngine) Name() string { return e.name }

// command builds an *exec.Cmd for the engine binary.
func (e *cliEngine) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, e.binaryPath, args...)
}

// output runs an engine command and returns its stdout, with stderr folded
// into the error on failure.
func (e *cliEngine) output(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := e.command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", e.name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunDetached starts a long-lived sandbox container and returns its ID.
func (e *cliEngine) RunDetached(ctx context.Context, opts SandboxOptions) (string, error) {
	args := []string{"run", "--detach"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	if opts.HostPort > 0 && opts.ContainerPort > 0 {
		args = append(args, "--publish",
			strconv.Itoa(opts.HostPort)+":"+strconv.Itoa(opts.ContainerPort))
	}
	// Deterministic flag order keeps provisioning logs diffable.
	for _, key := range sortedKeys(opts.Env) {
		args = append(args, "--env", key+"="+opts.Env[key])
	}
	for _, key := range sortedKeys(opts.Labels) {
		args = append(args, "--label", key+"="+opts.Labels[key])
	}
	for _, vol := range opts.Volumes {
		args = append(args, "--volume", vol)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	out, err := e.output(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}
	// The engine prints the full container ID as the last line.
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return "", fmt.Errorf("%s run produced no container ID", e.name)
	}
	return lines[len(lines)-1], nil
}

// Exec runs a command inside a running container and returns its combined
// output and exit code.
func (e *cliEngine) Exec(ctx context.Context, containerID string, command []string) (string, int, error) {
	args := append([]string{"exec", containerID}, command...)

	var combined bytes.Buffer
	cmd := e.command(ctx, args...)
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return combined.String(), exitErr.ExitCode(), nil
		}
		return combined.String(), -1, fmt.Errorf("%s exec failed: %w", e.name, err)
	}
	return combined.String(), 0, nil
}

// Logs streams the container's combined output into w.
func (e *cliEngine) Logs(ctx context.Context, containerID string, w io.Writer) error {
	cmd := e.command(ctx, "logs", containerID)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to fetch logs for %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container. Removing an already-gone container is
// not an error.
func (e *cliEngine) Remove(ctx context.Context, containerID string) error {
	if _, err := e.output(ctx, "rm", "--force", containerID); err != nil {
		if strings.Contains(err.Error(), "No such container") ||
			strings.Contains(err.Error(), "no such container") {
			return nil
		}
		return err
	}
	return nil
}

// ImageExists reports whether the image is present locally.
func (e *cliEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := e.command(ctx, "image", "inspect", image)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil, nil
}

// Pull fetches an image from its registry.
func (e *cliEngine) Pull(ctx context.Context, image string) error {
	if _, err := e.output(ctx, "pull", image); err != nil {
		return fmt.Errorf("failed to pull %s: %w", image, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
