// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"agentbox/pkg/types"

	"github.com/charmbracelet/log"
)

// BackendLocal runs the execution server as a subprocess of the current
// process. There is no isolation beyond the OS user; it exists for
// development and trusted workloads.
const BackendLocal Backend = "local"

type (
	// LocalOptions configures the local backend.
	LocalOptions struct {
		// BinaryPath is the agentbox binary to exec (default: this binary).
		BinaryPath string
		// WorkDir is the sandbox working directory.
		WorkDir string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
		// AliveDeadline bounds how long Connect waits for the server to boot.
		AliveDeadline time.Duration
	}

	// LocalRuntime spawns `agentbox serve` as a subprocess and drives it
	// over loopback HTTP.
	LocalRuntime struct {
		httpBase
		opts LocalOptions
		cmd  *exec.Cmd
	}
)

// NewLocalRuntime creates a local runtime. The subprocess is spawned by
// Connect.
func NewLocalRuntime(opts LocalOptions, logger *log.Logger) (*LocalRuntime, error) {
	if opts.BinaryPath == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		opts.BinaryPath = self
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "runtime"})
	}
	return &LocalRuntime{
		httpBase: newHTTPBase(BackendLocal, opts.WorkDir, opts.DefaultTimeout, opts.AliveDeadline, logger),
		opts:     opts,
	}, nil
}

// Connect picks a free loopback port, spawns the server subprocess, and
// waits for it to answer liveness probes.
func (r *LocalRuntime) Connect(ctx context.Context) error {
	if r.closed {
		return ErrRuntimeClosed
	}
	port, err := types.FindFreePort()
	if err != nil {
		return fmt.Errorf("failed to pick a port for the local sandbox: %w", err)
	}

	cmd := exec.Command(r.opts.BinaryPath, "serve",
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(int(port)),
		"--workdir", r.opts.WorkDir)
	cmd.Stdout = os.Stderr // Server logs share our stderr stream
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn local sandbox server: %w", err)
	}
	r.cmd = cmd
	r.logger.Debug("local sandbox server spawned", "pid", cmd.Process.Pid, "port", port)

	if err := r.attach(ctx, "http://127.0.0.1:"+port.String()); err != nil {
		r.killProcess()
		return err
	}
	return nil
}

// Close terminates the server subprocess. It is idempotent.
func (r *LocalRuntime) Close(_ context.Context) error {
	if r.closed {
		return nil
	}
	r.markClosed()
	r.killProcess()
	return nil
}

func (r *LocalRuntime) killProcess() {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	_ = r.cmd.Process.Kill() // Already-dead processes are fine
	_ = r.cmd.Wait()
	r.cmd = nil
}
