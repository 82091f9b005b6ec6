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

	"agentbox/internal/orchestrator"
	"agentbox/pkg/types"

	"github.com/charmbracelet/log"
)

// BackendOrchestrated runs the execution server inside a cluster-scheduled
// pod, reached through a local port-forward tunnel.
const BackendOrchestrated Backend = "orchestrated"

const podLabel = "agentbox.sandbox"

type (
	// OrchestratedOptions configures the orchestrated backend.
	OrchestratedOptions struct {
		// Image is the sandbox image. It must carry the agentbox binary.
		Image string
		// WorkDir is the working directory inside the pod.
		WorkDir string
		// Namespace is passed through to the pod manifest; blank means the
		// orchestrator's default.
		Namespace string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
		// AliveDeadline bounds how long Connect waits for the pod to boot.
		AliveDeadline time.Duration
		// Env is injected into the pod's container environment.
		Env map[string]string
	}

	// OrchestratedRuntime provisions one sandbox pod per instance.
	OrchestratedRuntime struct {
		httpBase
		opts        OrchestratedOptions
		orch        orchestrator.Orchestrator
		podName     string
		stopForward func()
	}
)

// NewOrchestratedRuntime creates an orchestrated runtime bound to the given
// pod scheduler.
func NewOrchestratedRuntime(orch orchestrator.Orchestrator, opts OrchestratedOptions, logger *log.Logger) (*OrchestratedRuntime, error) {
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
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
	return &OrchestratedRuntime{
		httpBase: newHTTPBase(BackendOrchestrated, opts.WorkDir, opts.DefaultTimeout, opts.AliveDeadline, logger),
		opts:     opts,
		orch:     orch,
	}, nil
}

// PodName returns the provisioned pod's name (empty before Connect).
func (r *OrchestratedRuntime) PodName() string { return r.podName }

// Connect schedules a sandbox pod, waits for its readiness probe, opens a
// local port-forward tunnel to the control port, and waits for the server
// behind it.
func (r *OrchestratedRuntime) Connect(ctx context.Context) error {
	if r.closed {
		return ErrRuntimeClosed
	}

	name := "agentbox-" + r.SessionID()[:8]
	err := r.orch.CreatePod(ctx, orchestrator.PodSpec{
		Name:      name,
		Namespace: r.opts.Namespace,
		Image:     r.opts.Image,
		WorkDir:   r.opts.WorkDir,
		Command: []string{
			"agentbox", "serve",
			"--host", "0.0.0.0",
			"--port", strconv.Itoa(containerControlPort),
			"--workdir", r.opts.WorkDir,
		},
		Env:           r.opts.Env,
		Labels:        map[string]string{podLabel: "true", "session": r.SessionID()},
		ContainerPort: containerControlPort,
	})
	if err != nil {
		return err
	}
	r.podName = name
	r.logger.Debug("sandbox pod created",
		"orchestrator", r.orch.Name(), "pod", name)

	if err := r.orch.WaitPodReady(ctx, name, r.aliveDeadline); err != nil {
		r.capturePodLogs()
		r.deletePod(context.WithoutCancel(ctx))
		return err
	}

	hostPort, err := types.FindFreePort()
	if err != nil {
		r.deletePod(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to pick a host port for the tunnel: %w", err)
	}

	stop, err := r.orch.PortForward(ctx, name, int(hostPort), containerControlPort)
	if err != nil {
		r.deletePod(context.WithoutCancel(ctx))
		return err
	}
	r.stopForward = stop

	if err := r.attach(ctx, "http://127.0.0.1:"+hostPort.String()); err != nil {
		r.capturePodLogs()
		r.stopTunnel()
		r.deletePod(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Close tears down the tunnel and deletes the sandbox pod. It is idempotent.
func (r *OrchestratedRuntime) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.markClosed()
	r.stopTunnel()
	return r.deletePodErr(context.WithoutCancel(ctx))
}

func (r *OrchestratedRuntime) stopTunnel() {
	if r.stopForward != nil {
		r.stopForward()
		r.stopForward = nil
	}
}

// capturePodLogs surfaces the pod's output when it never became alive;
// without this the failure is just a readiness timeout.
func (r *OrchestratedRuntime) capturePodLogs() {
	if r.podName == "" {
		return
	}
	var logs strings.Builder
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.orch.Logs(logCtx, r.podName, &logs); err == nil && logs.Len() > 0 {
		r.logger.Error("sandbox pod never became alive",
			"pod", r.podName, "logs", strings.TrimSpace(logs.String()))
	}
}

func (r *OrchestratedRuntime) deletePod(ctx context.Context) {
	if err := r.deletePodErr(ctx); err != nil {
		r.logger.Warn("failed to delete sandbox pod", "pod", r.podName, "error", err)
	}
}

func (r *OrchestratedRuntime) deletePodErr(ctx context.Context) error {
	if r.podName == "" {
		return nil
	}
	delCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.orch.DeletePod(delCtx, r.podName); err != nil {
		return err
	}
	r.podName = ""
	return nil
}

var _ Runtime = (*OrchestratedRuntime)(nil)
