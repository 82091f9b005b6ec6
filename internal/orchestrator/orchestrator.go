// SPDX-License-Identifier: MPL-2.0

// Package orchestrator provisions sandbox pods on a cluster scheduler. The
// contract mirrors the container engine abstraction: create, wait, reach,
// inspect, remove. The kubectl implementation drives a Kubernetes cluster
// through its CLI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNoOrchestratorAvailable is returned when no cluster CLI is installed.
var ErrNoOrchestratorAvailable = errors.New("no orchestrator available")

type (
	// PodSpec describes one sandbox pod.
	PodSpec struct {
		// Name is the pod name (must be unique within the namespace).
		Name string
		// Namespace overrides the orchestrator's default namespace.
		Namespace string
		// Image is the sandbox image.
		Image string
		// WorkDir is the container working directory.
		WorkDir string
		// Command overrides the image entrypoint.
		Command []string
		// Env is injected into the container environment.
		Env map[string]string
		// Labels are applied to the pod metadata.
		Labels map[string]string
		// ContainerPort is the port the execution server listens on; it also
		// backs the pod's readiness probe.
		ContainerPort int
	}

	// Orchestrator schedules sandbox pods. Implementations must tolerate
	// DeletePod on pods that no longer exist.
	Orchestrator interface {
		// Name returns the orchestrator name for logs.
		Name() string
		// CreatePod submits a sandbox pod to the cluster.
		CreatePod(ctx context.Context, spec PodSpec) error
		// WaitPodReady blocks until the pod's readiness probe passes or the
		// deadline expires.
		WaitPodReady(ctx context.Context, name string, deadline time.Duration) error
		// PortForward makes podPort reachable on 127.0.0.1:hostPort and
		// returns a stop function releasing the tunnel.
		PortForward(ctx context.Context, name string, hostPort, podPort int) (func(), error)
		// Logs streams the pod's container output into w.
		Logs(ctx context.Context, name string, w io.Writer) error
		// DeletePod removes the pod. Deleting a missing pod is not an error.
		DeletePod(ctx context.Context, name string) error
	}

	// OrchestratorUnavailableError reports why no orchestrator could be
	// initialized. It wraps ErrNoOrchestratorAvailable for errors.Is().
	OrchestratorUnavailableError struct {
		Reason string
	}
)

// Error implements the error interface.
func (e *OrchestratorUnavailableError) Error() string {
	return fmt.Sprintf("no orchestrator available: %s", e.Reason)
}

// Unwrap returns ErrNoOrchestratorAvailable so callers can use errors.Is.
func (e *OrchestratorUnavailableError) Unwrap() error { return ErrNoOrchestratorAvailable }
