// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultNamespace is used when the configuration leaves the namespace blank.
const DefaultNamespace = "default"

// sandboxContainerName is the single container inside every sandbox pod.
const sandboxContainerName = "sandbox"

// KubectlOrchestrator schedules sandbox pods through the kubectl CLI. It
// keeps no client-go machinery: the manifest is plain JSON piped to
// `kubectl apply`, and readiness is delegated to `kubectl wait`.
type KubectlOrchestrator struct {
	binaryPath string
	namespace  string
}

// NewKubectl locates the kubectl binary and returns an orchestrator scoped to
// the given namespace (DefaultNamespace when blank).
func NewKubectl(namespace string) (*KubectlOrchestrator, error) {
	path, err := exec.LookPath("kubectl")
	if err != nil {
		return nil, &OrchestratorUnavailableError{Reason: "kubectl not found in PATH"}
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	return &KubectlOrchestrator{binaryPath: path, namespace: namespace}, nil
}

// Name returns the orchestrator name.
func (o *KubectlOrchestrator) Name() string { return "kubectl" }

// Namespace returns the namespace pods are scheduled into.
func (o *KubectlOrchestrator) Namespace() string { return o.namespace }

// command builds an *exec.Cmd for kubectl, always namespace-scoped.
func (o *KubectlOrchestrator) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"--namespace", o.namespace}, args...)
	return exec.CommandContext(ctx, o.binaryPath, full...)
}

// output runs a kubectl command and returns its stdout, with stderr folded
// into the error on failure.
func (o *KubectlOrchestrator) output(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := o.command(ctx, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("kubectl %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CreatePod submits the sandbox pod manifest via `kubectl apply -f -`.
func (o *KubectlOrchestrator) CreatePod(ctx context.Context, spec PodSpec) error {
	manifest, err := json.Marshal(podManifest(spec, o.namespace))
	if err != nil {
		return fmt.Errorf("failed to encode pod manifest: %w", err)
	}
	if _, err := o.output(ctx, bytes.NewReader(manifest), "apply", "-f", "-"); err != nil {
		return fmt.Errorf("failed to create sandbox pod %s: %w", spec.Name, err)
	}
	return nil
}

// WaitPodReady blocks until the pod's Ready condition holds or the deadline
// expires.
func (o *KubectlOrchestrator) WaitPodReady(ctx context.Context, name string, deadline time.Duration) error {
	_, err := o.output(ctx, nil, "wait",
		"--for=condition=Ready",
		"pod/"+name,
		"--timeout="+deadline.String())
	if err != nil {
		return fmt.Errorf("sandbox pod %s never became ready: %w", name, err)
	}
	return nil
}

// PortForward starts a background `kubectl port-forward` tunnel and returns
// a function that tears it down.
func (o *KubectlOrchestrator) PortForward(ctx context.Context, name string, hostPort, podPort int) (func(), error) {
	cmd := o.command(ctx, "port-forward",
		"pod/"+name,
		strconv.Itoa(hostPort)+":"+strconv.Itoa(podPort))
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start port-forward for %s: %w", name, err)
	}
	stop := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return stop, nil
}

// Logs streams the pod's container output into w.
func (o *KubectlOrchestrator) Logs(ctx context.Context, name string, w io.Writer) error {
	cmd := o.command(ctx, "logs", "pod/"+name)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to fetch logs for %s: %w", name, err)
	}
	return nil
}

// DeletePod removes the pod without blocking on graceful termination.
// Deleting a missing pod is not an error.
func (o *KubectlOrchestrator) DeletePod(ctx context.Context, name string) error {
	_, err := o.output(ctx, nil, "delete", "pod", name,
		"--ignore-not-found", "--wait=false")
	if err != nil {
		return fmt.Errorf("failed to delete sandbox pod %s: %w", name, err)
	}
	return nil
}

// podManifest renders the v1 Pod object for a sandbox. The pod never
// restarts (a dead execution server means a dead sandbox) and its readiness
// probe is the server's own liveness endpoint.
func podManifest(spec PodSpec, defaultNamespace string) map[string]any {
	namespace := spec.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	// Deterministic env order keeps applied manifests diffable.
	env := make([]map[string]string, 0, len(spec.Env))
	for _, key := range sortedKeys(spec.Env) {
		env = append(env, map[string]string{"name": key, "value": spec.Env[key]})
	}

	container := map[string]any{
		"name":  sandboxContainerName,
		"image": spec.Image,
		"ports": []map[string]any{
			{"containerPort": spec.ContainerPort},
		},
		"readinessProbe": map[string]any{
			"httpGet": map[string]any{
				"path": "/alive",
				"port": spec.ContainerPort,
			},
			"initialDelaySeconds": 1,
			"periodSeconds":       2,
		},
	}
	if spec.WorkDir != "" {
		container["workingDir"] = spec.WorkDir
	}
	if len(spec.Command) > 0 {
		container["command"] = spec.Command
	}
	if len(env) > 0 {
		container["env"] = env
	}

	metadata := map[string]any{
		"name":      spec.Name,
		"namespace": namespace,
	}
	if len(spec.Labels) > 0 {
		metadata["labels"] = spec.Labels
	}

	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata":   metadata,
		"spec": map[string]any{
			"restartPolicy": "Never",
			"containers":    []map[string]any{container},
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

var _ Orchestrator = (*KubectlOrchestrator)(nil)
