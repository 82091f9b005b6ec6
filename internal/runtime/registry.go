// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"errors"
	"fmt"
	"sort"

	"agentbox/internal/config"
	"agentbox/internal/container"
	"agentbox/internal/orchestrator"

	"github.com/charmbracelet/log"
)

const (
	// CodeContainerEngineInitFailed indicates no container engine could be
	// initialized, so the container backend is unavailable.
	CodeContainerEngineInitFailed InitDiagnosticCode = "container_engine_init_failed"

	// CodeOrchestratorInitFailed indicates no pod orchestrator could be
	// initialized, so the orchestrated backend is unavailable.
	CodeOrchestratorInitFailed InitDiagnosticCode = "orchestrator_init_failed"
)

// ErrBackendNotRegistered is returned when requesting an unknown backend.
var ErrBackendNotRegistered = errors.New("runtime backend not registered")

type (
	// Factory creates a fresh, unconnected runtime instance. Every sandbox
	// is single-use, so the registry hands out factories rather than shared
	// instances.
	Factory func() (Runtime, error)

	// Registry maps backends to their factories.
	Registry struct {
		factories map[Backend]Factory
	}

	// InitDiagnosticCode categorizes non-fatal registry initialization
	// diagnostics.
	InitDiagnosticCode string

	// InitDiagnostic reports a backend that could not be registered.
	InitDiagnostic struct {
		Code    InitDiagnosticCode
		Message string
		Cause   error
	}

	// RegistryBuildResult contains the built registry and any non-fatal
	// initialization diagnostics. Registry is always non-nil.
	RegistryBuildResult struct {
		Registry    *Registry
		Diagnostics []InitDiagnostic
	}
)

// String returns the string representation of the InitDiagnosticCode.
func (c InitDiagnosticCode) String() string { return string(c) }

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Backend]Factory)}
}

// Register adds a backend factory to the registry.
func (r *Registry) Register(backend Backend, factory Factory) {
	r.factories[backend] = factory
}

// New creates a fresh runtime for the given backend.
func (r *Registry) New(backend Backend) (Runtime, error) {
	factory, ok := r.factories[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotRegistered, backend, r.Backends())
	}
	return factory()
}

// Backends returns the registered backends in stable order.
func (r *Registry) Backends() []Backend {
	backends := make([]Backend, 0, len(r.factories))
	for b := range r.factories {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

// BuildRegistry creates and populates the runtime registry from the loaded
// configuration. The local and cli backends are always registered; the
// container and orchestrated backends are best-effort and reported via
// Diagnostics when no engine or cluster CLI answers; the remote backend is
// registered only when a URL is configured. The pooled backend is layered on
// top by the pool package.
func BuildRegistry(cfg *config.Config, logger *log.Logger) RegistryBuildResult {
	result := RegistryBuildResult{Registry: NewRegistry()}

	sandbox := cfg.Sandbox
	result.Registry.Register(BackendLocal, func() (Runtime, error) {
		return NewLocalRuntime(LocalOptions{
			WorkDir:        sandbox.WorkDir,
			DefaultTimeout: sandbox.DefaultTimeout(),
			AliveDeadline:  sandbox.AliveDeadline(),
		}, logger)
	})
	result.Registry.Register(BackendCLI, func() (Runtime, error) {
		return NewCLIRuntime(CLIOptions{
			WorkDir:        sandbox.WorkDir,
			DefaultTimeout: sandbox.DefaultTimeout(),
		}, logger)
	})

	engine, err := container.NewEngine(container.EngineType(cfg.ContainerEngine))
	if err != nil {
		result.Diagnostics = append(result.Diagnostics, InitDiagnostic{
			Code:    CodeContainerEngineInitFailed,
			Message: fmt.Sprintf("container backend unavailable: %v", err),
			Cause:   err,
		})
	} else {
		result.Registry.Register(BackendContainer, func() (Runtime, error) {
			return NewContainerRuntime(engine, ContainerOptions{
				Image:          sandbox.Image,
				WorkDir:        sandbox.WorkDir,
				DefaultTimeout: sandbox.DefaultTimeout(),
				AliveDeadline:  sandbox.AliveDeadline(),
			}, logger)
		})
	}

	orch, err := orchestrator.NewKubectl(sandbox.Namespace)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics, InitDiagnostic{
			Code:    CodeOrchestratorInitFailed,
			Message: fmt.Sprintf("orchestrated backend unavailable: %v", err),
			Cause:   err,
		})
	} else {
		result.Registry.Register(BackendOrchestrated, func() (Runtime, error) {
			return NewOrchestratedRuntime(orch, OrchestratedOptions{
				Image:          sandbox.Image,
				WorkDir:        sandbox.WorkDir,
				Namespace:      sandbox.Namespace,
				DefaultTimeout: sandbox.DefaultTimeout(),
				AliveDeadline:  sandbox.AliveDeadline(),
			}, logger)
		})
	}

	if sandbox.RemoteURL != "" {
		result.Registry.Register(BackendRemote, func() (Runtime, error) {
			return NewRemoteRuntime(RemoteOptions{
				URL:            sandbox.RemoteURL,
				WorkDir:        sandbox.WorkDir,
				DefaultTimeout: sandbox.DefaultTimeout(),
				AliveDeadline:  sandbox.AliveDeadline(),
			}, logger)
		})
	}

	return result
}
