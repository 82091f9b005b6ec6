// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"agentbox/internal/action"
	"agentbox/internal/client"

	"github.com/charmbracelet/log"
)

// httpBase implements the Runtime operations shared by every backend that
// talks to an execution server over HTTP (local, container, remote). The
// concrete backends contribute provisioning and teardown.
type httpBase struct {
	backend Backend
	logger  *log.Logger

	workDir        string
	defaultTimeout time.Duration
	aliveDeadline  time.Duration

	// mu guards the per-session identity, which Rebind swaps while the
	// instance sits in the pool.
	mu        sync.Mutex
	sessionID string
	sink      EventSink

	cli       *client.Client
	connected bool
	closed    bool
}

func newHTTPBase(backend Backend, workDir string, defaultTimeout, aliveDeadline time.Duration, logger *log.Logger) httpBase {
	return httpBase{
		backend:        backend,
		logger:         logger,
		workDir:        workDir,
		defaultTimeout: defaultTimeout,
		aliveDeadline:  aliveDeadline,
		sessionID:      NewSessionID(),
		sink:           discardSink{},
	}
}

// Backend returns the implementation identifier.
func (b *httpBase) Backend() Backend { return b.backend }

// SessionID returns the agent session currently bound to the sandbox.
func (b *httpBase) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// attach connects the base to an execution server URL and waits for it to
// answer liveness probes.
func (b *httpBase) attach(ctx context.Context, baseURL string) error {
	b.cli = client.New(baseURL,
		client.WithDefaultTimeout(b.defaultTimeout),
		client.WithLogger(b.logger.With("component", "client")))
	if err := b.cli.WaitUntilAlive(ctx, b.aliveDeadline); err != nil {
		return err
	}
	b.connected = true
	b.logger.Info("sandbox is alive", "backend", b.backend, "url", baseURL, "session", b.SessionID())
	return nil
}

// ensureConnected gates every sandbox operation.
func (b *httpBase) ensureConnected() error {
	switch {
	case b.closed:
		return ErrRuntimeClosed
	case !b.connected || b.cli == nil:
		return ErrRuntimeNotConnected
	default:
		return nil
	}
}

// Run executes one action and publishes the observation to the bound sink.
func (b *httpBase) Run(ctx context.Context, act action.Action) (action.Observation, error) {
	if err := b.ensureConnected(); err != nil {
		return action.Observation{}, err
	}
	obs, err := b.cli.SendAction(ctx, act)
	if err != nil {
		return action.Observation{}, err
	}

	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	sink.Publish(obs)

	return obs, nil
}

// CopyTo ships a local file into the sandbox.
func (b *httpBase) CopyTo(ctx context.Context, localPath, sandboxPath string, recursive bool) error {
	if err := b.ensureConnected(); err != nil {
		return err
	}
	return b.cli.UploadFile(ctx, localPath, sandboxPath, recursive)
}

// CopyFrom streams a sandbox path out as a zip archive.
func (b *httpBase) CopyFrom(ctx context.Context, sandboxPath string, w io.Writer) error {
	if err := b.ensureConnected(); err != nil {
		return err
	}
	return b.cli.DownloadFiles(ctx, sandboxPath, w)
}

// ListFiles lists a sandbox directory.
func (b *httpBase) ListFiles(ctx context.Context, sandboxPath string) ([]string, error) {
	if err := b.ensureConnected(); err != nil {
		return nil, err
	}
	return b.cli.ListFiles(ctx, sandboxPath)
}

// Reset clears per-session sandbox state: any foreground job is
// interrupted, then the shell returns to the workspace root. A failure
// means the instance is in an unknown state and must be destroyed.
func (b *httpBase) Reset(ctx context.Context) error {
	if err := b.ensureConnected(); err != nil {
		return err
	}

	interrupt := action.NewCmdRun("ctrl+c").WithoutPrompt().WithSource(action.SourceUser)
	if _, err := b.cli.SendAction(ctx, interrupt); err != nil {
		return fmt.Errorf("reset interrupt failed: %w", err)
	}

	home := action.NewCmdRun(fmt.Sprintf("cd %q", b.workDir)).
		WithBlocking().WithoutPrompt().WithSource(action.SourceUser)
	obs, err := b.cli.SendAction(ctx, home)
	if err != nil {
		return fmt.Errorf("reset cd failed: %w", err)
	}
	if obs.IsError() || !obs.ExitCode().IsSuccess() {
		return fmt.Errorf("reset cd rejected: %s", obs.Content)
	}

	b.mu.Lock()
	b.sink = discardSink{}
	b.mu.Unlock()
	return nil
}

// Rebind attaches the sandbox to a new agent session: identity and sink are
// swapped, and session env vars are exported into the shell.
func (b *httpBase) Rebind(ctx context.Context, opts RebindOptions) error {
	if err := b.ensureConnected(); err != nil {
		return err
	}
	opts = normalizeRebind(opts)

	if act, ok := exportEnvAction(opts.Env); ok {
		obs, err := b.cli.SendAction(ctx, act)
		if err != nil {
			return fmt.Errorf("rebind env export failed: %w", err)
		}
		if obs.IsError() || !obs.ExitCode().IsSuccess() {
			return fmt.Errorf("rebind env export rejected: %s", obs.Content)
		}
	}

	b.mu.Lock()
	b.sessionID = opts.SessionID
	b.sink = opts.Sink
	b.mu.Unlock()

	b.logger.Debug("sandbox rebound", "backend", b.backend, "session", opts.SessionID)
	return nil
}

// markClosed flips the base into its terminal state and releases the client.
func (b *httpBase) markClosed() {
	b.closed = true
	b.connected = false
	if b.cli != nil {
		b.cli.Close()
	}
}
