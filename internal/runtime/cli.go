// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentbox/internal/action"
	"agentbox/internal/shell"

	"github.com/charmbracelet/log"
)

// BackendCLI runs the interactive shell in-process, with no execution
// server and no HTTP hop. It serves interactive CLI use on the developer's
// own machine, where the "sandbox" is just the local filesystem.
const BackendCLI Backend = "cli"

type (
	// CLIOptions configures the in-process backend.
	CLIOptions struct {
		// WorkDir is the shell working directory.
		WorkDir string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
	}

	// CLIRuntime executes actions directly against an in-process shell
	// session.
	CLIRuntime struct {
		opts   CLIOptions
		logger *log.Logger

		mu        sync.Mutex
		session   *shell.Session
		sessionID string
		sink      EventSink
		closed    bool
	}
)

// NewCLIRuntime creates an in-process runtime. The shell is spawned by
// Connect.
func NewCLIRuntime(opts CLIOptions, logger *log.Logger) (*CLIRuntime, error) {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "runtime"})
	}
	return &CLIRuntime{
		opts:      opts,
		logger:    logger,
		sessionID: NewSessionID(),
		sink:      discardSink{},
	}, nil
}

// Backend returns the implementation identifier.
func (r *CLIRuntime) Backend() Backend { return BackendCLI }

// SessionID returns the agent session currently bound to the shell.
func (r *CLIRuntime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Connect spawns the interactive shell.
func (r *CLIRuntime) Connect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	if r.session != nil {
		return nil
	}
	session, err := shell.NewSession(r.opts.WorkDir, r.logger.With("component", "shell"))
	if err != nil {
		return err
	}
	r.session = session
	return nil
}

// Run executes one action directly, without a network hop. Plugin-backed
// actions (interpreter, browser) are not available in this backend.
func (r *CLIRuntime) Run(_ context.Context, act action.Action) (action.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return action.Observation{}, err
	}

	if !act.Runnable() {
		return action.NewNullObs(), nil
	}
	if err := act.Validate(); err != nil {
		return r.publish(action.NewErrorObs("%v", err)), nil
	}

	switch act.Kind {
	case action.KindCmdRun:
		out, code, err := r.session.Execute(act.Args.Command, shell.ExecOpts{
			Timeout:    act.Timeout(r.opts.DefaultTimeout),
			Blocking:   act.Args.Blocking,
			KeepPrompt: act.Args.KeepPrompt,
		})
		if err != nil {
			return action.Observation{}, err
		}
		return r.publish(action.NewCmdOutput(out, code, act.Args.Command, r.session.InterpreterPath())), nil
	case action.KindFileRead:
		return r.publish(r.readFile(act)), nil
	case action.KindFileWrite:
		return r.publish(r.writeFile(act)), nil
	default:
		return r.publish(action.NewErrorObs("action %q is not available in the cli backend", act.Kind)), nil
	}
}

func (r *CLIRuntime) publish(obs action.Observation) action.Observation {
	r.sink.Publish(obs)
	return obs
}

func (r *CLIRuntime) ensureReady() error {
	switch {
	case r.closed:
		return ErrRuntimeClosed
	case r.session == nil:
		return ErrRuntimeNotConnected
	default:
		return nil
	}
}

func (r *CLIRuntime) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.session.Cwd(), path)
}

func (r *CLIRuntime) readFile(act action.Action) action.Observation {
	path := r.resolve(act.Args.Path)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return action.NewErrorObs("file not found: %s", path)
	case err != nil:
		return action.NewErrorObs("failed to read %s: %v", path, err)
	}
	return action.NewFileReadObs(path, string(data))
}

func (r *CLIRuntime) writeFile(act action.Action) action.Observation {
	path := r.resolve(act.Args.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return action.NewErrorObs("failed to create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(act.Args.Content), 0o644); err != nil {
		return action.NewErrorObs("failed to write %s: %v", path, err)
	}
	return action.NewFileWriteObs(path)
}

// CopyTo copies a local file to another local path; the cli backend's
// sandbox is the local filesystem.
func (r *CLIRuntime) CopyTo(_ context.Context, localPath, sandboxPath string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest := filepath.Join(r.resolve(sandboxPath), filepath.Base(localPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

// CopyFrom zips a local path into w.
func (r *CLIRuntime) CopyFrom(_ context.Context, sandboxPath string, w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return err
	}
	root := r.resolve(sandboxPath)
	zw := zip.NewWriter(w)
	defer zw.Close()

	base := filepath.Dir(root)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})
}

// ListFiles lists a local directory, directories first.
func (r *CLIRuntime) ListFiles(_ context.Context, sandboxPath string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	path := sandboxPath
	if path == "" {
		path = r.session.Cwd()
	}
	entries, err := os.ReadDir(r.resolve(path))
	if err != nil {
		return nil, err
	}
	var dirs, files []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name()+"/")
		} else {
			files = append(files, e.Name())
		}
	}
	caseless := func(list []string) func(i, j int) bool {
		return func(i, j int) bool { return strings.ToLower(list[i]) < strings.ToLower(list[j]) }
	}
	sort.Slice(dirs, caseless(dirs))
	sort.Slice(files, caseless(files))
	return append(dirs, files...), nil
}

// Reset interrupts any foreground job and returns to the workspace root.
func (r *CLIRuntime) Reset(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return err
	}
	if _, _, err := r.session.Execute("ctrl+c", shell.ExecOpts{}); err != nil {
		return err
	}
	_, code, err := r.session.Execute(fmt.Sprintf("cd %q", r.opts.WorkDir),
		shell.ExecOpts{Timeout: 10 * time.Second, Blocking: true})
	if err != nil {
		return err
	}
	if !code.IsSuccess() {
		return fmt.Errorf("reset cd exited with code %s", code)
	}
	r.sink = discardSink{}
	return nil
}

// Rebind attaches the shell to a new agent session.
func (r *CLIRuntime) Rebind(_ context.Context, opts RebindOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureReady(); err != nil {
		return err
	}
	opts = normalizeRebind(opts)
	if act, ok := exportEnvAction(opts.Env); ok {
		_, code, err := r.session.Execute(act.Args.Command,
			shell.ExecOpts{Timeout: 10 * time.Second, Blocking: true})
		if err != nil {
			return err
		}
		if !code.IsSuccess() {
			return fmt.Errorf("rebind env export exited with code %s", code)
		}
	}
	r.sessionID = opts.SessionID
	r.sink = opts.Sink
	return nil
}

// Close terminates the shell. It is idempotent.
func (r *CLIRuntime) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.session != nil {
		err := r.session.Close()
		r.session = nil
		return err
	}
	return nil
}

var _ Runtime = (*CLIRuntime)(nil)
