// SPDX-License-Identifier: MPL-2.0

// Package server implements the action execution server that runs inside
// the sandbox. It exposes the action/observation protocol over HTTP and
// serializes all shell work onto a single interactive session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"agentbox/internal/action"
	"agentbox/internal/core/serverbase"
	"agentbox/internal/shell"
	"agentbox/pkg/types"

	"github.com/charmbracelet/log"
)

const (
	// DefaultActionTimeout bounds actions that carry no explicit timeout.
	DefaultActionTimeout = 120 * time.Second

	defaultShutdownTimeout = 10 * time.Second
)

// DefaultInitCommands are run after the shell session starts and before the
// server reports ready. Keeping git quiet avoids pager hangs on the PTY.
var DefaultInitCommands = []string{
	`git config --global core.pager cat >/dev/null 2>&1 || true`,
}

type (
	// Plugin is an out-of-core collaborator (interpreter kernel, browser).
	// The core only routes matching actions to it.
	Plugin interface {
		// Name returns the plugin name used for action routing.
		Name() string
		// Run executes one action and produces an observation.
		Run(ctx context.Context, act action.Action) (action.Observation, error)
	}

	// Config holds immutable configuration for the execution server.
	Config struct {
		// Host is the address to bind to (default: 0.0.0.0).
		Host string
		// Port is the port to listen on (0 = auto-select).
		Port types.ListenPort
		// WorkDir is the sandbox working directory (created if missing).
		WorkDir string
		// InitCommands run in the shell before the server reports ready.
		InitCommands []string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
		// ShutdownTimeout bounds graceful HTTP shutdown.
		ShutdownTimeout time.Duration
		// RestrictFileOps rejects file reads/writes outside WorkDir with a
		// business-level error observation.
		RestrictFileOps bool
	}

	// Server is the in-sandbox action execution server.
	// A Server instance is single-use: once stopped or failed, create a new one.
	Server struct {
		*serverbase.Base

		cfg    Config
		logger *log.Logger

		// Initialized during Start()
		httpSrv  *http.Server
		listener net.Listener
		addr     string

		// session is the single interactive shell; sessionMu guarantees one
		// in-flight action at a time (the PTY is not reentrant). The liveness
		// endpoint never takes this lock, so a slow command cannot stall
		// health checks.
		session   *shell.Session
		sessionMu sync.Mutex

		plugins map[string]Plugin
	}
)

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		WorkDir:         "/workspace",
		InitCommands:    DefaultInitCommands,
		DefaultTimeout:  DefaultActionTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// New creates an execution server. The server is not started; call Start().
func New(cfg Config, plugins ...Plugin) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/workspace"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultActionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if err := cfg.Port.Validate(); err != nil {
		return nil, err
	}

	pluginMap := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		pluginMap[p.Name()] = p
	}

	return &Server{
		Base:    serverbase.NewBase(),
		cfg:     cfg,
		logger:  log.NewWithOptions(os.Stderr, log.Options{Prefix: "exec-server"}),
		plugins: pluginMap,
	}, nil
}

// Addr returns the actual bound address once the server has started.
func (s *Server) Addr() string { return s.addr }

// Start brings up the listener, the shell session, and the init commands,
// then begins serving. It returns once the server is ready (or failed).
func (s *Server) Start(ctx context.Context) error {
	if err := s.TransitionToStarting(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port.String())
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.TransitionToFailed(fmt.Errorf("failed to listen on %s: %w", addr, err))
		return s.LastError()
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	session, err := shell.NewSession(s.cfg.WorkDir, s.logger.With("component", "shell"))
	if err != nil {
		_ = listener.Close() // Best-effort cleanup on error
		s.TransitionToFailed(fmt.Errorf("failed to start shell session: %w", err))
		return s.LastError()
	}
	s.session = session

	if err := s.runInitCommands(); err != nil {
		_ = listener.Close()
		_ = session.Close()
		s.TransitionToFailed(err)
		return s.LastError()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /alive", s.handleAlive)
	mux.HandleFunc("POST /execute_action", s.handleExecuteAction)
	mux.HandleFunc("POST /upload_file", s.handleUploadFile)
	mux.HandleFunc("GET /download_files", s.handleDownloadFiles)
	mux.HandleFunc("POST /list_files", s.handleListFiles)

	s.httpSrv = &http.Server{Handler: mux}

	s.AddGoroutine()
	go s.serve()

	s.TransitionToRunning()
	s.logger.Info("action execution server ready", "address", s.addr, "workdir", s.cfg.WorkDir)
	return nil
}

// serve runs the HTTP accept loop until shutdown.
func (s *Server) serve() {
	defer s.DoneGoroutine()
	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("serve loop ended", "error", err)
		s.SendError(err)
	}
}

// runInitCommands executes the environment bootstrap commands. Any failure
// aborts startup: a sandbox with a half-initialized environment must not
// report ready.
func (s *Server) runInitCommands() error {
	for _, cmdLine := range s.cfg.InitCommands {
		out, code, err := s.session.Execute(cmdLine, shell.ExecOpts{
			Timeout:  5 * time.Minute,
			Blocking: true,
		})
		if err != nil {
			return fmt.Errorf("init command failed: %w", err)
		}
		if !code.IsSuccess() {
			return fmt.Errorf("init command %q exited with code %s: %s", cmdLine, code, out)
		}
		s.logger.Debug("init command completed", "command", cmdLine, "exit_code", code)
	}
	return nil
}

// Stop shuts the server down: HTTP first, then the shell. It is idempotent,
// and a server that already failed still gets its listener and shell
// released even though the state machine stays in Failed.
func (s *Server) Stop(ctx context.Context) error {
	stopping := s.TransitionToStopping()
	if !stopping && s.State() != serverbase.StateFailed {
		return nil
	}

	var errs []error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	} else if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shell close: %w", err))
		}
	}

	s.WaitForShutdown()
	if stopping {
		s.TransitionToStopped()
	}
	s.logger.Info("action execution server stopped")
	return errors.Join(errs...)
}

// failFatal records a fatal shell failure. The session is unusable from
// this point on; the instance owning this server must be destroyed.
func (s *Server) failFatal(err error) {
	s.logger.Error("fatal shell failure", "error", err)
	s.TransitionToFailed(err)
}

// composeCmdOutput appends the interpreter side channel once at the end of
// the full response; clients depend on this ordering.
func (s *Server) composeCmdOutput(content, command string, code types.ExitCode) action.Observation {
	interp := s.session.InterpreterPath()
	if interp != "" {
		content += "\n[Python Interpreter: " + interp + "]"
	}
	return action.NewCmdOutput(content, code, command, interp)
}
