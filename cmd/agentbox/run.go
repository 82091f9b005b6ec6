// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"agentbox/internal/action"
	"agentbox/internal/client"
	"agentbox/internal/config"
	"agentbox/internal/container"
	"agentbox/internal/issue"
	"agentbox/internal/pool"
	"agentbox/internal/runtime"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	runBackend    string
	runTimeout    int
	runNonBlock   bool
	runKeepPrompt bool
	runEnv        []string

	runCmd = &cobra.Command{
		Use:   "run [flags] -- <command...>",
		Short: "Run a shell command in a sandbox",
		Long: `Provision a sandbox, execute the command in its interactive shell, print
the output, and exit with the command's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
)

func init() {
	runCmd.Flags().StringVar(&runBackend, "backend", "", "runtime backend: local, container, orchestrated, remote, cli, pooled (default from config)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "command timeout in seconds (default from config)")
	runCmd.Flags().BoolVar(&runNonBlock, "non-blocking", false, "return after the soft-poll window instead of waiting for completion")
	runCmd.Flags().BoolVar(&runKeepPrompt, "keep-prompt", false, "include the trailing shell prompt in the output")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "environment variable KEY=VALUE to export in the sandbox (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		renderIssue(issue.ConfigLoadFailedId)
		return err
	}
	backend := cfg.Backend
	if runBackend != "" {
		backend = config.Backend(runBackend)
		if err := backend.Validate(); err != nil {
			return err
		}
	}

	logger := newLogger("agentbox")
	build := runtime.BuildRegistry(cfg, logger)
	for _, diag := range build.Diagnostics {
		logger.Warn(diag.Message)
	}

	env, err := parseEnvFlags(runEnv)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, cleanup, err := acquireRuntime(ctx, cfg, backend, build.Registry, env, logger)
	if err != nil {
		renderRuntimeIssue(err)
		return err
	}
	defer cleanup()

	act := action.NewCmdRun(strings.Join(args, " ")).
		WithBlocking().
		WithSource(action.SourceUser)
	if runNonBlock {
		act.Args.Blocking = false
	}
	if !runKeepPrompt {
		act = act.WithoutPrompt()
	}
	if runTimeout > 0 {
		act = act.WithTimeout(time.Duration(runTimeout) * time.Second)
	}

	obs, err := rt.Run(ctx, act)
	if err != nil {
		renderRuntimeIssue(err)
		return err
	}

	if obs.IsError() {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("error: ")+obs.Content)
		return &ExitError{Code: 1}
	}
	if obs.Content != "" {
		fmt.Fprintln(os.Stdout, obs.Content)
	}
	if code := obs.ExitCode(); !code.IsSuccess() {
		return &ExitError{Code: code}
	}
	return nil
}

// acquireRuntime provisions a connected sandbox for the chosen backend. The
// returned cleanup tears down everything the acquisition created.
func acquireRuntime(
	ctx context.Context,
	cfg *config.Config,
	backend config.Backend,
	registry *runtime.Registry,
	env map[string]string,
	logger *log.Logger,
) (runtime.Runtime, func(), error) {
	opts := runtime.RebindOptions{SessionID: runtime.NewSessionID(), Env: env}

	if backend == config.BackendPooled {
		delegate := runtime.BackendContainer
		if _, err := registry.New(delegate); err != nil {
			delegate = runtime.BackendLocal
		}
		p, err := pool.New(pool.Config{
			Enabled:             cfg.Pool.Enabled,
			InitialWarm:         cfg.Pool.InitialWarm,
			TargetWarm:          cfg.Pool.TargetWarm,
			MaintenanceInterval: cfg.Pool.MaintenanceInterval(),
		}, func() (runtime.Runtime, error) { return registry.New(delegate) }, newLogger("pool"))
		if err != nil {
			return nil, nil, err
		}
		if err := p.Start(ctx); err != nil {
			return nil, nil, err
		}
		proxy := pool.NewProxy(p, opts)
		if err := proxy.Connect(ctx); err != nil {
			p.Teardown(ctx)
			return nil, nil, err
		}
		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = proxy.Close(closeCtx)
			p.Teardown(closeCtx)
		}
		return proxy, cleanup, nil
	}

	rt, err := registry.New(runtime.Backend(backend))
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Connect(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = rt.Close(closeCtx)
		return nil, nil, err
	}
	if err := rt.Rebind(ctx, opts); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = rt.Close(closeCtx)
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("sandbox teardown failed", "error", err)
		}
	}
	return rt, cleanup, nil
}

// parseEnvFlags turns repeated KEY=VALUE flags into a map.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env value %q (expected KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

// renderRuntimeIssue maps well-known runtime failures onto their issue cards.
func renderRuntimeIssue(err error) {
	switch {
	case errors.Is(err, client.ErrActionTimedOut):
		renderIssue(issue.ActionTimedOutId)
	case errors.Is(err, client.ErrRuntimeDisconnected):
		renderIssue(issue.RuntimeDisconnectedId)
	case errors.Is(err, container.ErrNoEngineAvailable):
		renderIssue(issue.ContainerEngineNotFoundId)
	case errors.Is(err, runtime.ErrBackendNotRegistered):
		renderIssue(issue.BackendNotAvailableId)
	}
}

// renderIssue prints an issue card, falling back to nothing when rendering
// fails (the underlying error is still returned to the user).
func renderIssue(id issue.Id) {
	is := issue.Get(id)
	if is == nil {
		return
	}
	card, err := is.Render("dark")
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, card)
}
