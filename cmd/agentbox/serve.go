// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentbox/internal/config"
	"agentbox/internal/issue"
	"agentbox/internal/server"
	"agentbox/pkg/types"

	"github.com/spf13/cobra"
)

var (
	serveHost     string
	servePort     int
	serveWorkDir  string
	serveRestrict bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the in-sandbox action execution server",
		Long: `Start the action execution server. This is the process that runs inside
every sandbox: it owns the interactive shell session and executes actions
sent by the control plane over HTTP.`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind to (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "port to listen on, 0 picks a free port (default from config)")
	serveCmd.Flags().StringVar(&serveWorkDir, "workdir", "", "sandbox working directory (default from config)")
	serveCmd.Flags().BoolVar(&serveRestrict, "restrict-file-ops", false, "confine file actions to the working directory")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, _, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		renderIssue(issue.ConfigLoadFailedId)
		return err
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.WorkDir = cfg.Sandbox.WorkDir
	srvCfg.DefaultTimeout = cfg.Sandbox.DefaultTimeout()
	srvCfg.RestrictFileOps = cfg.Server.RestrictFileOps
	if serveHost != "" {
		srvCfg.Host = serveHost
	}
	if servePort >= 0 {
		srvCfg.Port = types.ListenPort(servePort)
	}
	if serveWorkDir != "" {
		srvCfg.WorkDir = serveWorkDir
	}
	if serveRestrict {
		srvCfg.RestrictFileOps = true
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := srv.Start(ctx); err != nil {
		renderIssue(issue.ShellStartFailedId)
		return err
	}
	fmt.Fprintln(os.Stderr, SuccessStyle.Render("listening on ")+CmdStyle.Render(srv.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Fprintln(os.Stderr, WarningStyle.Render("shutting down on "+sig.String()))
	case err := <-srv.Err():
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("server failed: ")+err.Error())
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Stop(stopCtx)
		return &ExitError{Code: 1, Err: err}
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}
