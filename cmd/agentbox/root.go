// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for agentbox.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging.
	verbose bool
	// cfgFile allows specifying a custom config file.
	cfgFile string

	// rootCmd represents the base command when called without any subcommands.
	rootCmd = &cobra.Command{
		Use:   "agentbox",
		Short: "Sandboxed action execution for agents",
		Long: TitleStyle.Render("agentbox") + SubtitleStyle.Render(" - sandboxed action execution for agents") + `

agentbox runs agent actions (shell commands, file edits) inside isolated
sandboxes. The same binary is both sides of the protocol: the control
plane that provisions sandboxes, and the execution server that runs
inside them.

Backends: local subprocess, container (Docker/Podman), orchestrated
(Kubernetes pod via kubectl), remote attach, in-process cli, and a
pre-warmed pool.

` + SubtitleStyle.Render("Examples:") + `
  agentbox run -- ls -la              Run a command in a fresh sandbox
  agentbox run --backend container    Use a container sandbox
  agentbox serve --port 8000          Start the execution server
  agentbox config show                Show the effective configuration`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/agentbox/config.toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// newLogger builds the CLI logger honoring --verbose.
func newLogger(prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: prefix})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.Code))
		}
		os.Exit(1)
	}
}
