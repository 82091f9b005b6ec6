// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"agentbox/internal/config"
	"agentbox/internal/issue"

	"github.com/spf13/cobra"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage agentbox configuration",
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Print the effective configuration after merging defaults, the config
file, and AGENTBOX_* environment variables.`,
		RunE: runConfigShow,
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  runConfigInit,
	}
)

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, resolvedPath, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		renderIssue(issue.ConfigLoadFailedId)
		return err
	}

	if resolvedPath != "" {
		fmt.Fprintln(os.Stderr, SubtitleStyle.Render("config file: ")+CmdStyle.Render(resolvedPath))
	} else {
		fmt.Fprintln(os.Stderr, SubtitleStyle.Render("config file: none (using defaults)"))
	}

	rendered, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, rendered)
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		cfgDir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(cfgDir, config.ConfigFileName+"."+config.ConfigFileExt)
	}

	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, SuccessStyle.Render("wrote ")+CmdStyle.Render(path))
	return nil
}
