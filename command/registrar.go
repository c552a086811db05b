package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const AppName = "discord-archiver"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// NewRootCmd builds the command tree. Running the bare binary starts the engine.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Archive Discord channels into SQLite (and an optional SurrealDB mirror)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default ./config.yaml)")

	run := NewRunCmd()
	cmd.RunE = run.RunE
	cmd.AddCommand(
		run,
		NewRefillCmd(),
		NewStatsCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	cmd := NewRootCmd(Version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		os.Exit(1)
	}
}
