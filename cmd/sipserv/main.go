package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipserv/sipserv/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "sipserv",
		Short: "Unattended SIP answering machine",
		Long: "sipserv answers calls on a SIP account, plays an announcement, records the caller " +
			"and runs shell commands bound to DTMF digits.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Finish(cmd.Flags()); err != nil {
				return &config.ConfigError{Msg: err.Error()}
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cfg.BindFlags(cmd.Flags())

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newNumcheckCmd())
	cmd.AddCommand(newMailCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sipserv %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if errors.Is(err, errStartup) {
		return 1
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	if config.IsConfigError(err) {
		fmt.Fprint(cmd.ErrOrStderr(), config.Usage)
	}
	return 1
}

func main() {
	os.Exit(execute(newRootCmd()))
}
