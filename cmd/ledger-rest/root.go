package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledgerrest/internal/interface/repository/journal"
	"ledgerrest/internal/interface/repository/ledger"
	"ledgerrest/internal/interface/repository/logger"
	"ledgerrest/internal/interface/repository/metrics"
)

// version はビルド時に -ldflags で上書きする
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger-rest",
		Short: "Serve ledger reports as JSON over HTTP",
		Long: `ledger-rest answers account listings and register reports for a ledger
file over HTTP(S). The ledger is reloaded lazily after it changes on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	flags := defaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolveConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			if err := c.validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), c)
		},
	}
	bindFlags(cmd.Flags(), &flags)
	return cmd
}

func newCheckCommand() *cobra.Command {
	flags := defaultConfig()

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the ledger once and report what would be served",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolveConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			if err := c.validateLedger(); err != nil {
				return err
			}
			return runCheck(cmd, c)
		},
	}
	bindFlags(cmd.Flags(), &flags)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledger-rest %s\n", version)
		},
	}
}

func runCheck(cmd *cobra.Command, c config) error {
	level, err := logger.LevelFromVerbosity(c.Level)
	if err != nil {
		return err
	}
	log := logger.NewWriter(cmd.ErrOrStderr(), level)
	m := metrics.New("")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c.EngineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.EngineTimeout)
		defer cancel()
	}

	repo := journal.New(c.File, ledger.New(c.LedgerBin, log), log, m)
	start := time.Now()
	j, _, err := repo.EnsureFresh(ctx)
	if err != nil {
		return err
	}
	accounts, err := j.Accounts(ctx)
	if err != nil {
		return err
	}
	files, err := journal.DiscoverIncludes(c.File)
	if err != nil {
		return err
	}

	st := repo.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ledger:   %s\n", st.Path)
	fmt.Fprintf(out, "digest:   %s\n", st.Digest)
	fmt.Fprintf(out, "accounts: %d\n", len(accounts))
	fmt.Fprintf(out, "files:\n")
	for _, f := range files {
		marker := ""
		if _, err := os.Stat(f); err != nil {
			marker = " (missing)"
		}
		fmt.Fprintf(out, "  %s%s\n", f, marker)
	}
	fmt.Fprintf(out, "loaded in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
