// Package cmd wires the CLI surface of the crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// usageError marks config and flag problems so Execute can exit 2 instead
// of the generic failure code.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// appKeyType is the key for storing the app in the command context.
type appKeyType string

const appKey appKeyType = "app"

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey).(*app)
	return a
}

// newRootCmd creates and configures the root command. Services are built
// once in PersistentPreRunE and shut down in PersistentPostRun, so every
// subcommand sees the same wiring.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookcrawl",
		Short: "Resumable book crawler and archiver for shamela.ws",
		Long: `bookcrawl walks every page of each requested book, stores the raw
pages on disk, and tracks progress in a ledger so interrupted runs resume
exactly where they stopped. Separate subcommands verify completeness,
repair gaps, and pack finished books into archive containers.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfgFile)
			if err != nil {
				return usageError{fmt.Errorf("initialize services: %w", err)}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a := appFrom(cmd); a != nil {
				a.close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bookcrawl.yaml)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newRepairCmd())
	cmd.AddCommand(newArchiveCmd())

	return cmd
}

// Execute runs the CLI. Exit codes: 0 on success, 1 when the run failed,
// 2 on config or usage errors.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
