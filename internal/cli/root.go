// Package cli is the terminal's command line: selling, queue inspection and
// manual or scheduled sync against the server.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"kasirsync/internal/config"
	"kasirsync/internal/obs"
)

// RootOptions holds global flags for all commands. Defaults come from the
// terminal environment (TERMINAL_ID, TERMINAL_DB_PATH, SYNC_SERVER_URL, ...).
type RootOptions struct {
	Config  config.TerminalConfig
	Format  string // "json" | "text"
	Verbose bool
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the terminal CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.LoadTerminal()}

	cmd := &cobra.Command{
		Use:   "kasir-terminal",
		Short: "Offline-first POS terminal",
		Long: `Sell from the local catalog while offline and reconcile with the sync
server when it is reachable. Every sale is written to the local queue first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := opts.Config.LogLevel
			if opts.Verbose {
				level = "debug"
			}
			obs.InitLogger(os.Stderr, level)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Config.DBPath, "db", opts.Config.DBPath, "path to the local SQLite database")
	flags.StringVar(&opts.Config.ServerURL, "server", opts.Config.ServerURL, "sync server base URL")
	flags.StringVar(&opts.Config.TerminalID, "terminal", opts.Config.TerminalID, "terminal id")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewProductsCommand(opts))
	cmd.AddCommand(NewSellCommand(opts))
	cmd.AddCommand(NewRefundCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewAdjustCommand(opts))
	cmd.AddCommand(NewSaleCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))

	return cmd
}
