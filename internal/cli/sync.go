package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kasirsync/internal/obs"
	"kasirsync/internal/syncclient"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Enroll this terminal and print a bearer token",
		Long: `Exchange the enrollment key for a terminal token. The token can be
exported as SYNC_TOKEN so later commands skip enrollment.

Example:
  TERMINAL_ENROLLMENT_KEY=... kasir-terminal token --terminal till-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if cfg.TerminalID == "" {
				return NewExitError(ExitCommandError, "terminal id is required (--terminal or TERMINAL_ID)")
			}
			if cfg.EnrollmentKey == "" {
				return NewExitError(ExitCommandError, "TERMINAL_ENROLLMENT_KEY is required")
			}

			transport := syncclient.NewHTTPTransport(cfg.ServerURL, nil, cfg.HTTPTimeout)
			resp, err := transport.RequestToken(cmd.Context(), cfg.TerminalID, cfg.EnrollmentKey)
			if err != nil {
				return WrapExitError(ExitFailure, "request token", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(resp, func(w io.Writer) {
				fmt.Fprintln(w, resp.AccessToken)
			})
		},
	}
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch catalog changes into the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.client.Pull(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "pull", err)
			}
			return env.out.Success(result, func(w io.Writer) {
				printPullResult(w, result)
			})
		},
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload queued sales and stock adjustments",
		Long: `Upload the local queue to the server. Sales go first, then stock
adjustments. Items the server rejects are held until requeued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			report, pushErr := env.client.Push(cmd.Context())
			if err := env.out.Success(report, func(w io.Writer) {
				printReport(w, report)
			}); err != nil {
				return err
			}
			if pushErr != nil {
				return WrapExitError(ExitFailure, "push", pushErr)
			}
			return nil
		},
	}
}

type syncResult struct {
	Push syncclient.Report     `json:"push"`
	Pull syncclient.PullResult `json:"pull"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the local queue, then pull catalog changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			var result syncResult
			result.Push, err = env.client.Push(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "push", err)
			}
			result.Pull, err = env.client.Pull(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "pull", err)
			}
			return env.out.Success(result, func(w io.Writer) {
				printReport(w, result.Push)
				printPullResult(w, result.Pull)
			})
		},
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Long: `Push and pull on their configured intervals until SIGINT or SIGTERM.
Server outages are logged and retried on the next tick.

Example:
  SYNC_PUSH_INTERVAL_MS=5000 kasir-terminal run --terminal till-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			obs.Logger.Info("terminal sync started",
				"terminal_id", rootOpts.Config.TerminalID,
				"server", rootOpts.Config.ServerURL,
			)
			env.client.Trigger()
			if err := env.client.Run(ctx); err != nil {
				return WrapExitError(ExitFailure, "sync loop", err)
			}
			obs.Logger.Info("terminal sync stopped")
			return nil
		},
	}
}

func printReport(w io.Writer, r syncclient.Report) {
	fmt.Fprintf(w, "push: %d synced, %d failed, %d pending\n", r.Synced, r.Failed, r.Pending)
	if r.Blocked > 0 {
		fmt.Fprintf(w, "  %d adjustment(s) blocked behind rejected sales; requeue the sale to release them\n", r.Blocked)
	}
	for _, item := range r.Rejected {
		fmt.Fprintf(w, "  rejected %s %s: %s\n", item.Kind, item.Reference, item.Reason)
	}
}

func printPullResult(w io.Writer, r syncclient.PullResult) {
	fmt.Fprintf(w, "pull: %d page(s), %d product(s), %d categor(ies), %d tombstone(s)\n",
		r.Pages, r.Products, r.Categories, r.Tombstones)
	fmt.Fprintf(w, "cursor: product_version=%d category_version=%d\n",
		r.Cursor.ProductVersion, r.Cursor.CategoryVersion)
}
