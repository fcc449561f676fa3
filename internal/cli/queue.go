package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/local"
	"kasirsync/internal/pos"
)

type statusView struct {
	TerminalID string               `json:"terminal_id"`
	Queue      local.QueueStats     `json:"queue"`
	Cursor     domain.SyncCursor    `json:"cursor"`
	Rejected   []local.RejectedItem `json:"rejected,omitempty"`
	Blocked    []local.BlockedItem  `json:"blocked,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local queue and catalog cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := cmd.Context()
			view := statusView{TerminalID: rootOpts.Config.TerminalID}
			if view.Queue, err = env.store.QueueStats(ctx); err != nil {
				return err
			}
			if view.Cursor, err = env.store.Cursor(ctx); err != nil {
				return err
			}
			if view.Rejected, err = env.store.ListRejected(ctx); err != nil {
				return err
			}
			if view.Blocked, err = env.store.ListBlocked(ctx); err != nil {
				return err
			}

			return env.out.Success(view, func(w io.Writer) {
				q := view.Queue
				fmt.Fprintf(w, "terminal: %s\n", view.TerminalID)
				fmt.Fprintf(w, "sales:       %d pending, %d rejected, %d synced\n", q.PendingSales, q.RejectedSales, q.SyncedSales)
				fmt.Fprintf(w, "adjustments: %d pending (%d blocked), %d rejected, %d synced\n", q.PendingAdjustments, q.BlockedAdjustments, q.RejectedAdjustments, q.SyncedAdjustments)
				fmt.Fprintf(w, "cursor: product_version=%d category_version=%d\n", view.Cursor.ProductVersion, view.Cursor.CategoryVersion)
				for _, item := range view.Rejected {
					fmt.Fprintf(w, "  rejected %s %s: %s\n", item.Kind, item.Reference, item.Reason)
				}
				for _, item := range view.Blocked {
					fmt.Fprintf(w, "  blocked %s %s: waiting for rejected sale %s\n", item.Source, item.Reference, item.SaleReference)
				}
			})
		},
	}
}

// NewSaleCommand creates the sale command.
func NewSaleCommand(rootOpts *RootOptions) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "sale <reference>",
		Short: "Show a sale from the local queue or from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, remote)
			if err != nil {
				return err
			}
			defer env.Close()

			if remote {
				sale, err := env.transport.FetchSale(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "fetch sale", err)
				}
				return env.out.Success(sale, func(w io.Writer) {
					printSale(w, sale, "")
				})
			}

			queued, err := env.store.GetSale(cmd.Context(), args[0])
			if err != nil {
				return commandError(err)
			}
			return env.out.Success(queued, func(w io.Writer) {
				printSale(w, queued.Sale, queued.SyncState)
				if queued.RejectReason != "" {
					fmt.Fprintf(w, "rejected: %s\n", queued.RejectReason)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "read the sale as the server recorded it")
	return cmd
}

type requeueResult struct {
	Kind     local.Kind `json:"kind"`
	Requeued int        `json:"requeued"`
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "requeue [reference...]",
		Short: "Move rejected items back to pending",
		Long: `Return rejected sales or stock adjustments to the upload queue. Without
references every rejected item of the kind is requeued.

Example:
  kasir-terminal requeue --kind sale S-01J9Z3
  kasir-terminal requeue --kind adjustment`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k := local.Kind(kind)
			if k != local.KindSale && k != local.KindAdjustment {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be sale or adjustment", kind))
			}

			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.store.Requeue(cmd.Context(), k, args)
			if err != nil {
				return commandError(err)
			}
			result := requeueResult{Kind: k, Requeued: n}
			return env.out.Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %d %s item(s)\n", n, k)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(local.KindSale), "queue to requeue (sale|adjustment)")
	return cmd
}

func printSale(w io.Writer, sale domain.Sale, syncState string) {
	fmt.Fprintf(w, "%s  %s  %s  total %s", sale.Reference, sale.Status, sale.PaymentMethod, domain.FormatCents(sale.TotalCents))
	if syncState != "" {
		fmt.Fprintf(w, "  [%s]", syncState)
	}
	fmt.Fprintln(w)
	for _, item := range sale.Items {
		fmt.Fprintf(w, "  %d. %s x %s @ %s = %s\n", item.LineNo, item.ProductName,
			item.Quantity.String(), domain.FormatCents(item.PriceCents), domain.FormatCents(item.SubtotalCents))
	}
	if sale.ChangeCents > 0 {
		fmt.Fprintf(w, "  paid %s, change %s\n", domain.FormatCents(sale.PaidCents), domain.FormatCents(sale.ChangeCents))
	}
}

// commandError maps rejections of the operator's input to ExitCommandError.
func commandError(err error) error {
	for _, target := range []error{
		local.ErrNotFound, local.ErrInvalidInput, local.ErrInvalidTransition, local.ErrDuplicateReference,
		pos.ErrInvalidSale, pos.ErrProductUnavailable, pos.ErrInsufficientStock, pos.ErrInsufficientCash,
	} {
		if errors.Is(err, target) {
			return WrapExitError(ExitCommandError, "rejected", err)
		}
	}
	return err
}
