package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/pos"
)

// NewProductsCommand creates the products command.
func NewProductsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List sellable products with their local stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			products, err := env.store.ActiveProducts(cmd.Context())
			if err != nil {
				return err
			}
			return env.out.Success(products, func(w io.Writer) {
				if len(products) == 0 {
					fmt.Fprintln(w, "no products; run pull first")
					return
				}
				for _, p := range products {
					fmt.Fprintf(w, "%6d  %-12s  %-28s  %10s  stock %s %s\n",
						p.ID, p.SKU, p.Name, domain.FormatCents(p.PriceCents), p.Stock.String(), p.Unit)
				}
			})
		},
	}
}

// NewSellCommand creates the sell command.
func NewSellCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		items   []string
		payment string
		cash    int64
	)

	cmd := &cobra.Command{
		Use:   "sell",
		Short: "Record a sale in the local queue",
		Long: `Price the cart from the local catalog and record a paid sale. The sale is
stored locally first and uploaded on the next push.

Example:
  kasir-terminal sell --item 7:3 --item 12:0.5 --cash 50000
  kasir-terminal sell --item 7:1 --payment qris`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cart, err := parseCart(items)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --item", err)
			}

			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			sale, err := env.register.Checkout(cmd.Context(), pos.CheckoutRequest{
				Items:             cart,
				PaymentMethod:     payment,
				CashReceivedCents: cash,
			})
			if err != nil {
				return commandError(err)
			}
			return env.out.Success(sale, func(w io.Writer) {
				printSale(w, sale, "pending")
			})
		},
	}

	cmd.Flags().StringArrayVar(&items, "item", nil, "cart line as <product-id>:<quantity> (repeatable)")
	cmd.Flags().StringVar(&payment, "payment", "cash", "payment method (cash|card|qris|ewallet)")
	cmd.Flags().Int64Var(&cash, "cash", 0, "cash received in minor units")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

// NewRefundCommand creates the refund command.
func NewRefundCommand(rootOpts *RootOptions) *cobra.Command {
	return newReverseCommand(rootOpts, "refund", "Refund a paid sale and return its stock", (*pos.Register).Refund)
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return newReverseCommand(rootOpts, "cancel", "Void a paid sale and return its stock", (*pos.Register).Cancel)
}

func newReverseCommand(rootOpts *RootOptions, name string, short string, reverse func(*pos.Register, context.Context, string) (domain.Sale, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <reference>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			sale, err := reverse(env.register, cmd.Context(), args[0])
			if err != nil {
				return commandError(err)
			}
			return env.out.Success(sale, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", sale.Reference, sale.Status)
			})
		},
	}
}

// NewAdjustCommand creates the adjust command.
func NewAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		source string
		note   string
	)

	cmd := &cobra.Command{
		Use:   "adjust <product-id> <quantity>",
		Short: "Record a stock correction or goods receipt",
		Long: `Record a signed stock movement for a product. Positive quantities add
stock, negative ones remove it.

Example:
  kasir-terminal adjust 7 24 --source purchase --note "supplier delivery"
  kasir-terminal adjust --note damaged -- 7 -1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || productID < 1 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid product id %q", args[0]))
			}
			qty, err := decimal.NewFromString(args[1])
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid quantity %q", args[1]))
			}

			env, err := openTerminal(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			movement, err := env.register.AdjustStock(cmd.Context(), productID, qty, source, note)
			if err != nil {
				return commandError(err)
			}
			return env.out.Success(movement, func(w io.Writer) {
				fmt.Fprintf(w, "%s  product %d  %s (%s)\n", movement.Reference, movement.ProductID, movement.Quantity.String(), movement.Source)
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", domain.SourceAdjustment, "movement source (adjustment|purchase)")
	cmd.Flags().StringVar(&note, "note", "", "free-text note")
	return cmd
}

func parseCart(items []string) ([]pos.CartItem, error) {
	cart := make([]pos.CartItem, 0, len(items))
	for _, raw := range items {
		idPart, qtyPart, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("%q: expected <product-id>:<quantity>", raw)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: product id: %w", raw, err)
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(qtyPart))
		if err != nil {
			return nil, fmt.Errorf("%q: quantity: %w", raw, err)
		}
		cart = append(cart, pos.CartItem{ProductID: id, Quantity: qty})
	}
	if len(cart) == 0 {
		return nil, errors.New("at least one item is required")
	}
	return cart, nil
}
