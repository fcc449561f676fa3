package pos

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/local"
)

func newTestRegister(t *testing.T) (*Register, *local.Store) {
	t.Helper()
	store, err := local.Open(filepath.Join(t.TempDir(), "till.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	require.NoError(t, store.MergeCatalogDelta(context.Background(), domain.CatalogDelta{
		Products: []domain.Product{
			{ID: 1, ExternalID: "p-1", SKU: "MIE", Name: "Mie Instan", Unit: "pcs", PriceCents: 3500, CostPriceCents: 2700,
				Stock: decimal.NewFromInt(10), Active: true, Version: 10, UpdatedAt: now},
			{ID: 2, ExternalID: "p-2", SKU: "GULA", Name: "Gula Pasir", Unit: "kg", PriceCents: 16000, CostPriceCents: 14000,
				Stock: decimal.RequireFromString("2.5"), Active: true, Version: 11, UpdatedAt: now},
			{ID: 3, ExternalID: "p-3", SKU: "OLD", Name: "Retired", Unit: "pcs", PriceCents: 100, CostPriceCents: 50,
				Stock: decimal.NewFromInt(5), Active: false, Version: 12, UpdatedAt: now},
		},
		ProductVersion: 12,
	}))
	return NewRegister(store, "till-1"), store
}

func TestCheckout_RecordsSnapshotAndProfit(t *testing.T) {
	reg, store := newTestRegister(t)
	ctx := context.Background()

	triggered := 0
	reg.OnRecorded(func() { triggered++ })

	sale, err := reg.Checkout(ctx, CheckoutRequest{
		Items: []CartItem{
			{ProductID: 1, Quantity: decimal.NewFromInt(2)},
			{ProductID: 2, Quantity: decimal.RequireFromString("0.333")},
			{ProductID: 1, Quantity: decimal.NewFromInt(1)},
		},
		CashReceivedCents: 20000,
	})
	require.NoError(t, err)
	require.Equal(t, 1, triggered)

	require.Len(t, sale.Items, 2, "lines for the same product merge")
	require.Equal(t, int64(1), sale.Items[0].ProductID)
	require.True(t, sale.Items[0].Quantity.Equal(decimal.NewFromInt(3)))
	require.Equal(t, int64(10500), sale.Items[0].SubtotalCents)
	require.Equal(t, int64(2400), sale.Items[0].TotalProfitCents)

	// 16000 × 0.333 = 5328, cost 14000 × 0.333 = 4662
	require.Equal(t, int64(5328), sale.Items[1].SubtotalCents)
	require.Equal(t, int64(666), sale.Items[1].TotalProfitCents)

	require.Equal(t, int64(15828), sale.TotalCents)
	require.Equal(t, int64(20000), sale.PaidCents)
	require.Equal(t, int64(4172), sale.ChangeCents)
	require.Equal(t, domain.SaleStatusPaid, sale.Status)
	require.Equal(t, "till-1", sale.TerminalID)

	stock, err := store.LocalStock(ctx, 1)
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(7)))

	queued, err := store.ListUnsyncedSales(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, sale.Reference, queued[0].Reference)
}

func TestCheckout_Rejections(t *testing.T) {
	reg, store := newTestRegister(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CheckoutRequest
		want error
	}{
		{"empty cart", CheckoutRequest{CashReceivedCents: 100}, ErrInvalidSale},
		{"zero quantity", CheckoutRequest{Items: []CartItem{{ProductID: 1, Quantity: decimal.Zero}}}, ErrInvalidSale},
		{"too precise", CheckoutRequest{Items: []CartItem{{ProductID: 2, Quantity: decimal.RequireFromString("0.0001")}}}, ErrInvalidSale},
		{"unknown payment", CheckoutRequest{Items: []CartItem{{ProductID: 1, Quantity: decimal.NewFromInt(1)}}, PaymentMethod: "barter"}, ErrInvalidSale},
		{"unknown product", CheckoutRequest{Items: []CartItem{{ProductID: 99, Quantity: decimal.NewFromInt(1)}}, PaymentMethod: "card"}, ErrProductUnavailable},
		{"inactive product", CheckoutRequest{Items: []CartItem{{ProductID: 3, Quantity: decimal.NewFromInt(1)}}, PaymentMethod: "card"}, ErrProductUnavailable},
		{"not enough stock", CheckoutRequest{Items: []CartItem{{ProductID: 1, Quantity: decimal.NewFromInt(11)}}, PaymentMethod: "card"}, ErrInsufficientStock},
		{"short cash", CheckoutRequest{Items: []CartItem{{ProductID: 1, Quantity: decimal.NewFromInt(1)}}, CashReceivedCents: 3000}, ErrInsufficientCash},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Checkout(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	stats, err := store.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.PendingSales)
}

func TestCheckout_NonCashIsPaidExactly(t *testing.T) {
	reg, _ := newTestRegister(t)

	sale, err := reg.Checkout(context.Background(), CheckoutRequest{
		Items:         []CartItem{{ProductID: 1, Quantity: decimal.NewFromInt(1)}},
		PaymentMethod: "QRIS",
	})
	require.NoError(t, err)
	require.Equal(t, "qris", sale.PaymentMethod)
	require.Equal(t, sale.TotalCents, sale.PaidCents)
	require.Equal(t, int64(0), sale.ChangeCents)
}

func TestRefund_ReturnsStockOnce(t *testing.T) {
	reg, store := newTestRegister(t)
	ctx := context.Background()

	sale, err := reg.Checkout(ctx, CheckoutRequest{
		Items:         []CartItem{{ProductID: 1, Quantity: decimal.NewFromInt(4)}},
		PaymentMethod: "card",
	})
	require.NoError(t, err)

	refunded, err := reg.Refund(ctx, sale.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusRefunded, refunded.Status)

	_, err = reg.Refund(ctx, sale.Reference)
	require.ErrorIs(t, err, local.ErrInvalidTransition)
	_, err = reg.Cancel(ctx, sale.Reference)
	require.ErrorIs(t, err, local.ErrInvalidTransition)

	stock, err := store.LocalStock(ctx, 1)
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(10)), "local stock %s", stock)

	got, err := store.GetSale(ctx, sale.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStatusRefunded, got.Status)
}

func TestCancel_UnknownSale(t *testing.T) {
	reg, _ := newTestRegister(t)
	_, err := reg.Cancel(context.Background(), "no-such-sale")
	require.ErrorIs(t, err, local.ErrNotFound)
}

func TestAdjustStock(t *testing.T) {
	reg, store := newTestRegister(t)
	ctx := context.Background()

	movement, err := reg.AdjustStock(ctx, 2, decimal.RequireFromString("-0.5"), "", "spilled")
	require.NoError(t, err)
	require.Equal(t, domain.SourceAdjustment, movement.Source)

	_, err = reg.AdjustStock(ctx, 2, decimal.NewFromInt(5), domain.SourcePurchase, "supplier delivery")
	require.NoError(t, err)

	stock, err := store.LocalStock(ctx, 2)
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(7)), "local stock %s", stock)

	_, err = reg.AdjustStock(ctx, 99, decimal.NewFromInt(1), "", "")
	require.ErrorIs(t, err, ErrProductUnavailable)

	_, err = reg.AdjustStock(ctx, 2, decimal.NewFromInt(1), domain.SourceSale, "")
	require.ErrorIs(t, err, local.ErrInvalidInput)
}
