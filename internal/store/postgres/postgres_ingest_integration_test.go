package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIR_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIR_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func createIntegrationProduct(t *testing.T, s *Store, stock int64) *domain.Product {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	product, err := s.CreateProduct(ctx, domain.Product{
		ExternalID:     xid.Reference(),
		SKU:            fmt.Sprintf("SKU-SYNC-IT-%d", stamp),
		Name:           "Produk Sync IT",
		Unit:           "pcs",
		PriceCents:     12000,
		CostPriceCents: 9000,
		Active:         true,
	}, &domain.StockMovement{
		Reference: xid.Reference(),
		Quantity:  decimal.NewFromInt(stock),
		Source:    domain.SourceInitial,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE reference IN (
			SELECT sale_reference FROM stock_movements WHERE product_id = $1 AND source = 'sale'
		)`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return product
}

func integrationSale(terminal string, productID int64, qty int64) domain.Sale {
	return domain.Sale{
		Reference:     xid.Reference(),
		TerminalID:    terminal,
		Status:        domain.SaleStatusPaid,
		PaymentMethod: "cash",
		TotalCents:    12000 * qty,
		PaidCents:     12000 * qty,
		CreatedAt:     time.Now().UTC(),
		Items: []domain.SaleItem{{
			LineNo:           1,
			ProductID:        productID,
			ProductName:      "Produk Sync IT",
			PriceCents:       12000,
			CostPriceCents:   9000,
			Quantity:         decimal.NewFromInt(qty),
			SubtotalCents:    12000 * qty,
			TotalProfitCents: 3000 * qty,
		}},
	}
}

func TestIngestSaleIsIdempotentAndAtomic(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s, 10)

	sale := integrationSale("T-IT-1", product.ID, 3)
	first, err := s.IngestSale(ctx, sale)
	if err != nil {
		t.Fatalf("ingest sale: %v", err)
	}
	second, err := s.IngestSale(ctx, sale)
	if err != nil {
		t.Fatalf("re-ingest sale: %v", err)
	}
	if !second.Duplicate || second.ServerID != first.ServerID {
		t.Fatalf("expected duplicate of %d, got %+v", first.ServerID, second)
	}

	got, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected stock 7, got %s", got.Stock)
	}
	if got.Version <= product.Version {
		t.Fatalf("expected version bump above %d, got %d", product.Version, got.Version)
	}

	rows, err := s.ListMovements(ctx, product.ID, 0)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(rows) != 2 || !rows[0].Quantity.Equal(decimal.NewFromInt(-3)) {
		t.Fatalf("expected initial row plus one -3 row, got %+v", rows)
	}

	bad := integrationSale("T-IT-1", product.ID, 1)
	bad.Items = append(bad.Items, domain.SaleItem{LineNo: 2, ProductID: -1, Quantity: decimal.NewFromInt(1)})
	if _, err := s.IngestSale(ctx, bad); !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if _, err := s.FindSaleByReference(ctx, bad.Reference); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rejected sale to leave no row, got %v", err)
	}
}

func TestDuplicateSaleAckKeepsRecordedStockVersion(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s, 10)

	sale := integrationSale("T-IT-1", product.ID, 3)
	first, err := s.IngestSale(ctx, sale)
	if err != nil {
		t.Fatalf("ingest sale: %v", err)
	}

	current, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	current.Name = "Produk Sync IT Baru"
	renamed, err := s.UpdateProduct(ctx, *current)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	second, err := s.IngestSale(ctx, sale)
	if err != nil {
		t.Fatalf("re-ingest sale: %v", err)
	}
	if got, want := second.StockVersions[product.ID], first.StockVersions[product.ID]; got != want {
		t.Fatalf("expected recorded stock version %d, got %d (product at %d)", want, got, renamed.Version)
	}
}

func TestConcurrentTerminalsBothDecrementStock(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s, 10)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, terminal := range []string{"T-IT-A", "T-IT-B"} {
		wg.Add(1)
		go func(terminal string) {
			defer wg.Done()
			_, err := s.IngestSale(ctx, integrationSale(terminal, product.ID, 2))
			errs <- err
		}(terminal)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	report, err := s.ReconcileStock(ctx, product.ID, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.CachedStock.Equal(decimal.NewFromInt(6)) || !report.Drift.IsZero() {
		t.Fatalf("expected stock 6 without drift, got %+v", report)
	}
}

func TestRefundReplayCreditsOnce(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	product := createIntegrationProduct(t, s, 10)

	sale := integrationSale("T-IT-1", product.ID, 2)
	if _, err := s.IngestSale(ctx, sale); err != nil {
		t.Fatalf("ingest sale: %v", err)
	}
	refund := domain.StockMovement{
		Reference:     xid.Reference(),
		ProductID:     product.ID,
		Quantity:      decimal.NewFromInt(2),
		Source:        domain.SourceRefund,
		SaleReference: sale.Reference,
		TerminalID:    "T-IT-1",
	}
	for i := 0; i < 2; i++ {
		if _, err := s.IngestStockMovement(ctx, refund); err != nil {
			t.Fatalf("ingest refund %d: %v", i, err)
		}
	}

	got, _ := s.GetProduct(ctx, product.ID)
	if !got.Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10, got %s", got.Stock)
	}
	stored, err := s.FindSaleByReference(ctx, sale.Reference)
	if err != nil {
		t.Fatalf("find sale: %v", err)
	}
	if stored.Status != domain.SaleStatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
}
