package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

func newProduct(t *testing.T, s *Store, stock string) domain.Product {
	t.Helper()
	created, err := s.CreateProduct(context.Background(), domain.Product{
		ExternalID: xid.Reference(),
		SKU:        xid.New("sku"),
		Name:       "Kopi",
		Unit:       "pcs",
		PriceCents: 2500,
		Active:     true,
	}, &domain.StockMovement{Reference: xid.Reference(), Quantity: decimal.RequireFromString(stock), Source: domain.SourceInitial})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return *created
}

func saleOf(productID int64, qty string) domain.Sale {
	return domain.Sale{
		Reference:  xid.Reference(),
		TerminalID: "t-1",
		Status:     domain.SaleStatusPaid,
		CreatedAt:  time.Now().UTC(),
		Items: []domain.SaleItem{{
			LineNo:    1,
			ProductID: productID,
			Quantity:  decimal.RequireFromString(qty),
		}},
	}
}

func TestConcurrentSalesNeverLoseStockUpdates(t *testing.T) {
	s := New()
	product := newProduct(t, s, "100")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IngestSale(context.Background(), saleOf(product.ID, "2")); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected stock 20, got %s", got.Stock)
	}
	rows, _ := s.ListMovements(context.Background(), product.ID, 0)
	if len(rows) != 41 {
		t.Fatalf("expected 41 ledger rows, got %d", len(rows))
	}
}

func TestIngestSaleDuplicateWritesNothing(t *testing.T) {
	s := New()
	product := newProduct(t, s, "10")
	sale := saleOf(product.ID, "3")

	first, err := s.IngestSale(context.Background(), sale)
	if err != nil || first.Duplicate {
		t.Fatalf("unexpected first ingest: %+v %v", first, err)
	}
	second, err := s.IngestSale(context.Background(), sale)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.ServerID != first.ServerID {
		t.Fatalf("expected duplicate of %d, got %+v", first.ServerID, second)
	}

	got, _ := s.GetProduct(context.Background(), product.ID)
	if !got.Stock.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected stock 7, got %s", got.Stock)
	}
}

func TestIngestSaleUnknownProductCommitsNothing(t *testing.T) {
	s := New()
	product := newProduct(t, s, "10")
	sale := saleOf(product.ID, "1")
	sale.Items = append(sale.Items, domain.SaleItem{LineNo: 2, ProductID: 999, Quantity: decimal.NewFromInt(1)})

	_, err := s.IngestSale(context.Background(), sale)
	if !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if _, err := s.FindSaleByReference(context.Background(), sale.Reference); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale to be absent, got %v", err)
	}
	got, _ := s.GetProduct(context.Background(), product.ID)
	if !got.Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock untouched, got %s", got.Stock)
	}
}

func TestRefundMovesSaleStatusForwardOnce(t *testing.T) {
	s := New()
	product := newProduct(t, s, "10")
	sale := saleOf(product.ID, "2")
	if _, err := s.IngestSale(context.Background(), sale); err != nil {
		t.Fatalf("ingest sale: %v", err)
	}

	refund := domain.StockMovement{
		Reference:     xid.Reference(),
		ProductID:     product.ID,
		Quantity:      decimal.NewFromInt(2),
		Source:        domain.SourceRefund,
		SaleReference: sale.Reference,
	}
	for i := 0; i < 2; i++ {
		if _, err := s.IngestStockMovement(context.Background(), refund); err != nil {
			t.Fatalf("ingest refund %d: %v", i, err)
		}
	}

	got, _ := s.GetProduct(context.Background(), product.ID)
	if !got.Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after one refund credit, got %s", got.Stock)
	}
	stored, _ := s.FindSaleByReference(context.Background(), sale.Reference)
	if stored.Status != domain.SaleStatusRefunded {
		t.Fatalf("expected refunded status, got %s", stored.Status)
	}
}

func TestDuplicateAcksCarryRecordedStockVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "10")
	sale := saleOf(product.ID, "3")
	adjustment := domain.StockMovement{
		Reference: xid.Reference(),
		ProductID: product.ID,
		Quantity:  decimal.NewFromInt(-1),
		Source:    domain.SourceAdjustment,
	}

	first, err := s.IngestSale(ctx, sale)
	if err != nil {
		t.Fatalf("ingest sale: %v", err)
	}
	firstAdj, err := s.IngestStockMovement(ctx, adjustment)
	if err != nil {
		t.Fatalf("ingest adjustment: %v", err)
	}

	// A rename moves the product version past both ledger rows.
	current, _ := s.GetProduct(ctx, product.ID)
	current.Name = "Kopi Tubruk"
	renamed, err := s.UpdateProduct(ctx, *current)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	again, err := s.IngestSale(ctx, sale)
	if err != nil || !again.Duplicate {
		t.Fatalf("expected duplicate sale ack, got %+v %v", again, err)
	}
	if got, want := again.StockVersions[product.ID], first.StockVersions[product.ID]; got != want {
		t.Fatalf("duplicate sale ack: want stock version %d, got %d (product at %d)", want, got, renamed.Version)
	}

	againAdj, err := s.IngestStockMovement(ctx, adjustment)
	if err != nil || !againAdj.Duplicate {
		t.Fatalf("expected duplicate adjustment ack, got %+v %v", againAdj, err)
	}
	if got, want := againAdj.StockVersions[product.ID], firstAdj.StockVersions[product.ID]; got != want {
		t.Fatalf("duplicate adjustment ack: want stock version %d, got %d (product at %d)", want, got, renamed.Version)
	}
}

func TestVersionsIncreaseAcrossMutations(t *testing.T) {
	s := New()
	product := newProduct(t, s, "1")
	last := product.Version

	steps := []func() (*domain.Product, error){
		func() (*domain.Product, error) {
			product.Name = "Kopi Susu"
			return s.UpdateProduct(context.Background(), product)
		},
		func() (*domain.Product, error) { return s.SetProductDeleted(context.Background(), product.ID, true) },
		func() (*domain.Product, error) { return s.SetProductDeleted(context.Background(), product.ID, false) },
	}
	for i, step := range steps {
		got, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Version <= last {
			t.Fatalf("step %d: version %d not above %d", i, got.Version, last)
		}
		last = got.Version
	}

	changed, _ := s.ProductsChangedSince(context.Background(), last, 0)
	if len(changed) != 0 {
		t.Fatalf("expected nothing after latest version, got %d rows", len(changed))
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	s := New()
	product := newProduct(t, s, "10")
	s.CorruptStock(product.ID, decimal.NewFromInt(4))

	report, err := s.ReconcileStock(context.Background(), product.ID, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Drift.Equal(decimal.NewFromInt(-6)) || !report.Repaired {
		t.Fatalf("unexpected report %+v", report)
	}
	got, _ := s.GetProduct(context.Background(), product.ID)
	if !got.Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected repaired stock 10, got %s", got.Stock)
	}
}

func TestNewSeededLedgerMatchesStock(t *testing.T) {
	s := NewSeeded()
	products, _ := s.ListProducts(context.Background(), false)
	if len(products) == 0 {
		t.Fatal("expected seeded products")
	}
	for _, p := range products {
		report, err := s.ReconcileStock(context.Background(), p.ID, false)
		if err != nil {
			t.Fatalf("reconcile %d: %v", p.ID, err)
		}
		if !report.Drift.IsZero() {
			t.Fatalf("product %d drifted by %s", p.ID, report.Drift)
		}
	}
}
