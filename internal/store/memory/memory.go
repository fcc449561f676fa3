package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

// Store is an in-process Repository used for development and tests.
// A single mutex makes every method one atomic unit, which is the
// in-memory equivalent of the postgres transactions.
type Store struct {
	mu              sync.RWMutex
	settings        domain.Settings
	categories      map[int64]domain.Category
	products        map[int64]domain.Product
	categoryVersion int64
	productVersion  int64
	nextCategoryID  int64
	nextProductID   int64
	nextSaleID      int64
	salesByRef      map[string]*domain.Sale
	movements       []domain.StockMovement
	movementIDByRef map[string]int64
	// stock version each ledger row was folded in at, keyed by movement id
	movementVersion map[int64]int64
}

func New() *Store {
	return &Store{
		settings:        domain.DefaultSettings(),
		categories:      make(map[int64]domain.Category),
		products:        make(map[int64]domain.Product),
		salesByRef:      make(map[string]*domain.Sale),
		movements:       make([]domain.StockMovement, 0, 256),
		movementIDByRef: make(map[string]int64),
		movementVersion: make(map[int64]int64),
	}
}

// NewSeeded returns a store holding a small demo catalog. Opening stock is
// written through the ledger like any other stock change.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	groups := []struct {
		name     string
		products []domain.Product
		stock    []string
	}{
		{
			name: "Grocery",
			products: []domain.Product{
				{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Unit: "pcs", PriceCents: 3500, CostPriceCents: 2700},
				{SKU: "SKU-GULA-01", Name: "Gula Pasir", Unit: "kg", PriceCents: 17400, CostPriceCents: 15300},
			},
			stock: []string{"120", "40.5"},
		},
		{
			name: "Beverage",
			products: []domain.Product{
				{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Unit: "pcs", PriceCents: 2600, CostPriceCents: 1700},
				{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Unit: "pcs", PriceCents: 3900, CostPriceCents: 3200},
			},
			stock: []string{"200", "96"},
		},
	}

	for _, group := range groups {
		category, err := s.CreateCategory(ctx, domain.Category{ExternalID: xid.Reference(), Name: group.name})
		if err != nil {
			panic(fmt.Sprintf("memory seed category %s: %v", group.name, err))
		}
		for i, product := range group.products {
			product.CategoryID = category.ID
			product.ExternalID = xid.Reference()
			product.Active = true
			initial := &domain.StockMovement{
				Reference: xid.Reference(),
				Quantity:  decimal.RequireFromString(group.stock[i]),
				Source:    domain.SourceInitial,
				Note:      "seed",
			}
			if _, err := s.CreateProduct(ctx, product, initial); err != nil {
				panic(fmt.Sprintf("memory seed product %s: %v", product.SKU, err))
			}
		}
	}
	return s
}

func (s *Store) LoadSettings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// SetSettings overrides the settings row.
func (s *Store) SetSettings(settings domain.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || category.ExternalID == "" {
		return nil, store.ErrInvalidInput
	}
	for _, existing := range s.categories {
		if existing.ExternalID == category.ExternalID {
			return nil, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	s.nextCategoryID++
	s.categoryVersion = store.NextVersion(now, s.categoryVersion)
	category.ID = s.nextCategoryID
	category.Version = s.categoryVersion
	category.UpdatedAt = now
	category.DeletedAt = nil
	s.categories[category.ID] = category

	created := category
	return &created, nil
}

func (s *Store) UpdateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.categories[category.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	name := strings.TrimSpace(category.Name)
	if name == "" {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	s.categoryVersion = store.NextVersion(now, s.categoryVersion)
	current.Name = name
	current.Version = s.categoryVersion
	current.UpdatedAt = now
	s.categories[current.ID] = current

	updated := current
	return &updated, nil
}

func (s *Store) SetCategoryDeleted(_ context.Context, id int64, deleted bool) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if (current.DeletedAt != nil) == deleted {
		unchanged := current
		return &unchanged, nil
	}

	now := time.Now().UTC()
	s.categoryVersion = store.NextVersion(now, s.categoryVersion)
	current.Version = s.categoryVersion
	current.UpdatedAt = now
	current.DeletedAt = nil
	if deleted {
		current.DeletedAt = &now
	}
	s.categories[id] = current

	result := current
	return &result, nil
}

func (s *Store) GetCategory(_ context.Context, id int64) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &category, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateProductLocked(product); err != nil {
		return nil, err
	}
	for _, existing := range s.products {
		if existing.ExternalID == product.ExternalID || existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}
	if initial != nil {
		if initial.Reference == "" {
			return nil, store.ErrInvalidInput
		}
		if _, exists := s.movementIDByRef[initial.Reference]; exists {
			return nil, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	s.nextProductID++
	product.ID = s.nextProductID
	product.Stock = decimal.Zero
	product.UpdatedAt = now
	product.DeletedAt = nil
	var initialID int64
	if initial != nil && !initial.Quantity.IsZero() {
		movement := *initial
		movement.ProductID = product.ID
		movement.Quantity = domain.NormalizeQuantity(movement.Quantity)
		if movement.CreatedAt.IsZero() {
			movement.CreatedAt = now
		}
		initialID = s.appendMovementLocked(movement)
		product.Stock = movement.Quantity
	}
	s.productVersion = store.NextVersion(now, s.productVersion)
	product.Version = s.productVersion
	s.products[product.ID] = product
	if initialID != 0 {
		s.movementVersion[initialID] = product.Version
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.ExternalID = current.ExternalID
	if err := s.validateProductLocked(product); err != nil {
		return nil, err
	}
	for id, existing := range s.products {
		if id != product.ID && existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	s.productVersion = store.NextVersion(now, s.productVersion)
	current.CategoryID = product.CategoryID
	current.SKU = product.SKU
	current.Name = product.Name
	current.Unit = product.Unit
	current.PriceCents = product.PriceCents
	current.CostPriceCents = product.CostPriceCents
	current.Active = product.Active
	current.Version = s.productVersion
	current.UpdatedAt = now
	s.products[current.ID] = current

	updated := current
	return &updated, nil
}

func (s *Store) SetProductDeleted(_ context.Context, id int64, deleted bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Deleted() == deleted {
		unchanged := current
		return &unchanged, nil
	}

	now := time.Now().UTC()
	s.productVersion = store.NextVersion(now, s.productVersion)
	current.Version = s.productVersion
	current.UpdatedAt = now
	current.DeletedAt = nil
	if deleted {
		current.DeletedAt = &now
	}
	s.products[id] = current

	result := current
	return &result, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, includeDeleted bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Deleted() && !includeDeleted {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int { return cmpInt64(a.ID, b.ID) })
	return products, nil
}

func (s *Store) ListCategories(_ context.Context, includeDeleted bool) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if c.DeletedAt != nil && !includeDeleted {
			continue
		}
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int { return cmpInt64(a.ID, b.ID) })
	return categories, nil
}

func (s *Store) ProductsChangedSince(_ context.Context, version int64, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changed := make([]domain.Product, 0, 32)
	for _, p := range s.products {
		if p.Version > version {
			changed = append(changed, p)
		}
	}
	slices.SortFunc(changed, func(a, b domain.Product) int { return cmpInt64(a.Version, b.Version) })
	return truncate(changed, limit), nil
}

func (s *Store) CategoriesChangedSince(_ context.Context, version int64, limit int) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changed := make([]domain.Category, 0, 16)
	for _, c := range s.categories {
		if c.Version > version {
			changed = append(changed, c)
		}
	}
	slices.SortFunc(changed, func(a, b domain.Category) int { return cmpInt64(a.Version, b.Version) })
	return truncate(changed, limit), nil
}

func (s *Store) IngestSale(_ context.Context, sale domain.Sale) (domain.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Reference == "" || len(sale.Items) == 0 {
		return domain.IngestResult{}, store.ErrInvalidInput
	}
	if existing, ok := s.salesByRef[sale.Reference]; ok {
		versions := make(map[int64]int64, len(existing.Items))
		for _, item := range existing.Items {
			id := s.movementIDByRef[domain.SaleLineReference(existing.Reference, item.LineNo)]
			versions[item.ProductID] = max(versions[item.ProductID], s.stockVersionLocked(id, item.ProductID))
		}
		return domain.IngestResult{ServerID: existing.ID, Duplicate: true, StockVersions: versions}, nil
	}
	for _, item := range sale.Items {
		if _, ok := s.products[item.ProductID]; !ok {
			return domain.IngestResult{}, fmt.Errorf("product %d: %w", item.ProductID, store.ErrUnknownProduct)
		}
		if _, ok := s.movementIDByRef[domain.SaleLineReference(sale.Reference, item.LineNo)]; ok {
			return domain.IngestResult{}, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	s.nextSaleID++
	sale.ID = s.nextSaleID
	sale.SyncedAt = &now
	sale.Items = slices.Clone(sale.Items)
	s.salesByRef[sale.Reference] = &sale

	versions := make(map[int64]int64, len(sale.Items))
	for _, item := range sale.Items {
		s.applyMovementLocked(domain.StockMovement{
			Reference:     domain.SaleLineReference(sale.Reference, item.LineNo),
			ProductID:     item.ProductID,
			Quantity:      domain.NormalizeQuantity(item.Quantity).Neg(),
			Source:        domain.SourceSale,
			SaleReference: sale.Reference,
			TerminalID:    sale.TerminalID,
			CreatedAt:     sale.CreatedAt,
		}, now)
		versions[item.ProductID] = s.productVersion
	}

	return domain.IngestResult{ServerID: sale.ID, StockVersions: versions}, nil
}

func (s *Store) IngestStockMovement(_ context.Context, movement domain.StockMovement) (domain.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.Reference == "" {
		return domain.IngestResult{}, store.ErrInvalidInput
	}
	if id, ok := s.movementIDByRef[movement.Reference]; ok {
		productID := s.movements[id-1].ProductID
		return domain.IngestResult{
			ServerID:      id,
			Duplicate:     true,
			StockVersions: map[int64]int64{productID: s.stockVersionLocked(id, productID)},
		}, nil
	}
	if _, ok := s.products[movement.ProductID]; !ok {
		return domain.IngestResult{}, fmt.Errorf("product %d: %w", movement.ProductID, store.ErrUnknownProduct)
	}

	now := time.Now().UTC()
	movement.Quantity = domain.NormalizeQuantity(movement.Quantity)
	id := s.applyMovementLocked(movement, now)

	if target := domain.StatusForSource(movement.Source); target != "" && movement.SaleReference != "" {
		if sale, ok := s.salesByRef[movement.SaleReference]; ok &&
			domain.SaleStatusRank(target) > domain.SaleStatusRank(sale.Status) {
			sale.Status = target
		}
	}

	return domain.IngestResult{ServerID: id, StockVersions: map[int64]int64{movement.ProductID: s.productVersion}}, nil
}

func (s *Store) FindSaleByReference(_ context.Context, reference string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByRef[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySale := *sale
	copySale.Items = slices.Clone(sale.Items)
	return &copySale, nil
}

// ListMovements returns the newest ledger rows for a product first.
func (s *Store) ListMovements(_ context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, store.ErrNotFound
	}
	rows := make([]domain.StockMovement, 0, 16)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].ProductID != productID {
			continue
		}
		rows = append(rows, s.movements[i])
		if limit > 0 && len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func (s *Store) ReconcileStock(_ context.Context, productID int64, repair bool) (domain.StockReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return domain.StockReconciliation{}, store.ErrNotFound
	}
	ledger := decimal.Zero
	for _, m := range s.movements {
		if m.ProductID == productID {
			ledger = ledger.Add(m.Quantity)
		}
	}

	result := domain.StockReconciliation{
		ProductID:   productID,
		CachedStock: product.Stock,
		LedgerStock: ledger,
		Drift:       product.Stock.Sub(ledger),
	}
	if repair && !result.Drift.IsZero() {
		now := time.Now().UTC()
		s.productVersion = store.NextVersion(now, s.productVersion)
		product.Stock = ledger
		product.Version = s.productVersion
		product.UpdatedAt = now
		s.products[productID] = product
		result.Repaired = true
	}
	return result, nil
}

// CorruptStock overwrites the cached stock without a ledger row. Tests use
// it to simulate drift.
func (s *Store) CorruptStock(productID int64, stock decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product, ok := s.products[productID]; ok {
		product.Stock = stock
		s.products[productID] = product
	}
}

func (s *Store) validateProductLocked(product domain.Product) error {
	if product.ExternalID == "" || strings.TrimSpace(product.SKU) == "" || strings.TrimSpace(product.Name) == "" {
		return store.ErrInvalidInput
	}
	if product.PriceCents < 0 || product.CostPriceCents < 0 {
		return store.ErrInvalidInput
	}
	if product.CategoryID != 0 {
		if _, ok := s.categories[product.CategoryID]; !ok {
			return store.ErrInvalidInput
		}
	}
	return nil
}

// applyMovementLocked appends a ledger row and folds it into the product's
// cached stock, bumping the product version.
func (s *Store) applyMovementLocked(movement domain.StockMovement, now time.Time) int64 {
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = now
	}
	id := s.appendMovementLocked(movement)

	product := s.products[movement.ProductID]
	s.productVersion = store.NextVersion(now, s.productVersion)
	product.Stock = product.Stock.Add(movement.Quantity)
	product.Version = s.productVersion
	product.UpdatedAt = now
	s.products[product.ID] = product
	s.movementVersion[id] = s.productVersion
	return id
}

// stockVersionLocked is the product version that first included a ledger row.
func (s *Store) stockVersionLocked(movementID int64, productID int64) int64 {
	if v, ok := s.movementVersion[movementID]; ok {
		return v
	}
	return s.products[productID].Version
}

func (s *Store) appendMovementLocked(movement domain.StockMovement) int64 {
	movement.ID = int64(len(s.movements) + 1)
	syncedAt := time.Now().UTC()
	movement.SyncedAt = &syncedAt
	s.movements = append(s.movements, movement)
	s.movementIDByRef[movement.Reference] = movement.ID
	return movement.ID
}

func truncate[T any](rows []T, limit int) []T {
	if limit <= 0 {
		limit = store.DefaultPullLimit
	}
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
