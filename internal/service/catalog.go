package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

// FullSync returns the catalog rows whose version is above the request cursors,
// ordered by version. Deleted rows come back as tombstones. On a bootstrap pull
// (cursor 0) tombstones are left out unless IncludeDeleted is set, since the
// terminal has nothing to delete yet. The cursors always advance past every
// row examined, including skipped tombstones.
func (s *Service) FullSync(ctx context.Context, req domain.CatalogPullRequest) (domain.CatalogDelta, error) {
	if req.ProductVersion < 0 || req.CategoryVersion < 0 {
		return domain.CatalogDelta{}, invalidf("cursors must not be negative")
	}
	req.Limit = pullLimit(req.Limit, SettingsFromContext(ctx))

	generation, err := s.catalogCache.Generation(ctx)
	cacheKey := ""
	if err != nil {
		s.logger.WarnContext(ctx, "catalog cache generation unavailable", "error", err)
	} else {
		cacheKey = fmt.Sprintf("kasir:catalog:%d:%d:%d:%t:%d",
			generation, req.ProductVersion, req.CategoryVersion, req.IncludeDeleted, req.Limit)
		cached, ok, err := s.catalogCache.Get(ctx, cacheKey)
		if err != nil {
			s.logger.WarnContext(ctx, "catalog cache read failed", "error", err)
		} else if ok {
			return *cached, nil
		}
	}

	products, err := s.repo.ProductsChangedSince(ctx, req.ProductVersion, req.Limit)
	if err != nil {
		return domain.CatalogDelta{}, err
	}
	categories, err := s.repo.CategoriesChangedSince(ctx, req.CategoryVersion, req.Limit)
	if err != nil {
		return domain.CatalogDelta{}, err
	}

	delta := domain.CatalogDelta{
		Products:        make([]domain.Product, 0, len(products)),
		Categories:      make([]domain.Category, 0, len(categories)),
		Tombstones:      make([]domain.Tombstone, 0),
		ProductVersion:  req.ProductVersion,
		CategoryVersion: req.CategoryVersion,
		HasMore:         len(products) == req.Limit || len(categories) == req.Limit,
	}

	keepProductTombstones := req.ProductVersion > 0 || req.IncludeDeleted
	for _, p := range products {
		delta.ProductVersion = p.Version
		if p.DeletedAt == nil {
			delta.Products = append(delta.Products, p)
			continue
		}
		if keepProductTombstones {
			delta.Tombstones = append(delta.Tombstones, domain.Tombstone{
				Entity: domain.EntityProduct, ID: p.ID, ExternalID: p.ExternalID, Version: p.Version, DeletedAt: *p.DeletedAt,
			})
		}
	}

	keepCategoryTombstones := req.CategoryVersion > 0 || req.IncludeDeleted
	for _, c := range categories {
		delta.CategoryVersion = c.Version
		if c.DeletedAt == nil {
			delta.Categories = append(delta.Categories, c)
			continue
		}
		if keepCategoryTombstones {
			delta.Tombstones = append(delta.Tombstones, domain.Tombstone{
				Entity: domain.EntityCategory, ID: c.ID, ExternalID: c.ExternalID, Version: c.Version, DeletedAt: *c.DeletedAt,
			})
		}
	}

	if cacheKey != "" {
		if err := s.catalogCache.Set(ctx, cacheKey, &delta, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "catalog cache write failed", "error", err)
		}
	}
	return delta, nil
}

func (s *Service) ListProducts(ctx context.Context, includeDeleted bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeDeleted)
}

func (s *Service) ListCategories(ctx context.Context, includeDeleted bool) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx, includeDeleted)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, invalidf("sku and name are required")
	}
	if req.PriceCents < 0 || req.CostPriceCents < 0 {
		return domain.Product{}, invalidf("prices must not be negative")
	}
	if req.InitialStock.IsNegative() || !domain.ValidQuantityScale(req.InitialStock) {
		return domain.Product{}, invalidf("initial_stock must be non-negative with at most %d decimals", domain.QuantityScale)
	}
	if req.Unit == "" {
		req.Unit = "pcs"
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		externalID = xid.Reference()
	}

	var initial *domain.StockMovement
	if req.InitialStock.IsPositive() {
		initial = &domain.StockMovement{
			Reference: xid.Reference(),
			Quantity:  req.InitialStock,
			Source:    domain.SourceInitial,
			Note:      "initial stock",
		}
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ExternalID:     externalID,
		CategoryID:     req.CategoryID,
		SKU:            req.SKU,
		Name:           req.Name,
		Unit:           req.Unit,
		PriceCents:     req.PriceCents,
		CostPriceCents: req.CostPriceCents,
		Active:         true,
	}, initial)
	if err != nil {
		return domain.Product{}, err
	}

	s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityProduct, ID: created.ID, Action: ActionCreate})
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.CategoryID != nil {
		updated.CategoryID = *req.CategoryID
	}
	if req.SKU != nil {
		updated.SKU = strings.ToUpper(strings.TrimSpace(*req.SKU))
	}
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.PriceCents != nil {
		updated.PriceCents = *req.PriceCents
	}
	if req.CostPriceCents != nil {
		updated.CostPriceCents = *req.CostPriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if updated.SKU == "" || updated.Name == "" {
		return domain.Product{}, invalidf("sku and name are required")
	}
	if updated.PriceCents < 0 || updated.CostPriceCents < 0 {
		return domain.Product{}, invalidf("prices must not be negative")
	}

	result, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityProduct, ID: result.ID, Action: ActionUpdate})
	return *result, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) (domain.Product, error) {
	return s.setProductDeleted(ctx, id, true)
}

func (s *Service) RestoreProduct(ctx context.Context, id int64) (domain.Product, error) {
	return s.setProductDeleted(ctx, id, false)
}

func (s *Service) setProductDeleted(ctx context.Context, id int64, deleted bool) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	before, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	result, err := s.repo.SetProductDeleted(ctx, id, deleted)
	if err != nil {
		return domain.Product{}, err
	}
	if result.Version != before.Version {
		action := ActionRestore
		if deleted {
			action = ActionDelete
		}
		s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityProduct, ID: id, Action: action})
	}
	return *result, nil
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryRequest) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, invalidf("name is required")
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		externalID = xid.Reference()
	}

	created, err := s.repo.CreateCategory(ctx, domain.Category{ExternalID: externalID, Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityCategory, ID: created.ID, Action: ActionCreate})
	return *created, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id int64, req domain.CategoryRequest) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, invalidf("name is required")
	}

	updated, err := s.repo.UpdateCategory(ctx, domain.Category{ID: id, Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityCategory, ID: id, Action: ActionUpdate})
	return *updated, nil
}

func (s *Service) DeleteCategory(ctx context.Context, id int64) (domain.Category, error) {
	return s.setCategoryDeleted(ctx, id, true)
}

func (s *Service) RestoreCategory(ctx context.Context, id int64) (domain.Category, error) {
	return s.setCategoryDeleted(ctx, id, false)
}

func (s *Service) setCategoryDeleted(ctx context.Context, id int64, deleted bool) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	before, err := s.repo.GetCategory(ctx, id)
	if err != nil {
		return domain.Category{}, err
	}
	result, err := s.repo.SetCategoryDeleted(ctx, id, deleted)
	if err != nil {
		return domain.Category{}, err
	}
	if result.Version != before.Version {
		action := ActionRestore
		if deleted {
			action = ActionDelete
		}
		s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityCategory, ID: id, Action: action})
	}
	return *result, nil
}

// ProductLedger returns the most recent ledger rows of a product with its cached stock.
func (s *Service) ProductLedger(ctx context.Context, productID int64, limit int) (domain.LedgerResponse, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.LedgerResponse{}, err
	}
	movements, err := s.repo.ListMovements(ctx, productID, pullLimit(limit, SettingsFromContext(ctx)))
	if err != nil {
		return domain.LedgerResponse{}, err
	}
	return domain.LedgerResponse{ProductID: productID, Stock: product.Stock, Movements: movements}, nil
}

// ReconcileStock compares cached stock against the ledger sum, overwriting the
// cache when repair is set and they differ.
func (s *Service) ReconcileStock(ctx context.Context, productID int64, repair bool) (domain.StockReconciliation, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockReconciliation{}, err
	}
	result, err := s.repo.ReconcileStock(ctx, productID, repair)
	if err != nil {
		return domain.StockReconciliation{}, err
	}
	if !result.Drift.Equal(decimal.Zero) {
		s.logger.WarnContext(ctx, "stock drift detected",
			"product_id", productID, "cached", result.CachedStock.String(),
			"ledger", result.LedgerStock.String(), "repaired", result.Repaired)
	}
	if result.Repaired {
		s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityProduct, ID: productID, Action: ActionRepair})
	}
	return result, nil
}

func pullLimit(requested int, settings domain.Settings) int {
	limit := requested
	if limit <= 0 {
		limit = store.DefaultPullLimit
	}
	if settings.MaxPullLimit > 0 && limit > settings.MaxPullLimit {
		limit = settings.MaxPullLimit
	}
	return limit
}
