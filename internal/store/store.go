package store

import (
	"context"
	"errors"
	"time"

	"kasirsync/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownProduct = errors.New("unknown product")
	ErrConflict       = errors.New("conflict")
)

// DefaultPullLimit bounds one catalog delta page when the caller does not ask for a size.
const DefaultPullLimit = 500

// NextVersion returns the version for a row modified at now: its microsecond
// timestamp, forced above current so versions stay strictly increasing even
// when the clock stalls or steps back.
func NextVersion(now time.Time, current int64) int64 {
	v := now.UnixMicro()
	if v <= current {
		v = current + 1
	}
	return v
}

// Repository is the authoritative server-side storage.
//
// Every catalog mutation and every stock change assigns the touched row a new
// version greater than any version already handed out for that table, and versions
// become visible in the order they were assigned.
type Repository interface {
	LoadSettings(ctx context.Context) (domain.Settings, error)

	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	SetCategoryDeleted(ctx context.Context, id int64, deleted bool) (*domain.Category, error)
	GetCategory(ctx context.Context, id int64) (*domain.Category, error)

	// CreateProduct inserts the product and, when initial is set, its opening
	// ledger row in the same transaction.
	CreateProduct(ctx context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductDeleted(ctx context.Context, id int64, deleted bool) (*domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)

	ListProducts(ctx context.Context, includeDeleted bool) ([]domain.Product, error)
	ListCategories(ctx context.Context, includeDeleted bool) ([]domain.Category, error)
	ProductsChangedSince(ctx context.Context, version int64, limit int) ([]domain.Product, error)
	CategoriesChangedSince(ctx context.Context, version int64, limit int) ([]domain.Category, error)

	// IngestSale commits the sale, its items and one ledger row per line
	// atomically. A sale whose reference already exists is reported as a
	// duplicate and nothing is written.
	IngestSale(ctx context.Context, sale domain.Sale) (domain.IngestResult, error)
	// IngestStockMovement appends one ledger row and folds it into canonical
	// stock. Refund and cancel rows referencing a known sale move its status forward.
	IngestStockMovement(ctx context.Context, movement domain.StockMovement) (domain.IngestResult, error)

	FindSaleByReference(ctx context.Context, reference string) (*domain.Sale, error)
	ListMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error)
	// ReconcileStock recomputes stock from the ledger and overwrites the cached
	// value when repair is set.
	ReconcileStock(ctx context.Context, productID int64, repair bool) (domain.StockReconciliation, error)
}
