package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Advisory lock keys serializing version allocation per catalog table. Holding
// the lock until commit makes versions visible in the order they were assigned,
// so a reader can never skip a row that commits late with a lower version.
const (
	productsLockKey   int64 = 0x6b61_7369_7201
	categoriesLockKey int64 = 0x6b61_7369_7202
)

const productColumns = `id, external_id, category_id, sku, name, unit, price_cents, cost_price_cents,
	stock, active, version, updated_at, deleted_at`

const categoryColumns = `id, external_id, name, version, updated_at, deleted_at`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and the default settings row.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) LoadSettings(ctx context.Context) (domain.Settings, error) {
	settings := domain.DefaultSettings()
	err := s.db.QueryRowContext(ctx, `
		SELECT store_name, currency, max_upload_batch, max_pull_limit
		FROM store_settings
		WHERE id = 1
	`).Scan(&settings.StoreName, &settings.Currency, &settings.MaxUploadBatch, &settings.MaxPullLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, err
	}
	return settings, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" || category.ExternalID == "" {
		return nil, store.ErrInvalidInput
	}

	var created *domain.Category
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, categoriesLockKey, "categories")
		if err != nil {
			return err
		}
		created, err = scanCategory(tx.QueryRowContext(ctx, `
			INSERT INTO categories (external_id, name, version, updated_at)
			VALUES ($1, $2, $3, now())
			RETURNING `+categoryColumns,
			category.ExternalID, category.Name, version))
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (s *Store) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" {
		return nil, store.ErrInvalidInput
	}

	var updated *domain.Category
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, categoriesLockKey, "categories")
		if err != nil {
			return err
		}
		updated, err = scanCategory(tx.QueryRowContext(ctx, `
			UPDATE categories
			SET name = $2, version = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+categoryColumns,
			category.ID, category.Name, version))
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (s *Store) SetCategoryDeleted(ctx context.Context, id int64, deleted bool) (*domain.Category, error) {
	var result *domain.Category
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, categoriesLockKey, "categories")
		if err != nil {
			return err
		}
		current, err := scanCategory(tx.QueryRowContext(ctx, `
			SELECT `+categoryColumns+` FROM categories WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if (current.DeletedAt != nil) == deleted {
			result = current
			return nil
		}
		result, err = scanCategory(tx.QueryRowContext(ctx, `
			UPDATE categories
			SET deleted_at = CASE WHEN $2 THEN now() ELSE NULL END, version = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+categoryColumns,
			id, deleted, version))
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return result, nil
}

func (s *Store) GetCategory(ctx context.Context, id int64) (*domain.Category, error) {
	category, err := scanCategory(s.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+` FROM categories WHERE id = $1`, id))
	if err != nil {
		return nil, mapWriteError(err)
	}
	return category, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error) {
	if product.ExternalID == "" || product.SKU == "" || product.Name == "" || product.PriceCents < 0 || product.CostPriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if initial != nil && initial.Reference == "" {
		return nil, store.ErrInvalidInput
	}

	var created *domain.Product
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}
		stock := decimal.Zero
		if initial != nil {
			stock = domain.NormalizeQuantity(initial.Quantity)
		}
		created, err = scanProduct(tx.QueryRowContext(ctx, `
			INSERT INTO products (
				external_id, category_id, sku, name, unit, price_cents, cost_price_cents,
				stock, active, version, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			RETURNING `+productColumns,
			product.ExternalID, nullableID(product.CategoryID), product.SKU, product.Name, product.Unit,
			product.PriceCents, product.CostPriceCents, stock, product.Active, version))
		if err != nil {
			return err
		}
		if initial == nil || stock.IsZero() {
			return nil
		}
		movement := *initial
		movement.ProductID = created.ID
		movement.Quantity = stock
		if _, err := insertMovement(ctx, tx, movement, version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 0 || product.CostPriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	var updated *domain.Product
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}
		updated, err = scanProduct(tx.QueryRowContext(ctx, `
			UPDATE products
			SET category_id = $2, sku = $3, name = $4, unit = $5, price_cents = $6,
				cost_price_cents = $7, active = $8, version = $9, updated_at = now()
			WHERE id = $1
			RETURNING `+productColumns,
			product.ID, nullableID(product.CategoryID), product.SKU, product.Name, product.Unit,
			product.PriceCents, product.CostPriceCents, product.Active, version))
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (s *Store) SetProductDeleted(ctx context.Context, id int64, deleted bool) (*domain.Product, error) {
	var result *domain.Product
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}
		current, err := scanProduct(tx.QueryRowContext(ctx, `
			SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if current.Deleted() == deleted {
			result = current
			return nil
		}
		result, err = scanProduct(tx.QueryRowContext(ctx, `
			UPDATE products
			SET deleted_at = CASE WHEN $2 THEN now() ELSE NULL END, version = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+productColumns,
			id, deleted, version))
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return result, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, mapWriteError(err)
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, includeDeleted bool) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE $1 OR deleted_at IS NULL
		ORDER BY id
	`, includeDeleted)
}

func (s *Store) ListCategories(ctx context.Context, includeDeleted bool) ([]domain.Category, error) {
	return s.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE $1 OR deleted_at IS NULL
		ORDER BY id
	`, includeDeleted)
}

func (s *Store) ProductsChangedSince(ctx context.Context, version int64, limit int) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE version > $1
		ORDER BY version
		LIMIT $2
	`, version, pageLimit(limit))
}

func (s *Store) CategoriesChangedSince(ctx context.Context, version int64, limit int) ([]domain.Category, error) {
	return s.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE version > $1
		ORDER BY version
		LIMIT $2
	`, version, pageLimit(limit))
}

func (s *Store) IngestSale(ctx context.Context, sale domain.Sale) (domain.IngestResult, error) {
	if sale.Reference == "" || len(sale.Items) == 0 {
		return domain.IngestResult{}, store.ErrInvalidInput
	}

	var result domain.IngestResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}

		var saleID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO sales (
				reference, terminal_id, status, payment_method,
				total_cents, paid_cents, change_cents, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (reference) DO NOTHING
			RETURNING id
		`, sale.Reference, sale.TerminalID, sale.Status, sale.PaymentMethod,
			sale.TotalCents, sale.PaidCents, sale.ChangeCents, sale.CreatedAt).Scan(&saleID)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.QueryRowContext(ctx, `SELECT id FROM sales WHERE reference = $1`, sale.Reference).Scan(&saleID); err != nil {
				return err
			}
			versions, err := stockVersions(ctx, tx, `
				SELECT m.product_id, MAX(COALESCE(m.stock_version, p.version))
				FROM stock_movements m
				JOIN products p ON p.id = m.product_id
				WHERE m.sale_reference = $1 AND m.source = 'sale'
				GROUP BY m.product_id
			`, sale.Reference)
			if err != nil {
				return err
			}
			result = domain.IngestResult{ServerID: saleID, Duplicate: true, StockVersions: versions}
			return nil
		}
		if err != nil {
			return err
		}

		versions := make(map[int64]int64, len(sale.Items))
		for i, item := range sale.Items {
			quantity := domain.NormalizeQuantity(item.Quantity)
			if i > 0 {
				version = store.NextVersion(time.Now(), version)
			}
			if err := applyStock(ctx, tx, item.ProductID, quantity.Neg(), version); err != nil {
				return err
			}
			versions[item.ProductID] = version
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_items (
					sale_id, line_no, product_id, product_name, price_cents, cost_price_cents,
					quantity, subtotal_cents, total_profit_cents
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, saleID, item.LineNo, item.ProductID, item.ProductName, item.PriceCents, item.CostPriceCents,
				quantity, item.SubtotalCents, item.TotalProfitCents); err != nil {
				return err
			}
			if _, err := insertMovement(ctx, tx, domain.StockMovement{
				Reference:     domain.SaleLineReference(sale.Reference, item.LineNo),
				ProductID:     item.ProductID,
				Quantity:      quantity.Neg(),
				Source:        domain.SourceSale,
				SaleReference: sale.Reference,
				TerminalID:    sale.TerminalID,
				CreatedAt:     sale.CreatedAt,
			}, version); err != nil {
				return err
			}
		}

		result = domain.IngestResult{ServerID: saleID, StockVersions: versions}
		return nil
	})
	if err != nil {
		return domain.IngestResult{}, mapWriteError(err)
	}
	return result, nil
}

func (s *Store) IngestStockMovement(ctx context.Context, movement domain.StockMovement) (domain.IngestResult, error) {
	if movement.Reference == "" {
		return domain.IngestResult{}, store.ErrInvalidInput
	}
	movement.Quantity = domain.NormalizeQuantity(movement.Quantity)

	var result domain.IngestResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}

		id, err := insertMovement(ctx, tx, movement, version)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.QueryRowContext(ctx, `SELECT id FROM stock_movements WHERE reference = $1`, movement.Reference).Scan(&id); err != nil {
				return err
			}
			versions, err := stockVersions(ctx, tx, `
				SELECT m.product_id, COALESCE(m.stock_version, p.version)
				FROM stock_movements m
				JOIN products p ON p.id = m.product_id
				WHERE m.id = $1
			`, id)
			if err != nil {
				return err
			}
			result = domain.IngestResult{ServerID: id, Duplicate: true, StockVersions: versions}
			return nil
		}
		if err != nil {
			return err
		}

		if err := applyStock(ctx, tx, movement.ProductID, movement.Quantity, version); err != nil {
			return err
		}

		if target := domain.StatusForSource(movement.Source); target != "" && movement.SaleReference != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sales SET status = $2
				WHERE reference = $1 AND status = ANY($3)
			`, movement.SaleReference, target, lowerStatuses(target)); err != nil {
				return err
			}
		}

		result = domain.IngestResult{ServerID: id, StockVersions: map[int64]int64{movement.ProductID: version}}
		return nil
	})
	if err != nil {
		return domain.IngestResult{}, mapWriteError(err)
	}
	return result, nil
}

func (s *Store) FindSaleByReference(ctx context.Context, reference string) (*domain.Sale, error) {
	var sale domain.Sale
	var syncedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, terminal_id, status, payment_method,
			total_cents, paid_cents, change_cents, created_at, synced_at
		FROM sales
		WHERE reference = $1
	`, reference).Scan(&sale.ID, &sale.Reference, &sale.TerminalID, &sale.Status, &sale.PaymentMethod,
		&sale.TotalCents, &sale.PaidCents, &sale.ChangeCents, &sale.CreatedAt, &syncedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}
	sale.SyncedAt = &syncedAt

	rows, err := s.db.QueryContext(ctx, `
		SELECT line_no, product_id, product_name, price_cents, cost_price_cents,
			quantity, subtotal_cents, total_profit_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Items = make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.LineNo, &item.ProductID, &item.ProductName, &item.PriceCents,
			&item.CostPriceCents, &item.Quantity, &item.SubtotalCents, &item.TotalProfitCents); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, product_id, quantity, source, sale_reference, note,
			terminal_id, created_at, synced_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, productID, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		var syncedAt time.Time
		if err := rows.Scan(&m.ID, &m.Reference, &m.ProductID, &m.Quantity, &m.Source, &m.SaleReference,
			&m.Note, &m.TerminalID, &m.CreatedAt, &syncedAt); err != nil {
			return nil, err
		}
		m.SyncedAt = &syncedAt
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ReconcileStock(ctx context.Context, productID int64, repair bool) (domain.StockReconciliation, error) {
	result := domain.StockReconciliation{ProductID: productID}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := allocateVersion(ctx, tx, productsLockKey, "products")
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT stock FROM products WHERE id = $1 FOR UPDATE
		`, productID).Scan(&result.CachedStock); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE product_id = $1
		`, productID).Scan(&result.LedgerStock); err != nil {
			return err
		}
		result.Drift = result.CachedStock.Sub(result.LedgerStock)
		if !repair || result.Drift.IsZero() {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = $2, version = $3, updated_at = now() WHERE id = $1
		`, productID, result.LedgerStock, version); err != nil {
			return err
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return domain.StockReconciliation{}, mapWriteError(err)
	}
	return result, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// allocateVersion takes the table's advisory lock for the rest of the
// transaction and returns the next free version.
func allocateVersion(ctx context.Context, tx *sql.Tx, lockKey int64, table string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return 0, fmt.Errorf("lock %s versions: %w", table, err)
	}
	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+table).Scan(&current); err != nil {
		return 0, fmt.Errorf("read %s version: %w", table, err)
	}
	return store.NextVersion(time.Now(), current), nil
}

// applyStock folds delta into the cached stock with one arithmetic update.
func applyStock(ctx context.Context, tx *sql.Tx, productID int64, delta decimal.Decimal, version int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2, version = $3, updated_at = now()
		WHERE id = $1
	`, productID, delta, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %d: %w", productID, store.ErrUnknownProduct)
	}
	return nil
}

// insertMovement returns sql.ErrNoRows when the reference is already in the ledger.
// stockVersion is the product version whose stock first includes the row.
func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement, stockVersion int64) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (
			reference, product_id, quantity, source, sale_reference, note, terminal_id,
			created_at, stock_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id
	`, m.Reference, m.ProductID, m.Quantity, m.Source, m.SaleReference, m.Note, m.TerminalID,
		createdAt, stockVersion).Scan(&id)
	return id, err
}

// stockVersions reads (product id, stock version) pairs to acknowledge a
// duplicate upload with the versions recorded when it was first applied.
// Rows written before stock_version existed fall back to the current version.
func stockVersions(ctx context.Context, tx *sql.Tx, query string, args ...any) (map[int64]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int64]int64)
	for rows.Next() {
		var id, version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, err
		}
		versions[id] = version
	}
	return versions, rows.Err()
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) queryCategories(ctx context.Context, query string, args ...any) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var categoryID sql.NullInt64
	var deletedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.ExternalID, &categoryID, &p.SKU, &p.Name, &p.Unit, &p.PriceCents,
		&p.CostPriceCents, &p.Stock, &p.Active, &p.Version, &p.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	p.CategoryID = categoryID.Int64
	p.UpdatedAt = p.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		p.DeletedAt = &at
	}
	return &p, nil
}

func scanCategory(row rowScanner) (*domain.Category, error) {
	var c domain.Category
	var deletedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Version, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		c.DeletedAt = &at
	}
	return &c, nil
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return store.DefaultPullLimit
	}
	return limit
}

func lowerStatuses(target string) []string {
	rank := domain.SaleStatusRank(target)
	lower := make([]string, 0, 2)
	for _, status := range []string{domain.SaleStatusPending, domain.SaleStatusPaid, domain.SaleStatusCancelled, domain.SaleStatusRefunded} {
		if domain.SaleStatusRank(status) < rank {
			lower = append(lower, status)
		}
	}
	return lower
}

// mapWriteError translates driver errors into store sentinels.
func mapWriteError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
		case "23503":
			if pgErr.ConstraintName == "stock_movements_product_id_fkey" || pgErr.ConstraintName == "sale_items_product_id_fkey" {
				return fmt.Errorf("%s: %w", pgErr.Detail, store.ErrUnknownProduct)
			}
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrInvalidInput)
		case "23514":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrInvalidInput)
		}
	}
	return err
}
