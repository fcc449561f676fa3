package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
)

// MergeCatalogDelta applies one pulled page to the replica and advances the
// cursors in the same transaction. A row is only written when its version is
// newer than the stored one, so replaying a page changes nothing and a stale
// page never rolls a row back. Cursors never move backwards.
func (s *Store) MergeCatalogDelta(ctx context.Context, delta domain.CatalogDelta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range delta.Categories {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (id, external_id, name, version, updated_at, deleted_at)
				VALUES (?, ?, ?, ?, ?, NULL)
				ON CONFLICT(id) DO UPDATE SET
					external_id = excluded.external_id,
					name = excluded.name,
					version = excluded.version,
					updated_at = excluded.updated_at,
					deleted_at = NULL
				WHERE excluded.version > categories.version
			`, c.ID, c.ExternalID, c.Name, c.Version, formatTime(c.UpdatedAt)); err != nil {
				return fmt.Errorf("merge category %d: %w", c.ID, err)
			}
		}

		for _, p := range delta.Products {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO products (
					id, external_id, category_id, sku, name, unit, price_cents, cost_price_cents,
					stock, active, version, updated_at, deleted_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
				ON CONFLICT(id) DO UPDATE SET
					external_id = excluded.external_id,
					category_id = excluded.category_id,
					sku = excluded.sku,
					name = excluded.name,
					unit = excluded.unit,
					price_cents = excluded.price_cents,
					cost_price_cents = excluded.cost_price_cents,
					stock = excluded.stock,
					active = excluded.active,
					version = excluded.version,
					updated_at = excluded.updated_at,
					deleted_at = NULL
				WHERE excluded.version > products.version
			`, p.ID, p.ExternalID, p.CategoryID, p.SKU, p.Name, p.Unit, p.PriceCents, p.CostPriceCents,
				p.Stock.String(), p.Active, p.Version, formatTime(p.UpdatedAt)); err != nil {
				return fmt.Errorf("merge product %d: %w", p.ID, err)
			}
		}

		for _, t := range delta.Tombstones {
			if err := applyTombstone(ctx, tx, t); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_cursor
			SET product_version = MAX(product_version, ?),
				category_version = MAX(category_version, ?),
				updated_at = ?
			WHERE id = 1
		`, delta.ProductVersion, delta.CategoryVersion, formatTime(s.now())); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
}

// applyTombstone marks a replica row deleted. A tombstone for a row the
// terminal never saw is still recorded so a late, older update cannot
// resurrect it.
func applyTombstone(ctx context.Context, tx *sql.Tx, t domain.Tombstone) error {
	var query string
	switch t.Entity {
	case domain.EntityProduct:
		query = `
			INSERT INTO products (
				id, external_id, sku, name, unit, price_cents, cost_price_cents,
				active, version, updated_at, deleted_at
			)
			VALUES (?, ?, '', '', '', 0, 0, 0, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at
			WHERE excluded.version > products.version`
	case domain.EntityCategory:
		query = `
			INSERT INTO categories (id, external_id, name, version, updated_at, deleted_at)
			VALUES (?, ?, '', ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at
			WHERE excluded.version > categories.version`
	default:
		return fmt.Errorf("%w: tombstone for unknown entity %q", ErrInvalidInput, t.Entity)
	}

	deletedAt := formatTime(t.DeletedAt)
	if _, err := tx.ExecContext(ctx, query, t.ID, t.ExternalID, t.Version, deletedAt, deletedAt); err != nil {
		return fmt.Errorf("apply %s tombstone %d: %w", t.Entity, t.ID, err)
	}
	return nil
}

func (s *Store) Cursor(ctx context.Context) (domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT product_version, category_version FROM sync_cursor WHERE id = 1
	`).Scan(&cursor.ProductVersion, &cursor.CategoryVersion)
	if err != nil {
		return domain.SyncCursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

const productColumns = `
	id, external_id, category_id, sku, name, unit, price_cents, cost_price_cents,
	stock, active, version, updated_at, deleted_at`

// ActiveProducts lists sellable replica products with their local stock view.
func (s *Store) ActiveProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products
		WHERE deleted_at IS NULL AND active = 1 ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	return s.withLocalStock(ctx, products)
}

// DeletedProducts lists tombstoned replica rows.
func (s *Store) DeletedProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products
		WHERE deleted_at IS NOT NULL ORDER BY id`)
}

// Product returns one replica row, deleted or not, with its local stock view.
func (s *Store) Product(ctx context.Context, id int64) (domain.Product, error) {
	products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if err != nil {
		return domain.Product{}, err
	}
	if len(products) == 0 {
		return domain.Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	withStock, err := s.withLocalStock(ctx, products)
	if err != nil {
		return domain.Product{}, err
	}
	return withStock[0], nil
}

// LocalStock is the replica stock plus every local movement the replica row
// does not include yet: queued and rejected rows, and synced rows whose
// server version the replica has not caught up with.
func (s *Store) LocalStock(ctx context.Context, productID int64) (decimal.Decimal, error) {
	product, err := s.Product(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.Stock, nil
}

func (s *Store) withLocalStock(ctx context.Context, products []domain.Product) ([]domain.Product, error) {
	if len(products) == 0 {
		return products, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.product_id, m.quantity
		FROM stock_movements m
		LEFT JOIN products p ON p.id = m.product_id
		WHERE m.sync_state <> 'synced'
		   OR m.stock_version IS NULL
		   OR p.version IS NULL
		   OR m.stock_version > p.version
	`)
	if err != nil {
		return nil, fmt.Errorf("query unreflected movements: %w", err)
	}
	defer rows.Close()

	pending := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var productID int64
		var raw string
		if err := rows.Scan(&productID, &raw); err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("movement quantity %q: %w", raw, err)
		}
		pending[productID] = pending[productID].Add(qty)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range products {
		if delta, ok := pending[products[i].ID]; ok {
			products[i].Stock = products[i].Stock.Add(delta)
		}
	}
	return products, nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p         domain.Product
		stock     string
		updatedAt string
		deletedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ExternalID, &p.CategoryID, &p.SKU, &p.Name, &p.Unit,
		&p.PriceCents, &p.CostPriceCents, &stock, &p.Active, &p.Version, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, ErrNotFound
		}
		return domain.Product{}, err
	}

	var err error
	if p.Stock, err = decimal.NewFromString(stock); err != nil {
		return domain.Product{}, fmt.Errorf("product %d stock %q: %w", p.ID, stock, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Product{}, fmt.Errorf("product %d updated_at: %w", p.ID, err)
	}
	if p.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return domain.Product{}, fmt.Errorf("product %d deleted_at: %w", p.ID, err)
	}
	return p, nil
}
