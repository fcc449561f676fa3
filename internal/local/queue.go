package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
)

// QueuedSale is a locally recorded sale with its upload state.
type QueuedSale struct {
	domain.Sale
	SyncState    string `json:"sync_state"`
	RejectReason string `json:"reject_reason,omitempty"`
}

// RejectedItem is a queue entry the server refused. It stays held until an
// operator requeues it.
type RejectedItem struct {
	Kind      Kind   `json:"kind"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// BlockedItem is a pending refund or cancellation whose sale the server
// rejected. It cannot upload until the sale is requeued and accepted.
type BlockedItem struct {
	Reference     string `json:"reference"`
	Source        string `json:"source"`
	SaleReference string `json:"sale_reference"`
}

// QueueStats counts queue entries by state. BlockedAdjustments is the subset
// of PendingAdjustments held behind a rejected sale.
type QueueStats struct {
	PendingSales        int `json:"pending_sales"`
	PendingAdjustments  int `json:"pending_adjustments"`
	BlockedAdjustments  int `json:"blocked_adjustments"`
	RejectedSales       int `json:"rejected_sales"`
	RejectedAdjustments int `json:"rejected_adjustments"`
	SyncedSales         int `json:"synced_sales"`
	SyncedAdjustments   int `json:"synced_adjustments"`
}

// AppendSale records a sale, its lines and one outgoing stock movement per
// line in a single transaction.
func (s *Store) AppendSale(ctx context.Context, sale domain.Sale) error {
	if err := validateSale(sale); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sales (
				reference, terminal_id, status, payment_method,
				total_cents, paid_cents, change_cents, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sale.Reference, sale.TerminalID, sale.Status, sale.PaymentMethod,
			sale.TotalCents, sale.PaidCents, sale.ChangeCents, formatTime(sale.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sale %s: %w", sale.Reference, ErrDuplicateReference)
			}
			return fmt.Errorf("insert sale %s: %w", sale.Reference, err)
		}
		saleID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, item := range sale.Items {
			quantity := domain.NormalizeQuantity(item.Quantity)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_items (
					sale_id, line_no, product_id, product_name, price_cents, cost_price_cents,
					quantity, subtotal_cents, total_profit_cents
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, saleID, item.LineNo, item.ProductID, item.ProductName, item.PriceCents, item.CostPriceCents,
				quantity.String(), item.SubtotalCents, item.TotalProfitCents); err != nil {
				return fmt.Errorf("insert sale %s line %d: %w", sale.Reference, item.LineNo, err)
			}

			if err := insertMovement(ctx, tx, domain.StockMovement{
				Reference:     domain.SaleLineReference(sale.Reference, item.LineNo),
				ProductID:     item.ProductID,
				Quantity:      quantity.Neg(),
				Source:        domain.SourceSale,
				SaleReference: sale.Reference,
				TerminalID:    sale.TerminalID,
				CreatedAt:     sale.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendStockAdjustment records a stock movement made at the till.
func (s *Store) AppendStockAdjustment(ctx context.Context, movement domain.StockMovement) error {
	if err := validateAdjustment(movement); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertMovement(ctx, tx, movement)
	})
}

// TransitionSale moves a sale's status forward and records the compensating
// movements in one transaction. A sale still in the queue uploads with its new
// status; an uploaded sale gets it from the movements' own upload.
func (s *Store) TransitionSale(ctx context.Context, reference string, status string, movements []domain.StockMovement) error {
	for _, m := range movements {
		if m.SaleReference != reference {
			return fmt.Errorf("%w: movement %s does not reference sale %s", ErrInvalidInput, m.Reference, reference)
		}
		if err := validateAdjustment(m); err != nil {
			return err
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE reference = ?`, reference).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sale %s: %w", reference, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if domain.SaleStatusRank(status) <= domain.SaleStatusRank(current) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, status)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = ? WHERE reference = ?`, status, reference); err != nil {
			return fmt.Errorf("update sale %s: %w", reference, err)
		}
		for _, m := range movements {
			if err := insertMovement(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			reference, product_id, quantity, source, sale_reference, note, terminal_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Reference, m.ProductID, domain.NormalizeQuantity(m.Quantity).String(), m.Source,
		m.SaleReference, m.Note, m.TerminalID, formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("movement %s: %w", m.Reference, ErrDuplicateReference)
		}
		return fmt.Errorf("insert movement %s: %w", m.Reference, err)
	}
	return nil
}

// ListUnsyncedSales returns queued sales, oldest first.
func (s *Store) ListUnsyncedSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	queued, err := s.querySales(ctx, `WHERE sync_state = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, len(queued))
	for i, q := range queued {
		sales[i] = q.Sale
	}
	return sales, nil
}

// ListUnsyncedAdjustments returns queued non-sale movements, oldest first.
// Movements referencing a sale the server does not hold yet wait for it.
func (s *Store) ListUnsyncedAdjustments(ctx context.Context, limit int) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.reference, m.product_id, m.quantity, m.source, m.sale_reference, m.note,
			m.terminal_id, m.created_at
		FROM stock_movements m
		WHERE m.sync_state = 'pending'
		  AND m.source <> 'sale'
		  AND NOT EXISTS (
			SELECT 1 FROM sales s
			WHERE s.reference = m.sale_reference AND s.sync_state <> 'synced'
		  )
		ORDER BY m.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued movements: %w", err)
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m         domain.StockMovement
			quantity  string
			createdAt string
		)
		if err := rows.Scan(&m.Reference, &m.ProductID, &quantity, &m.Source, &m.SaleReference,
			&m.Note, &m.TerminalID, &createdAt); err != nil {
			return nil, err
		}
		if m.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("movement %s quantity: %w", m.Reference, err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("movement %s created_at: %w", m.Reference, err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// MarkSynced records server acknowledgements. Acknowledging a sale also
// settles the stock movements derived from its lines. Results that are not
// acknowledgements are ignored.
func (s *Store) MarkSynced(ctx context.Context, kind Kind, acks []domain.UploadResult) error {
	if _, err := queueTable(kind); err != nil {
		return err
	}
	now := formatTime(s.now())

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ack := range acks {
			if !ack.Acknowledged() {
				continue
			}
			switch kind {
			case KindSale:
				if _, err := tx.ExecContext(ctx, `
					UPDATE sales
					SET sync_state = 'synced', server_id = ?, synced_at = ?, reject_reason = NULL
					WHERE reference = ?
				`, ack.ServerID, now, ack.Reference); err != nil {
					return fmt.Errorf("mark sale %s synced: %w", ack.Reference, err)
				}
				if err := settleMovements(ctx, tx, `sale_reference = ? AND source = 'sale'`, ack, sql.NullInt64{}, now); err != nil {
					return err
				}
			case KindAdjustment:
				serverID := sql.NullInt64{Int64: ack.ServerID, Valid: ack.ServerID > 0}
				if err := settleMovements(ctx, tx, `reference = ?`, ack, serverID, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// settleMovements marks the movements matched by where as synced and records
// the server version that includes each of them.
func settleMovements(ctx context.Context, tx *sql.Tx, where string, ack domain.UploadResult, serverID sql.NullInt64, now string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, product_id FROM stock_movements WHERE `+where, ack.Reference)
	if err != nil {
		return fmt.Errorf("load movements for %s: %w", ack.Reference, err)
	}
	type target struct{ id, productID int64 }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.productID); err != nil {
			rows.Close()
			return err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range targets {
		var version sql.NullInt64
		if v, ok := ack.StockVersions[t.productID]; ok {
			version = sql.NullInt64{Int64: v, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_movements
			SET sync_state = 'synced', server_id = ?, synced_at = ?, stock_version = ?, reject_reason = NULL
			WHERE id = ?
		`, serverID, now, version, t.id); err != nil {
			return fmt.Errorf("mark movement %d synced: %w", t.id, err)
		}
	}
	return nil
}

// MarkRejected holds a queue entry the server refused.
func (s *Store) MarkRejected(ctx context.Context, kind Kind, reference string, reason string) error {
	table, err := queueTable(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET sync_state = 'rejected', reject_reason = ?
		WHERE reference = ? AND sync_state = 'pending'
	`, reason, reference)
	if err != nil {
		return fmt.Errorf("mark %s %s rejected: %w", kind, reference, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queued %s %s: %w", kind, reference, ErrNotFound)
	}
	return nil
}

// Requeue puts held entries back into the upload queue and reports how many
// were requeued. An empty list requeues everything held in that queue.
func (s *Store) Requeue(ctx context.Context, kind Kind, references []string) (int, error) {
	table, err := queueTable(kind)
	if err != nil {
		return 0, err
	}

	var total int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if len(references) == 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE `+table+` SET sync_state = 'pending', reject_reason = NULL WHERE sync_state = 'rejected'
			`)
			if err != nil {
				return err
			}
			total, _ = res.RowsAffected()
			return nil
		}
		for _, ref := range references {
			res, err := tx.ExecContext(ctx, `
				UPDATE `+table+` SET sync_state = 'pending', reject_reason = NULL
				WHERE reference = ? AND sync_state = 'rejected'
			`, ref)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", kind, err)
	}
	return int(total), nil
}

// ListRejected returns every held entry of both queues.
func (s *Store) ListRejected(ctx context.Context) ([]RejectedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'sale', reference, COALESCE(reject_reason, '') FROM sales WHERE sync_state = 'rejected'
		UNION ALL
		SELECT 'adjustment', reference, COALESCE(reject_reason, '') FROM stock_movements
		WHERE sync_state = 'rejected' AND source <> 'sale'
		ORDER BY 1, 2
	`)
	if err != nil {
		return nil, fmt.Errorf("query rejected: %w", err)
	}
	defer rows.Close()

	items := make([]RejectedItem, 0)
	for rows.Next() {
		var item RejectedItem
		if err := rows.Scan(&item.Kind, &item.Reference, &item.Reason); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListBlocked returns the pending movements held behind a rejected sale.
func (s *Store) ListBlocked(ctx context.Context) ([]BlockedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.reference, m.source, m.sale_reference
		FROM stock_movements m
		JOIN sales s ON s.reference = m.sale_reference
		WHERE m.sync_state = 'pending' AND m.source <> 'sale' AND s.sync_state = 'rejected'
		ORDER BY m.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocked: %w", err)
	}
	defer rows.Close()

	items := make([]BlockedItem, 0)
	for rows.Next() {
		var item BlockedItem
		if err := rows.Scan(&item.Reference, &item.Source, &item.SaleReference); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sales WHERE sync_state = 'pending'),
			(SELECT COUNT(*) FROM stock_movements WHERE sync_state = 'pending' AND source <> 'sale'),
			(SELECT COUNT(*) FROM stock_movements m
			 JOIN sales s ON s.reference = m.sale_reference
			 WHERE m.sync_state = 'pending' AND m.source <> 'sale' AND s.sync_state = 'rejected'),
			(SELECT COUNT(*) FROM sales WHERE sync_state = 'rejected'),
			(SELECT COUNT(*) FROM stock_movements WHERE sync_state = 'rejected' AND source <> 'sale'),
			(SELECT COUNT(*) FROM sales WHERE sync_state = 'synced'),
			(SELECT COUNT(*) FROM stock_movements WHERE sync_state = 'synced' AND source <> 'sale')
	`).Scan(&stats.PendingSales, &stats.PendingAdjustments, &stats.BlockedAdjustments, &stats.RejectedSales,
		&stats.RejectedAdjustments, &stats.SyncedSales, &stats.SyncedAdjustments)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// GetSale returns a locally recorded sale with its lines.
func (s *Store) GetSale(ctx context.Context, reference string) (QueuedSale, error) {
	sales, err := s.querySales(ctx, `WHERE reference = ?`, reference)
	if err != nil {
		return QueuedSale{}, err
	}
	if len(sales) == 0 {
		return QueuedSale{}, fmt.Errorf("sale %s: %w", reference, ErrNotFound)
	}
	return sales[0], nil
}

func (s *Store) querySales(ctx context.Context, clause string, args ...any) ([]QueuedSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, terminal_id, status, payment_method, total_cents, paid_cents,
			change_cents, created_at, sync_state, synced_at, COALESCE(reject_reason, '')
		FROM sales `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}

	var (
		sales []QueuedSale
		ids   []int64
	)
	for rows.Next() {
		var (
			q         QueuedSale
			createdAt string
			syncedAt  sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.Reference, &q.TerminalID, &q.Status, &q.PaymentMethod,
			&q.TotalCents, &q.PaidCents, &q.ChangeCents, &createdAt, &q.SyncState, &syncedAt, &q.RejectReason); err != nil {
			rows.Close()
			return nil, err
		}
		if q.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sale %s created_at: %w", q.Reference, err)
		}
		if q.SyncedAt, err = parseNullTime(syncedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sale %s synced_at: %w", q.Reference, err)
		}
		sales = append(sales, q)
		ids = append(ids, q.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One connection: the items are read after the sale rows are closed.
	for i := range sales {
		items, err := s.saleItems(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
		// The local row id means nothing to the server.
		sales[i].ID = 0
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, saleID int64) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line_no, product_id, product_name, price_cents, cost_price_cents,
			quantity, subtotal_cents, total_profit_cents
		FROM sale_items WHERE sale_id = ? ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0)
	for rows.Next() {
		var item domain.SaleItem
		var quantity string
		if err := rows.Scan(&item.LineNo, &item.ProductID, &item.ProductName, &item.PriceCents,
			&item.CostPriceCents, &quantity, &item.SubtotalCents, &item.TotalProfitCents); err != nil {
			return nil, err
		}
		if item.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("sale item %d quantity: %w", item.LineNo, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func validateSale(sale domain.Sale) error {
	if strings.TrimSpace(sale.Reference) == "" || strings.Contains(sale.Reference, "/") {
		return fmt.Errorf("%w: sale reference must be non-empty without '/'", ErrInvalidInput)
	}
	if strings.TrimSpace(sale.TerminalID) == "" {
		return fmt.Errorf("%w: sale %s has no terminal", ErrInvalidInput, sale.Reference)
	}
	if domain.SaleStatusRank(sale.Status) == 0 {
		return fmt.Errorf("%w: sale %s has unknown status %q", ErrInvalidInput, sale.Reference, sale.Status)
	}
	if len(sale.Items) == 0 {
		return fmt.Errorf("%w: sale %s has no items", ErrInvalidInput, sale.Reference)
	}
	if sale.CreatedAt.IsZero() {
		return fmt.Errorf("%w: sale %s has no timestamp", ErrInvalidInput, sale.Reference)
	}
	for _, item := range sale.Items {
		if item.LineNo < 1 || item.ProductID < 1 {
			return fmt.Errorf("%w: sale %s has an invalid line", ErrInvalidInput, sale.Reference)
		}
		if !item.Quantity.IsPositive() || !domain.ValidQuantityScale(item.Quantity) {
			return fmt.Errorf("%w: sale %s line %d quantity %s", ErrInvalidInput, sale.Reference, item.LineNo, item.Quantity)
		}
	}
	return nil
}

func validateAdjustment(m domain.StockMovement) error {
	if strings.TrimSpace(m.Reference) == "" || strings.Contains(m.Reference, "/") {
		return fmt.Errorf("%w: movement reference must be non-empty without '/'", ErrInvalidInput)
	}
	if m.ProductID < 1 || strings.TrimSpace(m.TerminalID) == "" || m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: movement %s is incomplete", ErrInvalidInput, m.Reference)
	}
	if m.Quantity.IsZero() || !domain.ValidQuantityScale(m.Quantity) {
		return fmt.Errorf("%w: movement %s quantity %s", ErrInvalidInput, m.Reference, m.Quantity)
	}
	switch m.Source {
	case domain.SourceAdjustment, domain.SourcePurchase:
	case domain.SourceRefund, domain.SourceCancel:
		if m.SaleReference == "" || !m.Quantity.IsPositive() {
			return fmt.Errorf("%w: %s %s must return stock to a sale", ErrInvalidInput, m.Source, m.Reference)
		}
	default:
		return fmt.Errorf("%w: movement %s has source %q", ErrInvalidInput, m.Reference, m.Source)
	}
	return nil
}
