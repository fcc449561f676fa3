package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

const maxReferenceLength = 64

// UploadSales ingests a batch of terminal sales. Each sale is committed on its
// own; a rejected sale does not affect the rest of the batch. Storage failures
// abort the batch so the terminal retries it, and the sales that did commit
// come back as duplicates.
func (s *Service) UploadSales(ctx context.Context, req domain.SaleUploadRequest) (domain.UploadResponse, error) {
	settings := SettingsFromContext(ctx)
	if len(req.Sales) > settings.MaxUploadBatch {
		return domain.UploadResponse{}, fmt.Errorf("%w: batch of %d sales exceeds limit %d", store.ErrInvalidInput, len(req.Sales), settings.MaxUploadBatch)
	}
	terminalID, err := attributedTerminal(ctx, req.TerminalID)
	if err != nil {
		return domain.UploadResponse{}, err
	}

	resp := domain.UploadResponse{Results: make([]domain.UploadResult, 0, len(req.Sales))}
	touched := make(map[int64]struct{})
	defer s.stockChanged(ctx, touched)
	for _, sale := range req.Sales {
		result := domain.UploadResult{Reference: sale.Reference}

		normalized, err := normalizeSale(sale, terminalID)
		if err != nil {
			result.Status = domain.UploadRejected
			result.Reason = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}

		ingested, err := s.repo.IngestSale(ctx, normalized)
		if err != nil {
			if !isItemError(err) {
				return domain.UploadResponse{}, fmt.Errorf("ingest sale %s: %w", sale.Reference, err)
			}
			result.Status = domain.UploadRejected
			result.Reason = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}

		result.ServerID = ingested.ServerID
		result.StockVersions = ingested.StockVersions
		if ingested.Duplicate {
			result.Status = domain.UploadDuplicate
		} else {
			result.Status = domain.UploadAccepted
			for _, item := range normalized.Items {
				touched[item.ProductID] = struct{}{}
			}
			s.saleIngested(ctx, normalized, ingested.ServerID)
		}
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

// UploadStockAdjustments ingests manual, purchase, refund and cancel movements
// with the same per-item semantics as UploadSales.
func (s *Service) UploadStockAdjustments(ctx context.Context, req domain.StockUploadRequest) (domain.UploadResponse, error) {
	settings := SettingsFromContext(ctx)
	if len(req.Adjustments) > settings.MaxUploadBatch {
		return domain.UploadResponse{}, fmt.Errorf("%w: batch of %d adjustments exceeds limit %d", store.ErrInvalidInput, len(req.Adjustments), settings.MaxUploadBatch)
	}
	terminalID, err := attributedTerminal(ctx, req.TerminalID)
	if err != nil {
		return domain.UploadResponse{}, err
	}

	resp := domain.UploadResponse{Results: make([]domain.UploadResult, 0, len(req.Adjustments))}
	touched := make(map[int64]struct{})
	defer s.stockChanged(ctx, touched)
	for _, movement := range req.Adjustments {
		result := domain.UploadResult{Reference: movement.Reference}

		normalized, err := normalizeAdjustment(movement, terminalID)
		if err != nil {
			result.Status = domain.UploadRejected
			result.Reason = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}

		ingested, err := s.repo.IngestStockMovement(ctx, normalized)
		if err != nil {
			if !isItemError(err) {
				return domain.UploadResponse{}, fmt.Errorf("ingest movement %s: %w", movement.Reference, err)
			}
			result.Status = domain.UploadRejected
			result.Reason = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}

		result.ServerID = ingested.ServerID
		result.StockVersions = ingested.StockVersions
		if ingested.Duplicate {
			result.Status = domain.UploadDuplicate
		} else {
			result.Status = domain.UploadAccepted
			touched[normalized.ProductID] = struct{}{}
			s.stockMoved(ctx, normalized, ingested.ServerID)
		}
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

// stockChanged announces the products whose stock moved in a batch. It also
// runs when the batch aborts, since the items before the failure committed.
func (s *Service) stockChanged(ctx context.Context, touched map[int64]struct{}) {
	for productID := range touched {
		s.catalogChanged(ctx, CatalogChange{Entity: domain.EntityProduct, ID: productID, Action: ActionStock})
	}
}

// GetSale returns an ingested sale by its client reference.
func (s *Service) GetSale(ctx context.Context, reference string) (domain.Sale, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Sale{}, store.ErrInvalidInput
	}
	sale, err := s.repo.FindSaleByReference(ctx, reference)
	if err != nil {
		return domain.Sale{}, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleTerminal && sale.TerminalID != actor.Subject {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

// attributedTerminal resolves the terminal an upload is attributed to. A
// terminal token always wins; a conflicting declared id is refused.
func attributedTerminal(ctx context.Context, declared string) (string, error) {
	declared = strings.TrimSpace(declared)
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleTerminal {
		return declared, nil
	}
	if declared != "" && declared != actor.Subject {
		return "", fmt.Errorf("%w: terminal %q does not match token", ErrForbidden, declared)
	}
	return actor.Subject, nil
}

func normalizeSale(sale domain.Sale, terminalID string) (domain.Sale, error) {
	sale.Reference = strings.TrimSpace(sale.Reference)
	if err := validateReference(sale.Reference); err != nil {
		return domain.Sale{}, err
	}
	if err := matchTerminal(&sale.TerminalID, terminalID); err != nil {
		return domain.Sale{}, err
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusPaid
	}
	if domain.SaleStatusRank(sale.Status) == 0 {
		return domain.Sale{}, invalidf("unknown status %q", sale.Status)
	}
	sale.PaymentMethod = strings.ToLower(strings.TrimSpace(sale.PaymentMethod))
	if sale.PaymentMethod == "" {
		return domain.Sale{}, invalidf("payment_method is required")
	}
	if sale.CreatedAt.IsZero() {
		return domain.Sale{}, invalidf("created_at is required")
	}
	if len(sale.Items) == 0 {
		return domain.Sale{}, invalidf("sale has no items")
	}
	if sale.TotalCents < 0 || sale.PaidCents < 0 || sale.ChangeCents < 0 {
		return domain.Sale{}, invalidf("amounts must not be negative")
	}

	items := make([]domain.SaleItem, len(sale.Items))
	seen := make(map[int]struct{}, len(sale.Items))
	var total int64
	for i, item := range sale.Items {
		if item.LineNo < 1 {
			return domain.Sale{}, invalidf("line %d: line_no must be positive", i+1)
		}
		if _, dup := seen[item.LineNo]; dup {
			return domain.Sale{}, invalidf("line %d: duplicate line_no", item.LineNo)
		}
		seen[item.LineNo] = struct{}{}
		if item.ProductID < 1 {
			return domain.Sale{}, invalidf("line %d: product_id is required", item.LineNo)
		}
		if !item.Quantity.IsPositive() || !domain.ValidQuantityScale(item.Quantity) {
			return domain.Sale{}, invalidf("line %d: quantity must be positive with at most %d decimals", item.LineNo, domain.QuantityScale)
		}
		if item.PriceCents < 0 || item.CostPriceCents < 0 {
			return domain.Sale{}, invalidf("line %d: prices must not be negative", item.LineNo)
		}
		if want := domain.AmountCents(item.PriceCents, item.Quantity); item.SubtotalCents != want {
			return domain.Sale{}, invalidf("line %d: subtotal %d does not match price × quantity %d", item.LineNo, item.SubtotalCents, want)
		}
		item.ProductName = strings.TrimSpace(item.ProductName)
		item.TotalProfitCents = domain.LineProfitCents(item)
		total += item.SubtotalCents
		items[i] = item
	}
	if total != sale.TotalCents {
		return domain.Sale{}, invalidf("total %d does not match line subtotals %d", sale.TotalCents, total)
	}
	sale.Items = items
	sale.ID = 0
	sale.SyncedAt = nil
	return sale, nil
}

func normalizeAdjustment(m domain.StockMovement, terminalID string) (domain.StockMovement, error) {
	m.Reference = strings.TrimSpace(m.Reference)
	if err := validateReference(m.Reference); err != nil {
		return domain.StockMovement{}, err
	}
	if err := matchTerminal(&m.TerminalID, terminalID); err != nil {
		return domain.StockMovement{}, err
	}
	if m.ProductID < 1 {
		return domain.StockMovement{}, invalidf("product_id is required")
	}
	if m.Quantity.IsZero() || !domain.ValidQuantityScale(m.Quantity) {
		return domain.StockMovement{}, invalidf("quantity must be non-zero with at most %d decimals", domain.QuantityScale)
	}
	switch m.Source {
	case domain.SourceAdjustment, domain.SourcePurchase:
	case domain.SourceRefund, domain.SourceCancel:
		if strings.TrimSpace(m.SaleReference) == "" {
			return domain.StockMovement{}, invalidf("%s requires sale_reference", m.Source)
		}
		if !m.Quantity.IsPositive() {
			return domain.StockMovement{}, invalidf("%s must return stock", m.Source)
		}
	default:
		return domain.StockMovement{}, invalidf("source %q cannot be uploaded", m.Source)
	}
	if m.CreatedAt.IsZero() {
		return domain.StockMovement{}, invalidf("created_at is required")
	}
	m.SaleReference = strings.TrimSpace(m.SaleReference)
	m.Note = strings.TrimSpace(m.Note)
	m.ID = 0
	m.SyncedAt = nil
	return m, nil
}

// validateReference accepts client references. '/' is reserved for the ledger
// rows derived from sale lines.
func validateReference(ref string) error {
	if ref == "" {
		return invalidf("reference is required")
	}
	if len(ref) > maxReferenceLength {
		return invalidf("reference longer than %d characters", maxReferenceLength)
	}
	if strings.Contains(ref, "/") {
		return invalidf("reference must not contain '/'")
	}
	return nil
}

func matchTerminal(declared *string, attributed string) error {
	*declared = strings.TrimSpace(*declared)
	if attributed == "" {
		if *declared == "" {
			return invalidf("terminal_id is required")
		}
		return nil
	}
	if *declared != "" && *declared != attributed {
		return invalidf("terminal %q does not match batch terminal %q", *declared, attributed)
	}
	*declared = attributed
	return nil
}

// isItemError reports whether err is specific to one uploaded record, as
// opposed to a storage failure that would affect every record.
func isItemError(err error) bool {
	return errors.Is(err, store.ErrUnknownProduct) ||
		errors.Is(err, store.ErrInvalidInput) ||
		errors.Is(err, store.ErrConflict)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, fmt.Sprintf(format, args...))
}
