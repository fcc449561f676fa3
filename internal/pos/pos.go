// Package pos builds sales, refunds and stock adjustments at the till from the
// terminal's local catalog snapshot. Everything it records goes into the
// local queue first; nothing here needs the network.
package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/local"
	"kasirsync/internal/obs"
	"kasirsync/internal/xid"
)

var (
	ErrInvalidSale        = errors.New("invalid sale")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientCash   = errors.New("cash received is less than total")
)

type CartItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type CheckoutRequest struct {
	Items             []CartItem `json:"items"`
	PaymentMethod     string     `json:"payment_method"`
	CashReceivedCents int64      `json:"cash_received_cents"`
}

// Register is one till. It is safe for concurrent use; the local store
// serializes the writes.
type Register struct {
	store      *local.Store
	terminalID string
	now        func() time.Time
	onRecorded func()
}

func NewRegister(store *local.Store, terminalID string) *Register {
	return &Register{
		store:      store,
		terminalID: terminalID,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnRecorded registers fn to run after every committed sale, refund or
// adjustment. The sync client's Trigger fits here.
func (r *Register) OnRecorded(fn func()) {
	r.onRecorded = fn
}

// Checkout prices the cart from the local snapshot and records a paid sale.
// Lines for the same product are merged.
func (r *Register) Checkout(ctx context.Context, req CheckoutRequest) (domain.Sale, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = "cash"
	}
	if !isSupportedPaymentMethod(method) {
		return domain.Sale{}, fmt.Errorf("%w: payment method %q", ErrInvalidSale, req.PaymentMethod)
	}

	cart, err := normalizeCart(req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		Reference:     xid.Reference(),
		TerminalID:    r.terminalID,
		Status:        domain.SaleStatusPaid,
		PaymentMethod: method,
		CreatedAt:     r.now(),
		Items:         make([]domain.SaleItem, 0, len(cart)),
	}

	for i, line := range cart {
		product, err := r.store.Product(ctx, line.ProductID)
		if errors.Is(err, local.ErrNotFound) {
			return domain.Sale{}, fmt.Errorf("%w: product %d is not in the local catalog", ErrProductUnavailable, line.ProductID)
		}
		if err != nil {
			return domain.Sale{}, err
		}
		if product.Deleted() || !product.Active {
			return domain.Sale{}, fmt.Errorf("%w: %s", ErrProductUnavailable, product.Name)
		}
		if product.Stock.LessThan(line.Quantity) {
			return domain.Sale{}, fmt.Errorf("%w: %s has %s %s", ErrInsufficientStock, product.Name, product.Stock, product.Unit)
		}

		item := domain.SaleItem{
			LineNo:         i + 1,
			ProductID:      product.ID,
			ProductName:    product.Name,
			PriceCents:     product.PriceCents,
			CostPriceCents: product.CostPriceCents,
			Quantity:       line.Quantity,
			SubtotalCents:  domain.AmountCents(product.PriceCents, line.Quantity),
		}
		item.TotalProfitCents = domain.LineProfitCents(item)
		sale.TotalCents += item.SubtotalCents
		sale.Items = append(sale.Items, item)
	}

	switch method {
	case "cash":
		if req.CashReceivedCents < sale.TotalCents {
			return domain.Sale{}, fmt.Errorf("%w: received %d, total %d", ErrInsufficientCash, req.CashReceivedCents, sale.TotalCents)
		}
		sale.PaidCents = req.CashReceivedCents
		sale.ChangeCents = req.CashReceivedCents - sale.TotalCents
	default:
		sale.PaidCents = sale.TotalCents
	}

	if err := r.store.AppendSale(ctx, sale); err != nil {
		return domain.Sale{}, fmt.Errorf("record sale: %w", err)
	}

	obs.Logger.Info("sale recorded",
		slog.String("reference", sale.Reference),
		slog.Int64("total_cents", sale.TotalCents),
		slog.Int("lines", len(sale.Items)),
	)
	r.recorded()
	return sale, nil
}

// Refund returns every line of a paid sale to stock.
func (r *Register) Refund(ctx context.Context, reference string) (domain.Sale, error) {
	return r.reverse(ctx, reference, domain.SourceRefund)
}

// Cancel voids a paid sale and returns its stock.
func (r *Register) Cancel(ctx context.Context, reference string) (domain.Sale, error) {
	return r.reverse(ctx, reference, domain.SourceCancel)
}

func (r *Register) reverse(ctx context.Context, reference string, source string) (domain.Sale, error) {
	queued, err := r.store.GetSale(ctx, strings.TrimSpace(reference))
	if err != nil {
		return domain.Sale{}, err
	}
	sale := queued.Sale
	status := domain.StatusForSource(source)
	if sale.Status != domain.SaleStatusPaid {
		return domain.Sale{}, fmt.Errorf("%w: sale %s is %s", local.ErrInvalidTransition, sale.Reference, sale.Status)
	}

	now := r.now()
	movements := make([]domain.StockMovement, 0, len(sale.Items))
	for _, item := range sale.Items {
		movements = append(movements, domain.StockMovement{
			Reference:     xid.Reference(),
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Source:        source,
			SaleReference: sale.Reference,
			Note:          fmt.Sprintf("%s of line %d", source, item.LineNo),
			TerminalID:    r.terminalID,
			CreatedAt:     now,
		})
	}

	if err := r.store.TransitionSale(ctx, sale.Reference, status, movements); err != nil {
		return domain.Sale{}, fmt.Errorf("%s sale %s: %w", source, sale.Reference, err)
	}
	sale.Status = status

	obs.Logger.Info("sale reversed",
		slog.String("reference", sale.Reference),
		slog.String("status", status),
	)
	r.recorded()
	return sale, nil
}

// AdjustStock records a manual correction or a goods receipt at the till.
func (r *Register) AdjustStock(ctx context.Context, productID int64, quantity decimal.Decimal, source string, note string) (domain.StockMovement, error) {
	if source == "" {
		source = domain.SourceAdjustment
	}
	if _, err := r.store.Product(ctx, productID); err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.StockMovement{}, fmt.Errorf("%w: product %d is not in the local catalog", ErrProductUnavailable, productID)
		}
		return domain.StockMovement{}, err
	}

	movement := domain.StockMovement{
		Reference:  xid.Reference(),
		ProductID:  productID,
		Quantity:   quantity,
		Source:     source,
		Note:       strings.TrimSpace(note),
		TerminalID: r.terminalID,
		CreatedAt:  r.now(),
	}
	if err := r.store.AppendStockAdjustment(ctx, movement); err != nil {
		return domain.StockMovement{}, fmt.Errorf("record adjustment: %w", err)
	}
	r.recorded()
	return movement, nil
}

func (r *Register) recorded() {
	if r.onRecorded != nil {
		r.onRecorded()
	}
}

// normalizeCart merges lines per product and keeps the order in which each
// product first appeared.
func normalizeCart(items []CartItem) ([]CartItem, error) {
	totals := make(map[int64]decimal.Decimal, len(items))
	order := make(map[int64]int, len(items))
	for i, item := range items {
		if item.ProductID < 1 {
			return nil, fmt.Errorf("%w: line %d has no product", ErrInvalidSale, i+1)
		}
		if !item.Quantity.IsPositive() || !domain.ValidQuantityScale(item.Quantity) {
			return nil, fmt.Errorf("%w: line %d quantity must be positive with at most %d decimals", ErrInvalidSale, i+1, domain.QuantityScale)
		}
		if _, seen := order[item.ProductID]; !seen {
			order[item.ProductID] = i
		}
		totals[item.ProductID] = totals[item.ProductID].Add(item.Quantity)
	}
	if len(totals) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrInvalidSale)
	}

	cart := make([]CartItem, 0, len(totals))
	for productID, qty := range totals {
		cart = append(cart, CartItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(cart, func(i, j int) bool {
		return order[cart[i].ProductID] < order[cart[j].ProductID]
	})
	return cart, nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet":
		return true
	default:
		return false
	}
}
