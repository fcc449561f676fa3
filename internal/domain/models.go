package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of fractional digits kept for quantities and stock.
const QuantityScale int32 = 3

type Category struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type Product struct {
	ID             int64           `json:"id"`
	ExternalID     string          `json:"external_id"`
	CategoryID     int64           `json:"category_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	PriceCents     int64           `json:"price_cents"`
	CostPriceCents int64           `json:"cost_price_cents"`
	Stock          decimal.Decimal `json:"stock"`
	Active         bool            `json:"active"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

func (p Product) Deleted() bool {
	return p.DeletedAt != nil
}

type ProductCreateRequest struct {
	ExternalID     string          `json:"external_id,omitempty"`
	CategoryID     int64           `json:"category_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	PriceCents     int64           `json:"price_cents"`
	CostPriceCents int64           `json:"cost_price_cents"`
	InitialStock   decimal.Decimal `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	CategoryID     *int64  `json:"category_id,omitempty"`
	SKU            *string `json:"sku,omitempty"`
	Name           *string `json:"name,omitempty"`
	Unit           *string `json:"unit,omitempty"`
	PriceCents     *int64  `json:"price_cents,omitempty"`
	CostPriceCents *int64  `json:"cost_price_cents,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

type CategoryRequest struct {
	ExternalID string `json:"external_id,omitempty"`
	Name       string `json:"name"`
}

const (
	EntityProduct  = "product"
	EntityCategory = "category"
)

// Tombstone is a soft-delete marker propagated through catalog sync.
type Tombstone struct {
	Entity     string    `json:"entity"`
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	Version    int64     `json:"version"`
	DeletedAt  time.Time `json:"deleted_at"`
}

type CatalogPullRequest struct {
	ProductVersion  int64 `json:"product_version"`
	CategoryVersion int64 `json:"category_version"`
	IncludeDeleted  bool  `json:"include_deleted"`
	Limit           int   `json:"limit"`
}

// CatalogDelta is one page of catalog changes plus the cursors to resume from.
type CatalogDelta struct {
	Products        []Product   `json:"products"`
	Categories      []Category  `json:"categories"`
	Tombstones      []Tombstone `json:"tombstones"`
	ProductVersion  int64       `json:"product_version"`
	CategoryVersion int64       `json:"category_version"`
	HasMore         bool        `json:"has_more"`
}

type SyncCursor struct {
	ProductVersion  int64 `json:"product_version"`
	CategoryVersion int64 `json:"category_version"`
}

const (
	SaleStatusPending   = "pending"
	SaleStatusPaid      = "paid"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

// SaleStatusRank orders statuses so transitions only move forward.
// Unknown statuses rank zero.
func SaleStatusRank(status string) int {
	switch status {
	case SaleStatusPending:
		return 1
	case SaleStatusPaid:
		return 2
	case SaleStatusCancelled, SaleStatusRefunded:
		return 3
	default:
		return 0
	}
}

type SaleItem struct {
	LineNo           int             `json:"line_no"`
	ProductID        int64           `json:"product_id"`
	ProductName      string          `json:"product_name"`
	PriceCents       int64           `json:"price_cents"`
	CostPriceCents   int64           `json:"cost_price_cents"`
	Quantity         decimal.Decimal `json:"quantity"`
	SubtotalCents    int64           `json:"subtotal_cents"`
	TotalProfitCents int64           `json:"total_profit_cents"`
}

type Sale struct {
	ID            int64      `json:"id,omitempty"`
	Reference     string     `json:"reference"`
	TerminalID    string     `json:"terminal_id"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"payment_method"`
	TotalCents    int64      `json:"total_cents"`
	PaidCents     int64      `json:"paid_cents"`
	ChangeCents   int64      `json:"change_cents"`
	CreatedAt     time.Time  `json:"created_at"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	Items         []SaleItem `json:"items"`
}

const (
	SourceSale       = "sale"
	SourceRefund     = "refund"
	SourceCancel     = "cancel"
	SourceAdjustment = "adjustment"
	SourcePurchase   = "purchase"
	SourceInitial    = "initial"
)

func IsKnownSource(source string) bool {
	switch source {
	case SourceSale, SourceRefund, SourceCancel, SourceAdjustment, SourcePurchase, SourceInitial:
		return true
	default:
		return false
	}
}

// StatusForSource is the sale status a compensating movement moves its sale to.
// Other sources leave the sale untouched and return "".
func StatusForSource(source string) string {
	switch source {
	case SourceRefund:
		return SaleStatusRefunded
	case SourceCancel:
		return SaleStatusCancelled
	default:
		return ""
	}
}

// StockMovement is one immutable row of the inventory ledger.
type StockMovement struct {
	ID            int64           `json:"id,omitempty"`
	Reference     string          `json:"reference"`
	ProductID     int64           `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Source        string          `json:"source"`
	SaleReference string          `json:"sale_reference,omitempty"`
	Note          string          `json:"note,omitempty"`
	TerminalID    string          `json:"terminal_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

type SaleUploadRequest struct {
	TerminalID string `json:"terminal_id"`
	Sales      []Sale `json:"sales"`
}

type StockUploadRequest struct {
	TerminalID  string          `json:"terminal_id"`
	Adjustments []StockMovement `json:"adjustments"`
}

const (
	UploadAccepted  = "accepted"
	UploadDuplicate = "duplicate"
	UploadRejected  = "rejected"
)

// UploadResult reports the outcome for one uploaded record. StockVersions maps
// each affected product to a product version that already includes the
// record's stock effect; a catalog row at or above it needs no local
// correction for this record.
type UploadResult struct {
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	ServerID      int64           `json:"server_id,omitempty"`
	StockVersions map[int64]int64 `json:"stock_versions,omitempty"`
}

// Acknowledged reports whether the server durably holds the referenced record.
func (r UploadResult) Acknowledged() bool {
	return r.Status == UploadAccepted || r.Status == UploadDuplicate
}

type UploadResponse struct {
	Results []UploadResult `json:"results"`
}

// IngestResult is what a repository reports for one idempotent write.
type IngestResult struct {
	ServerID      int64
	Duplicate     bool
	StockVersions map[int64]int64
}

type StockReconciliation struct {
	ProductID   int64           `json:"product_id"`
	CachedStock decimal.Decimal `json:"cached_stock"`
	LedgerStock decimal.Decimal `json:"ledger_stock"`
	Drift       decimal.Decimal `json:"drift"`
	Repaired    bool            `json:"repaired"`
}

type LedgerResponse struct {
	ProductID int64           `json:"product_id"`
	Stock     decimal.Decimal `json:"stock"`
	Movements []StockMovement `json:"movements"`
}

// Settings is the store-wide configuration row, loaded once at startup.
type Settings struct {
	StoreName      string `json:"store_name"`
	Currency       string `json:"currency"`
	MaxUploadBatch int    `json:"max_upload_batch"`
	MaxPullLimit   int    `json:"max_pull_limit"`
}

func DefaultSettings() Settings {
	return Settings{
		StoreName:      "Kasir",
		Currency:       "IDR",
		MaxUploadBatch: 500,
		MaxPullLimit:   1000,
	}
}

type TokenRequest struct {
	TerminalID    string `json:"terminal_id"`
	EnrollmentKey string `json:"enrollment_key"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Subject string
	Role    string
}

const (
	RoleTerminal = "terminal"
	RoleAdmin    = "admin"
)
