package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kasirsync/internal/cache"
	"kasirsync/internal/domain"
	"kasirsync/internal/obs"
	"kasirsync/internal/store"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

type settingsContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// WithSettings attaches the store settings loaded at startup.
func WithSettings(ctx context.Context, settings domain.Settings) context.Context {
	return context.WithValue(ctx, settingsContextKey{}, settings)
}

// SettingsFromContext returns the attached settings, or the defaults when none are set.
func SettingsFromContext(ctx context.Context) domain.Settings {
	if settings, ok := ctx.Value(settingsContextKey{}).(domain.Settings); ok {
		return settings
	}
	return domain.DefaultSettings()
}

// CatalogChange describes a committed change to a catalog row. Stock changes
// count as product changes because they bump the product version.
type CatalogChange struct {
	Entity string
	ID     int64
	Action string
}

const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionRestore = "restore"
	ActionStock   = "stock"
	ActionRepair  = "repair"
)

// Hooks are called after the write they describe has committed. Nil fields are skipped.
type Hooks struct {
	CatalogChanged func(ctx context.Context, change CatalogChange)
	SaleIngested   func(ctx context.Context, sale domain.Sale, serverID int64)
	StockMoved     func(ctx context.Context, movement domain.StockMovement, serverID int64)
}

type Service struct {
	repo         store.Repository
	catalogCache cache.CatalogCache
	cacheTTL     time.Duration
	logger       *slog.Logger

	hooksMu sync.RWMutex
	hooks   []Hooks
}

func New(repo store.Repository, catalogCache cache.CatalogCache, cacheTTL time.Duration) *Service {
	if catalogCache == nil {
		catalogCache = cache.NoopCatalogCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	s := &Service{
		repo:         repo,
		catalogCache: catalogCache,
		cacheTTL:     cacheTTL,
		logger:       obs.Logger,
	}
	s.OnCommit(Hooks{CatalogChanged: s.invalidateCatalogCache})
	return s
}

// OnCommit registers post-commit callbacks.
func (s *Service) OnCommit(h Hooks) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hooksMu.Unlock()
}

// LogHooks returns hooks that record committed writes as structured log lines.
func LogHooks(logger *slog.Logger) Hooks {
	return Hooks{
		CatalogChanged: func(ctx context.Context, change CatalogChange) {
			logger.InfoContext(ctx, "catalog changed", "entity", change.Entity, "id", change.ID, "action", change.Action)
		},
		SaleIngested: func(ctx context.Context, sale domain.Sale, serverID int64) {
			logger.InfoContext(ctx, "sale ingested",
				"reference", sale.Reference, "server_id", serverID, "terminal", sale.TerminalID,
				"status", sale.Status, "total_cents", sale.TotalCents, "lines", len(sale.Items))
		},
		StockMoved: func(ctx context.Context, movement domain.StockMovement, serverID int64) {
			logger.InfoContext(ctx, "stock movement ingested",
				"reference", movement.Reference, "server_id", serverID, "product_id", movement.ProductID,
				"quantity", movement.Quantity.String(), "source", movement.Source)
		},
	}
}

func (s *Service) registeredHooks() []Hooks {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return append([]Hooks(nil), s.hooks...)
}

func (s *Service) catalogChanged(ctx context.Context, change CatalogChange) {
	for _, h := range s.registeredHooks() {
		if h.CatalogChanged != nil {
			h.CatalogChanged(ctx, change)
		}
	}
}

func (s *Service) saleIngested(ctx context.Context, sale domain.Sale, serverID int64) {
	for _, h := range s.registeredHooks() {
		if h.SaleIngested != nil {
			h.SaleIngested(ctx, sale, serverID)
		}
	}
}

func (s *Service) stockMoved(ctx context.Context, movement domain.StockMovement, serverID int64) {
	for _, h := range s.registeredHooks() {
		if h.StockMoved != nil {
			h.StockMoved(ctx, movement, serverID)
		}
	}
}

func (s *Service) invalidateCatalogCache(ctx context.Context, change CatalogChange) {
	// The write already committed; a request cancelled right after it must not
	// leave stale pages behind.
	ctx = context.WithoutCancel(ctx)
	if err := s.catalogCache.Invalidate(ctx); err != nil {
		s.logger.WarnContext(ctx, "catalog cache invalidation failed", "entity", change.Entity, "id", change.ID, "error", err)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}
