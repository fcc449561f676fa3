// Package syncclient drains the terminal's local queue to the sync server and
// pulls catalog deltas back into the local replica.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kasirsync/internal/domain"
	"kasirsync/internal/local"
	"kasirsync/internal/obs"
)

const maxBackoff = time.Minute

type Options struct {
	BatchSize    int
	PullLimit    int
	MaxAttempts  int
	BaseDelay    time.Duration
	PushInterval time.Duration
	PullInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		PullLimit:    500,
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		PushInterval: 15 * time.Second,
		PullInterval: time.Minute,
	}
}

// Report summarizes one push cycle for the operator.
type Report struct {
	Synced   int                  `json:"synced"`
	Failed   int                  `json:"failed"`
	Pending  int                  `json:"pending"`
	Blocked  int                  `json:"blocked"`
	Rejected []local.RejectedItem `json:"rejected,omitempty"`
}

// PullResult summarizes one pull cycle.
type PullResult struct {
	Pages      int               `json:"pages"`
	Products   int               `json:"products"`
	Categories int               `json:"categories"`
	Tombstones int               `json:"tombstones"`
	Cursor     domain.SyncCursor `json:"cursor"`
}

// Client is safe for concurrent use. A push and a pull may overlap, but two
// pushes or two pulls never do.
type Client struct {
	store      *local.Store
	transport  Transport
	terminalID string
	opts       Options

	pushMu sync.Mutex
	pullMu sync.Mutex

	pushNow chan struct{}
	pullNow chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

func New(store *local.Store, transport Transport, terminalID string, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.BatchSize < 1 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PullLimit < 1 {
		opts.PullLimit = defaults.PullLimit
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaults.PushInterval
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaults.PullInterval
	}

	return &Client{
		store:      store,
		transport:  transport,
		terminalID: terminalID,
		opts:       opts,
		pushNow:    make(chan struct{}, 1),
		pullNow:    make(chan struct{}, 1),
		sleep:      sleepContext,
	}
}

// Push uploads queued sales, then queued adjustments, batch by batch. Sales go
// first because refunds and cancellations wait for the sale they reference.
// On error the unacknowledged work stays queued for the next cycle.
func (c *Client) Push(ctx context.Context) (Report, error) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	var report Report
	err := c.pushSales(ctx, &report)
	if err == nil {
		err = c.pushAdjustments(ctx, &report)
	}

	stats, statsErr := c.store.QueueStats(ctx)
	if statsErr == nil {
		report.Pending = stats.PendingSales + stats.PendingAdjustments
		report.Blocked = stats.BlockedAdjustments
	} else if err == nil {
		err = statsErr
	}

	if report.Synced > 0 || len(report.Rejected) > 0 || err != nil {
		obs.Logger.Info("push finished",
			slog.Int("synced", report.Synced),
			slog.Int("failed", report.Failed),
			slog.Int("pending", report.Pending),
			slog.Int("rejected", len(report.Rejected)),
		)
	}
	if report.Blocked > 0 {
		obs.Logger.Warn("adjustments blocked behind rejected sales",
			slog.Int("blocked", report.Blocked),
		)
	}
	return report, err
}

func (c *Client) pushSales(ctx context.Context, report *Report) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := c.store.ListUnsyncedSales(ctx, c.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var resp domain.UploadResponse
		err = c.withRetry(ctx, "upload sales", func(ctx context.Context) error {
			var err error
			resp, err = c.transport.UploadSales(ctx, domain.SaleUploadRequest{TerminalID: c.terminalID, Sales: batch})
			return err
		})
		if err != nil {
			report.Failed += len(batch)
			return err
		}

		refs := make([]string, len(batch))
		for i, sale := range batch {
			refs[i] = sale.Reference
		}
		progress, err := c.settle(ctx, local.KindSale, refs, resp.Results, report)
		if err != nil {
			return err
		}
		if progress == 0 || len(batch) < c.opts.BatchSize {
			return nil
		}
	}
}

func (c *Client) pushAdjustments(ctx context.Context, report *Report) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := c.store.ListUnsyncedAdjustments(ctx, c.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var resp domain.UploadResponse
		err = c.withRetry(ctx, "upload adjustments", func(ctx context.Context) error {
			var err error
			resp, err = c.transport.UploadStockAdjustments(ctx, domain.StockUploadRequest{TerminalID: c.terminalID, Adjustments: batch})
			return err
		})
		if err != nil {
			report.Failed += len(batch)
			return err
		}

		refs := make([]string, len(batch))
		for i, m := range batch {
			refs[i] = m.Reference
		}
		progress, err := c.settle(ctx, local.KindAdjustment, refs, resp.Results, report)
		if err != nil {
			return err
		}
		if progress == 0 || len(batch) < c.opts.BatchSize {
			return nil
		}
	}
}

// settle applies the per-item results of one batch and returns how many
// entries left the queue. Entries the server did not answer for stay queued.
func (c *Client) settle(ctx context.Context, kind local.Kind, sent []string, results []domain.UploadResult, report *Report) (int, error) {
	inBatch := make(map[string]struct{}, len(sent))
	for _, ref := range sent {
		inBatch[ref] = struct{}{}
	}

	acks := make([]domain.UploadResult, 0, len(results))
	answered := make(map[string]struct{}, len(results))
	progress := 0
	for _, result := range results {
		if _, ok := inBatch[result.Reference]; !ok {
			continue
		}
		if _, dup := answered[result.Reference]; dup {
			continue
		}
		answered[result.Reference] = struct{}{}

		switch {
		case result.Acknowledged():
			acks = append(acks, result)
		case result.Status == domain.UploadRejected:
			err := c.store.MarkRejected(ctx, kind, result.Reference, result.Reason)
			if errors.Is(err, local.ErrNotFound) {
				continue
			}
			if err != nil {
				return progress, err
			}
			obs.Logger.Warn("upload rejected",
				slog.String("kind", string(kind)),
				slog.String("reference", result.Reference),
				slog.String("reason", result.Reason),
			)
			report.Rejected = append(report.Rejected, local.RejectedItem{Kind: kind, Reference: result.Reference, Reason: result.Reason})
			progress++
		}
	}

	if len(acks) > 0 {
		if err := c.store.MarkSynced(ctx, kind, acks); err != nil {
			return progress, err
		}
		report.Synced += len(acks)
		progress += len(acks)
	}
	report.Failed += len(sent) - len(answered)
	return progress, nil
}

// Pull fetches catalog pages from the stored cursor until the server reports
// no more. Each page is merged together with its cursor advance, so an
// interrupted pull resumes where it stopped. Pull pushes the queue before
// fetching and does not merge anything if that push fails.
func (c *Client) Pull(ctx context.Context) (PullResult, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	// Settle the queue first. A sale the server applied but never acknowledged
	// would otherwise be counted twice once the replica includes it.
	if _, err := c.Push(ctx); err != nil {
		return PullResult{}, fmt.Errorf("settle queue before pull: %w", err)
	}

	var result PullResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		cursor, err := c.store.Cursor(ctx)
		if err != nil {
			return result, err
		}
		result.Cursor = cursor

		var delta domain.CatalogDelta
		err = c.withRetry(ctx, "pull catalog", func(ctx context.Context) error {
			var err error
			delta, err = c.transport.PullCatalog(ctx, domain.CatalogPullRequest{
				ProductVersion:  cursor.ProductVersion,
				CategoryVersion: cursor.CategoryVersion,
				Limit:           c.opts.PullLimit,
			})
			return err
		})
		if err != nil {
			return result, err
		}

		if err := c.store.MergeCatalogDelta(ctx, delta); err != nil {
			return result, fmt.Errorf("merge catalog page: %w", err)
		}
		result.Pages++
		result.Products += len(delta.Products)
		result.Categories += len(delta.Categories)
		result.Tombstones += len(delta.Tombstones)
		result.Cursor = domain.SyncCursor{
			ProductVersion:  max(cursor.ProductVersion, delta.ProductVersion),
			CategoryVersion: max(cursor.CategoryVersion, delta.CategoryVersion),
		}

		if !delta.HasMore {
			break
		}
		if result.Cursor == cursor {
			return result, errors.New("pull catalog: server reported more pages without advancing the cursor")
		}
	}

	if result.Products+result.Categories+result.Tombstones > 0 {
		obs.Logger.Info("pull finished",
			slog.Int("pages", result.Pages),
			slog.Int("products", result.Products),
			slog.Int("categories", result.Categories),
			slog.Int("tombstones", result.Tombstones),
			slog.Int64("product_version", result.Cursor.ProductVersion),
			slog.Int64("category_version", result.Cursor.CategoryVersion),
		)
	}
	return result, nil
}

// Trigger asks a running Run loop for an immediate push and pull, for
// example after connectivity comes back or a sale is recorded.
func (c *Client) Trigger() {
	for _, ch := range []chan struct{}{c.pushNow, c.pullNow} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run pushes and pulls on independent schedules until ctx is cancelled.
// Server and network failures are logged and retried on the next tick; a
// local storage failure stops Run.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.loop(ctx, "push", c.opts.PushInterval, c.pushNow, func(ctx context.Context) error {
			_, err := c.Push(ctx)
			return err
		})
	})
	g.Go(func() error {
		return c.loop(ctx, "pull", c.opts.PullInterval, c.pullNow, func(ctx context.Context) error {
			_, err := c.Pull(ctx)
			return err
		})
	})

	return g.Wait()
}

func (c *Client) loop(ctx context.Context, name string, interval time.Duration, now <-chan struct{}, cycle func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isRemoteError(err) {
				return fmt.Errorf("%s cycle: %w", name, err)
			}
			obs.Logger.Warn("sync cycle failed", slog.String("cycle", name), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-now:
		}
	}
}

// withRetry runs fn until it succeeds, fails permanently, or MaxAttempts is
// reached. The delay before retry n is BaseDelay * 2^(n-1).
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := c.sleep(ctx, Backoff(c.opts.BaseDelay, attempt-1)); sleepErr != nil {
				return sleepErr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return &remoteError{op: op, err: err}
		}
		obs.Logger.Debug("transient sync failure",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return &remoteError{op: fmt.Sprintf("%s: giving up after %d attempts", op, c.opts.MaxAttempts), err: err}
}

// Backoff returns base * 2^attempt, capped at one minute.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return maxBackoff
	}
	delay := base * time.Duration(1<<attempt)
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// remoteError marks a failure talking to the server, as opposed to a local
// storage failure.
type remoteError struct {
	op  string
	err error
}

func (e *remoteError) Error() string { return e.op + ": " + e.err.Error() }

func (e *remoteError) Unwrap() error { return e.err }

func isRemoteError(err error) bool {
	var remote *remoteError
	return errors.As(err, &remote)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
