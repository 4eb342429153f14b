// Package batch runs resumable page-at-a-time migrations whose progress is a
// single persisted record per batch name.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/index-queue/internal/options"
	"github.com/google/uuid"
)

const (
	keyPrefix = "batch:"

	// DefaultBatchSize is used when start is called without a size
	DefaultBatchSize = 50

	// maxSamples bounds the previews returned by a dry run
	maxSamples = 10

	// DefaultLeaseTTL bounds how long a page lease of a crashed process blocks other ticks
	DefaultLeaseTTL = 10 * time.Minute

	maxWriteAttempts = 5
)

var (
	// ErrNotStarted is returned when stopping or resuming a batch with no progress record
	ErrNotStarted = errors.New("batch has not been started")

	// ErrUnknownBatch is returned when no controller is registered under a name
	ErrUnknownBatch = errors.New("unknown batch")

	// ErrConflict is returned when progress kept changing underneath a write
	ErrConflict = errors.New("batch progress changed concurrently")
)

// Record is one row seen by a page scan
type Record struct {
	ID             int64          `json:"id"`
	NeedsMigration bool           `json:"needs_migration"`
	Preview        map[string]any `json:"preview,omitempty"`
}

// Migrator supplies the records and the change for one kind of batch
type Migrator interface {
	// Scan returns up to limit records starting at offset in a stable order
	Scan(ctx context.Context, offset, limit int) ([]Record, error)
	// Migrate applies the change to a record that needs it
	Migrate(ctx context.Context, rec Record) error
}

// Progress is the persisted state of a batch
type Progress struct {
	Name           string     `json:"name"`
	Offset         int        `json:"offset"`
	BatchSize      int        `json:"batch_size"`
	Running        bool       `json:"running"`
	TotalProcessed int        `json:"total_processed"`
	TotalMigrated  int        `json:"total_migrated"`
	MaxTotal       *int       `json:"max_total,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	Lease          *Lease     `json:"lease,omitempty"`
}

// Lease marks the page at Offset as being processed by Owner until Until
type Lease struct {
	Owner string    `json:"owner"`
	Until time.Time `json:"until"`
}

// TickResult describes the page processed by one tick
type TickResult struct {
	Ran      bool      `json:"ran"`
	Offset   int       `json:"offset"`
	Scanned  int       `json:"scanned"`
	Migrated int       `json:"migrated"`
	Done     bool      `json:"done"`
	// Discarded is set when progress changed while the page ran (stop then
	// start, or the lease expired) and the page result was not recorded
	Discarded bool      `json:"discarded,omitempty"`
	Progress  *Progress `json:"progress"`
}

// DryRunReport counts what an execution from offset 0 would change
type DryRunReport struct {
	Scanned     int      `json:"scanned"`
	WouldChange int      `json:"would_change"`
	Pages       int      `json:"pages"`
	Samples     []Record `json:"samples"`
}

// pageResult is shared by Tick and DryRun
type pageResult struct {
	scanned int
	changed int
	samples []Record
}

// Controller drives one named batch. Controllers in different processes may
// share a record: every progress write is conditional on the version read, and
// a tick leases its page so only one process works on it at a time.
type Controller struct {
	name     string
	id       string
	store    options.Store
	migrator Migrator
	logger   *slog.Logger
	now      func() time.Time
	leaseTTL time.Duration
	mu       sync.Mutex
}

// NewController creates a Controller persisting progress under batch:<name>
func NewController(name string, store options.Store, migrator Migrator, logger *slog.Logger) *Controller {
	return &Controller{
		name:     name,
		id:       uuid.NewString(),
		store:    store,
		migrator: migrator,
		logger:   logger.With(slog.String("batch", name)),
		now:      time.Now,
		leaseTTL: DefaultLeaseTTL,
	}
}

// Name returns the batch name
func (c *Controller) Name() string {
	return c.name
}

// Key returns the option name holding the progress of batch name
func Key(name string) string {
	return keyPrefix + name
}

// Start resets progress to offset 0 and marks the batch running. It returns
// the current progress unchanged when the batch is already running.
func (c *Controller) Start(ctx context.Context, batchSize int, maxTotal *int) (*Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxTotal != nil && *maxTotal <= 0 {
		maxTotal = nil
	}

	var started bool
	p, err := c.update(ctx, func(cur *Progress) (*Progress, error) {
		started = false
		if cur != nil && cur.Running {
			return nil, nil
		}
		now := c.now().UTC()
		started = true
		return &Progress{
			Name:      c.name,
			BatchSize: batchSize,
			Running:   true,
			MaxTotal:  maxTotal,
			StartedAt: &now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if started {
		c.logger.Info("Batch started",
			slog.Int("batch_size", batchSize),
			slog.Any("max_total", maxTotal),
		)
	}
	return p, nil
}

// Stop marks the batch not running and keeps its offset
func (c *Controller) Stop(ctx context.Context) (*Progress, error) {
	return c.setRunning(ctx, false)
}

// Resume marks the batch running from its persisted offset
func (c *Controller) Resume(ctx context.Context) (*Progress, error) {
	return c.setRunning(ctx, true)
}

func (c *Controller) setRunning(ctx context.Context, running bool) (*Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed bool
	p, err := c.update(ctx, func(cur *Progress) (*Progress, error) {
		changed = false
		if cur == nil {
			return nil, fmt.Errorf("%s: %w", c.name, ErrNotStarted)
		}
		if cur.Running == running {
			return nil, nil
		}
		cur.Running = running
		changed = true
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		c.logger.Info("Batch running state changed",
			slog.Bool("running", running),
			slog.Int("offset", p.Offset),
		)
	}
	return p, nil
}

// Status returns the persisted progress, or nil if the batch never started
func (c *Controller) Status(ctx context.Context) (*Progress, error) {
	p, _, err := c.load(ctx)
	return p, err
}

// Tick processes one page while the batch is running. The batch stops itself
// when a page is empty or max_total is reached. A tick leases its page first;
// when another process holds an unexpired lease the tick does nothing.
func (c *Controller) Tick(ctx context.Context) (*TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	var leased *Progress
	p, err := c.update(ctx, func(cur *Progress) (*Progress, error) {
		leased = nil
		if cur == nil || !cur.Running {
			return nil, nil
		}
		if cur.Lease != nil && cur.Lease.Owner != c.id && now.Before(cur.Lease.Until) {
			return nil, nil
		}
		cur.Lease = &Lease{Owner: c.id, Until: now.Add(c.leaseTTL)}
		leased = cur
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if leased == nil {
		if p != nil && p.Running {
			c.logger.Debug("Batch page leased by another process", slog.Int("offset", p.Offset))
		}
		return &TickResult{Ran: false, Progress: p}, nil
	}
	window := *leased

	limit := window.BatchSize
	if window.MaxTotal != nil {
		limit = min(limit, *window.MaxTotal-window.TotalProcessed)
	}

	result := &TickResult{Ran: true, Offset: window.Offset}

	var page pageResult
	if limit > 0 {
		page, err = c.processPage(ctx, window.Offset, limit, false)
		if err != nil {
			c.releaseLease(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	result.Scanned = page.scanned
	result.Migrated = page.changed

	// The page is recorded only against the run and lease it was taken from
	p, err = c.update(context.WithoutCancel(ctx), func(cur *Progress) (*Progress, error) {
		result.Done = false
		result.Discarded = false
		if !c.holdsWindow(cur, &window) {
			result.Discarded = true
			return nil, nil
		}

		cur.Offset += cur.BatchSize
		cur.TotalProcessed += page.scanned
		cur.TotalMigrated += page.changed
		finished := c.now().UTC()
		cur.LastRun = &finished
		cur.Lease = nil

		if page.scanned == 0 || (cur.MaxTotal != nil && cur.TotalProcessed >= *cur.MaxTotal) {
			cur.Running = false
			result.Done = true
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	result.Progress = p

	if result.Discarded {
		c.logger.Warn("Batch progress changed while the page ran, result not recorded",
			slog.Int("offset", result.Offset),
			slog.Int("scanned", result.Scanned),
			slog.Int("migrated", result.Migrated),
		)
		return result, nil
	}

	c.logger.Info("Batch tick processed",
		slog.Int("offset", result.Offset),
		slog.Int("scanned", result.Scanned),
		slog.Int("migrated", result.Migrated),
		slog.Int("total_processed", p.TotalProcessed),
		slog.Bool("done", result.Done),
	)
	return result, nil
}

// holdsWindow reports whether cur is still the run and page this controller leased
func (c *Controller) holdsWindow(cur, window *Progress) bool {
	if cur == nil || cur.Lease == nil || cur.Lease.Owner != c.id {
		return false
	}
	if cur.Offset != window.Offset || cur.StartedAt == nil || window.StartedAt == nil {
		return false
	}
	return cur.StartedAt.Equal(*window.StartedAt)
}

func (c *Controller) releaseLease(ctx context.Context) {
	_, err := c.update(ctx, func(cur *Progress) (*Progress, error) {
		if cur == nil || cur.Lease == nil || cur.Lease.Owner != c.id {
			return nil, nil
		}
		cur.Lease = nil
		return cur, nil
	})
	if err != nil {
		c.logger.Warn("Failed to release batch lease", slog.Any("error", err))
	}
}

// DryRun walks pages from offset 0 exactly as Tick would and counts the
// records that would change, without touching progress or data.
func (c *Controller) DryRun(ctx context.Context, batchSize int, maxTotal *int) (*DryRunReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	report := &DryRunReport{Samples: []Record{}}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := batchSize
		if maxTotal != nil && *maxTotal > 0 {
			limit = min(limit, *maxTotal-report.Scanned)
		}
		if limit <= 0 {
			break
		}

		page, err := c.processPage(ctx, offset, limit, true)
		if err != nil {
			return nil, err
		}
		if page.scanned == 0 {
			break
		}

		report.Pages++
		report.Scanned += page.scanned
		report.WouldChange += page.changed
		for _, s := range page.samples {
			if len(report.Samples) < maxSamples {
				report.Samples = append(report.Samples, s)
			}
		}
		offset += batchSize
	}

	c.logger.Info("Batch dry run finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("would_change", report.WouldChange),
	)
	return report, nil
}

// processPage scans one page and, unless dryRun, migrates the records that need it
func (c *Controller) processPage(ctx context.Context, offset, limit int, dryRun bool) (pageResult, error) {
	records, err := c.migrator.Scan(ctx, offset, limit)
	if err != nil {
		return pageResult{}, fmt.Errorf("failed to scan batch page at offset %d: %w", offset, err)
	}

	res := pageResult{scanned: len(records)}
	for _, rec := range records {
		if !rec.NeedsMigration {
			continue
		}
		if dryRun {
			res.changed++
			if len(res.samples) < maxSamples {
				res.samples = append(res.samples, rec)
			}
			continue
		}
		if err := c.migrator.Migrate(ctx, rec); err != nil {
			return pageResult{}, fmt.Errorf("failed to migrate record %d: %w", rec.ID, err)
		}
		res.changed++
	}
	return res, nil
}

func (c *Controller) load(ctx context.Context) (*Progress, int64, error) {
	var p Progress
	version, err := c.store.GetVersion(ctx, Key(c.name), &p)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load batch progress: %w", err)
	}
	if version == 0 {
		return nil, 0, nil
	}
	return &p, version, nil
}

// update applies fn to the stored progress and writes the result only if the
// record is unchanged since it was read, retrying on conflict. A nil result
// from fn leaves the record as is and returns the current progress.
func (c *Controller) update(ctx context.Context, fn func(cur *Progress) (*Progress, error)) (*Progress, error) {
	for range maxWriteAttempts {
		cur, version, err := c.load(ctx)
		if err != nil {
			return nil, err
		}

		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}

		ok, err := c.store.CompareAndSet(ctx, Key(c.name), next, version)
		if err != nil {
			return nil, fmt.Errorf("failed to save batch progress: %w", err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", c.name, ErrConflict)
}
